package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Run executes `git <args...>` in dir and returns trimmed stdout. On
// failure the error wraps git's own stderr so callers can surface the
// real reason (ref not found, remote unreachable, auth failure).
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// Fetch fetches ref from remote into dir.
func Fetch(ctx context.Context, dir, remote, ref string) error {
	_, err := Run(ctx, dir, "fetch", remote, ref)
	return err
}

// Push pushes ref to remote from dir.
func Push(ctx context.Context, dir, remote, ref string) error {
	_, err := Run(ctx, dir, "push", remote, ref)
	return err
}

// ResetHard resets dir's working tree to ref, discarding local changes.
func ResetHard(ctx context.Context, dir, ref string) error {
	_, err := Run(ctx, dir, "reset", "--hard", ref)
	return err
}

// RevParse resolves ref to a commit hash in dir.
func RevParse(ctx context.Context, dir, ref string) (string, error) {
	return Run(ctx, dir, "rev-parse", ref)
}

// SymbolicRef reads the target of a symbolic ref (e.g. HEAD) in dir.
func SymbolicRef(ctx context.Context, dir, ref string) (string, error) {
	return Run(ctx, dir, "symbolic-ref", ref)
}

// RemoteBranchExists reports whether remote/branch exists, without
// requiring a prior fetch.
func RemoteBranchExists(ctx context.Context, dir, remote, branch string) bool {
	_, err := Run(ctx, dir, "ls-remote", "--exit-code", "--heads", remote, branch)
	return err == nil
}
