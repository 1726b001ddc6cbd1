package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sparseCheckoutDir is the only directory materialized in a ledger
// worktree: the record store's JSONL files, nothing else from the repo.
const sparseCheckoutDir = ".eluent"

// WorktreeManager creates and maintains the sparse-checkout worktree the
// ledger syncer claims atoms in, separate from the caller's own working
// tree so a claim never collides with uncommitted application changes.
type WorktreeManager struct {
	repoPath string
}

// NewWorktreeManager returns a manager rooted at repoPath, the main
// repository (not a worktree) that owns the ledger branch.
func NewWorktreeManager(repoPath string) *WorktreeManager {
	return &WorktreeManager{repoPath: repoPath}
}

// CreateLedgerWorktree adds a worktree at worktreePath checked out onto
// branch (created if it doesn't already exist), with sparse checkout
// limited to sparseCheckoutDir. Idempotent: calling it again against an
// already-valid worktree at the same path is a no-op.
func (wm *WorktreeManager) CreateLedgerWorktree(branch, worktreePath string) error {
	if valid, err := wm.isValidWorktree(worktreePath); err == nil && valid {
		return nil
	}

	if info, err := os.Stat(worktreePath); err == nil {
		if !info.IsDir() {
			if err := os.Remove(worktreePath); err != nil {
				return fmt.Errorf("removing stale path %s: %w", worktreePath, err)
			}
		} else {
			if err := os.RemoveAll(worktreePath); err != nil {
				return fmt.Errorf("removing invalid worktree %s: %w", worktreePath, err)
			}
		}
	}

	args := []string{"worktree", "add"}
	if wm.branchExists(branch) {
		args = append(args, worktreePath, branch)
	} else {
		args = append(args, "-b", branch, worktreePath)
	}

	cmd := exec.Command("git", args...)
	cmd.Dir = wm.repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if err := wm.configureSparseCheckout(worktreePath); err != nil {
		return fmt.Errorf("configuring sparse checkout: %w", err)
	}
	return nil
}

// RemoveLedgerWorktree removes a worktree cleanly via git, falling back
// to manual directory removal (plus `worktree prune`) if the worktree's
// .git link has been corrupted or deleted. A missing path is a no-op.
func (wm *WorktreeManager) RemoveLedgerWorktree(worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.Command("git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = wm.repoPath
	if err := cmd.Run(); err == nil {
		return nil
	}

	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("manually removing worktree %s: %w", worktreePath, err)
	}
	prune := exec.Command("git", "worktree", "prune")
	prune.Dir = wm.repoPath
	_ = prune.Run()
	return nil
}

// CheckWorktreeHealth verifies worktreePath is a valid, correctly
// sparse-checked-out worktree, repairing the sparse-checkout
// configuration in place if it has drifted.
func (wm *WorktreeManager) CheckWorktreeHealth(worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return fmt.Errorf("worktree %s does not exist", worktreePath)
	}

	valid, err := wm.isValidWorktree(worktreePath)
	if err != nil {
		return fmt.Errorf("checking worktree validity: %w", err)
	}
	if !valid {
		return fmt.Errorf("%s is not a valid git worktree", worktreePath)
	}

	if err := wm.verifySparseCheckout(worktreePath); err != nil {
		if err := wm.configureSparseCheckout(worktreePath); err != nil {
			return fmt.Errorf("repairing sparse checkout: %w", err)
		}
	}
	return nil
}

// SyncJSONLToWorktree copies relPath (relative to the main repo) into the
// same relative position inside worktreePath, creating parent
// directories as needed.
func (wm *WorktreeManager) SyncJSONLToWorktree(worktreePath, relPath string) error {
	src := filepath.Join(wm.repoPath, relPath)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source JSONL %s: %w", src, err)
	}

	dst := filepath.Join(worktreePath, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("creating destination directory for %s: %w", dst, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

func (wm *WorktreeManager) branchExists(branch string) bool {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = wm.repoPath
	return cmd.Run() == nil
}

// isValidWorktree reports whether path is a directory containing a
// well-formed .git worktree link file, without shelling out to git.
func (wm *WorktreeManager) isValidWorktree(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}

	gitFile := filepath.Join(path, ".git")
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return false, nil
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "gitdir: ") {
		return false, nil
	}
	gitDir := strings.TrimPrefix(line, "gitdir: ")
	if _, err := os.Stat(gitDir); err != nil {
		return false, nil
	}
	return true, nil
}

func (wm *WorktreeManager) worktreeGitDir(worktreePath string) (string, error) {
	gitFile := filepath.Join(worktreePath, ".git")
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "gitdir: ") {
		return "", fmt.Errorf("invalid .git file format in %s", worktreePath)
	}
	return strings.TrimPrefix(line, "gitdir: "), nil
}

// verifySparseCheckout confirms the worktree's sparse-checkout file
// contains exactly sparseCheckoutDir.
func (wm *WorktreeManager) verifySparseCheckout(worktreePath string) error {
	gitDir, err := wm.worktreeGitDir(worktreePath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(gitDir, "info", "sparse-checkout"))
	if err != nil {
		return fmt.Errorf("reading sparse-checkout file: %w", err)
	}
	want := "/" + sparseCheckoutDir + "/"
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == want {
			return nil
		}
	}
	return fmt.Errorf("sparse-checkout file does not include %s", want)
}

// configureSparseCheckout enables non-cone sparse checkout with the single
// pattern "/<sparseCheckoutDir>/" and reapplies it against the current
// HEAD. Non-cone mode is used because cone mode always keeps root-level
// files.
func (wm *WorktreeManager) configureSparseCheckout(worktreePath string) error {
	if _, err := wm.worktreeGitDir(worktreePath); err != nil {
		return err
	}

	for _, args := range [][]string{
		{"sparse-checkout", "set", "--no-cone", "/" + sparseCheckoutDir + "/"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = worktreePath
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
