package git

import (
	"os/exec"

	"github.com/eluentwork/eluent/internal/errs"
)

// ValidateBranchName runs `git check-ref-format` against
// refs/heads/<name>, returning *errs.BranchInvalidError if git rejects it.
func ValidateBranchName(name string) error {
	cmd := exec.Command("git", "check-ref-format", "--branch", name)
	if err := cmd.Run(); err != nil {
		return &errs.BranchInvalidError{Name: name}
	}
	return nil
}
