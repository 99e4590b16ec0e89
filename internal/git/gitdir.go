package git

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// FindRoot returns the top-level directory of the work tree containing dir.
func FindRoot(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s: %w", dir, err)
	}
	return filepath.Clean(strings.TrimSpace(string(output))), nil
}

// GetGitDir returns the .git directory for the repository containing dir.
// In a worktree .git is a file pointing elsewhere, so ask git rather than
// joining ".git" onto the root.
func GetGitDir(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--absolute-git-dir")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s: %w", dir, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// IsWorktree reports whether dir is inside a linked worktree. This is
// determined by comparing --git-dir and --git-common-dir.
func IsWorktree(ctx context.Context, dir string) bool {
	gitDir := revParseNoError(ctx, dir, "--git-dir")
	commonDir := revParseNoError(ctx, dir, "--git-common-dir")
	if gitDir == "" || commonDir == "" {
		return false
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(dir, gitDir)
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(dir, commonDir)
	}
	return filepath.Clean(gitDir) != filepath.Clean(commonDir)
}

func revParseNoError(ctx context.Context, dir, flag string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", flag)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
