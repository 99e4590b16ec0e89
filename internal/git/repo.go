// Package git drives the git CLI for the manifest repository.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/profianinc/promote/internal/debug"
)

// DefaultRemote is used when Repo.Remote is empty.
const DefaultRemote = "origin"

// CommandError is returned when a git invocation exits non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Repo is a checked-out repository.
type Repo struct {
	Dir    string
	Remote string
	Env    []string // extra KEY=VALUE pairs, e.g. commit identity
}

// Open returns a Repo rooted at the top level of the work tree containing dir.
func Open(ctx context.Context, dir, remote string) (*Repo, error) {
	root, err := FindRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &Repo{Dir: root, Remote: remote}, nil
}

func (r *Repo) remote() string {
	if r.Remote != "" {
		return r.Remote
	}
	return DefaultRemote
}

// run executes git and returns trimmed stdout.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	debug.Logf("git: %s\n", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		cerr := &CommandError{Args: args, ExitCode: -1, Output: stderr.String() + stdout.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		return "", cerr
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := r.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("HEAD is detached or unreadable: %w", err)
	}
	return branch, nil
}

// CreateBranch creates name at HEAD and checks it out, resetting it if it
// already exists from an earlier run.
func (r *Repo) CreateBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "checkout", "-B", name)
	return err
}

// Checkout switches to ref. Local modifications make this fail.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// Pull fast-forwards the current branch from remote.
func (r *Repo) Pull(ctx context.Context, remote string) error {
	if remote == "" {
		remote = r.remote()
	}
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	_, err = r.run(ctx, "pull", "--ff-only", remote, branch)
	return err
}

// StageAndCommit stages paths and commits them with message. It reports
// false, and commits nothing, when staging produced no difference.
func (r *Repo) StageAndCommit(ctx context.Context, paths []string, message string) (bool, error) {
	if len(paths) == 0 {
		return false, fmt.Errorf("no paths to stage")
	}
	if _, err := r.run(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return false, err
	}

	_, err := r.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.ExitCode != 1 {
		return false, err
	}

	if _, err := r.run(ctx, "commit", "--quiet", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push force-pushes branch to the remote and sets its upstream. The branch
// belongs to this tool, so a rerun may overwrite it.
func (r *Repo) Push(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "push", "--force", "--set-upstream", r.remote(), branch)
	return err
}

// CurrentCommit returns the full SHA of HEAD.
func (r *Repo) CurrentCommit(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// RemoteURL returns the fetch URL of the configured remote.
func (r *Repo) RemoteURL(ctx context.Context) (string, error) {
	return r.run(ctx, "remote", "get-url", r.remote())
}
