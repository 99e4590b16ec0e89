package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/profianinc/promote/internal/gate"
	"github.com/profianinc/promote/internal/github"
	"github.com/profianinc/promote/internal/lockfile"
	"github.com/profianinc/promote/internal/promote"
	"github.com/profianinc/promote/internal/resolver"
)

// configError lists every problem config.Validate found.
type configError struct {
	problems []string
}

func (e *configError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.problems, "\n  - ")
}

// WarnError writes a warning message to stderr and returns.
// Use this for steps that do not affect the promotion result.
func WarnError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// reportFailure writes err to stderr, followed by a hint when one applies.
func reportFailure(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := hintFor(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
}

func hintFor(err error) string {
	var (
		invalid  *resolver.InvalidTriggerError
		failure  *gate.CheckFailure
		timeout  *gate.CheckTimeout
		mergeErr *promote.MergeFailure
		apiErr   *github.APIError
	)
	switch {
	case errors.Is(err, errNoCredentials):
		return "set GITHUB_TOKEN, or configure app.id with app.installation-id and app.private-key-file"
	case errors.Is(err, lockfile.ErrLockBusy):
		return "wait for the other promotion to finish; the lock is released when it exits"
	case errors.As(err, &invalid):
		return "pass a release tag such as refs/tags/v1.2.0, or an image digest for other refs"
	case errors.As(err, &failure):
		return "fix the failing check and re-run; the open pull request is reused"
	case errors.As(err, &timeout):
		return "raise checks.max-wait (--max-wait) or re-run once the checks finish"
	case errors.As(err, &mergeErr):
		return "resolve the pull request conflict and re-run"
	case errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden):
		return "check that the token can write contents and pull requests on the repository"
	}
	return ""
}
