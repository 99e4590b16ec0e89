// Package github provides client and data types for the GitHub REST API.
//
// This package covers the slice of the API the promoter needs: opening and
// merging pull requests, reading check runs and commit statuses for a commit,
// resolving branch tips, deleting branches, and exchanging a GitHub App
// identity for a short-lived installation token.
package github

import (
	"fmt"
	"net/http"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the maximum number of items to fetch per page.
	MaxPageSize = 100

	// MaxPages is the maximum number of pages to fetch before stopping.
	// This prevents infinite loops from malformed Link headers.
	MaxPages = 1000
)

// Check run and status values reported by GitHub.
const (
	CheckStatusCompleted   = "completed"
	CheckConclusionSuccess = "success"

	StatusStateSuccess = "success"
	StatusStatePending = "pending"
)

// Merge methods accepted by the merge endpoint.
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Token      string        // Bearer token (installation token or PAT)
	Owner      string        // Repository owner (user or org)
	Repo       string        // Repository name
	BaseURL    string        // API base URL (default: https://api.github.com)
	HTTPClient *http.Client  // Optional custom HTTP client
	RetryDelay time.Duration // Base delay for rate-limit backoff (default: RetryDelay)
}

// PullRequest represents a pull request from the GitHub API.
type PullRequest struct {
	ID      int        `json:"id"`
	Number  int        `json:"number"`
	State   string     `json:"state"` // "open" or "closed"
	Title   string     `json:"title"`
	Body    string     `json:"body"`
	HTMLURL string     `json:"html_url"`
	Head    BranchRef  `json:"head"`
	Base    BranchRef  `json:"base"`
	Merged  bool       `json:"merged"`
	Created *time.Time `json:"created_at,omitempty"`
}

// BranchRef is the head or base side of a pull request.
type BranchRef struct {
	Label string `json:"label"` // "owner:branch"
	Ref   string `json:"ref"`   // Branch name
	SHA   string `json:"sha"`   // Commit the branch points at
}

// CheckRun represents a check run reported against a commit.
type CheckRun struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`     // "queued", "in_progress", "completed", ...
	Conclusion  string     `json:"conclusion"` // set once Status is "completed"
	HTMLURL     string     `json:"html_url,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// checkRunsPage is the envelope of the check-runs endpoint.
type checkRunsPage struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}

// CommitStatus represents a legacy commit status.
type CommitStatus struct {
	ID          int64      `json:"id"`
	Context     string     `json:"context"`
	State       string     `json:"state"` // "error", "failure", "pending", "success"
	Description string     `json:"description,omitempty"`
	TargetURL   string     `json:"target_url,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// MergeResult is the response of the merge endpoint.
type MergeResult struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

// GitRef represents a git reference.
type GitRef struct {
	Ref    string    `json:"ref"`
	Object GitObject `json:"object"`
}

// GitObject is the object a GitRef points at.
type GitObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

// InstallationToken is a short-lived token for a GitHub App installation.
type InstallationToken struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s %s: %s (status %d)", e.Method, e.URL, e.Body, e.StatusCode)
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, code int) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.StatusCode == code
}
