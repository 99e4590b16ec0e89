package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/profianinc/promote/internal/debug"
)

// NewClient creates a new GitHub client.
func NewClient(token, owner, repo string) *Client {
	return &Client{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		RetryDelay: RetryDelay,
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	clone := *c
	clone.HTTPClient = httpClient
	return &clone
}

// WithBaseURL returns a new client with a custom base URL (for testing or GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.BaseURL = baseURL
	return &clone
}

// repoPath returns the "owner/repo" path segment.
func (c *Client) repoPath() string {
	return c.Owner + "/" + c.Repo
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path

	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}

	return u
}

// rateLimitBackOff lets a Retry-After header override the next exponential delay.
type rateLimitBackOff struct {
	backoff.BackOff
	retryAfter time.Duration
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.retryAfter > 0 {
		next = b.retryAfter
		b.retryAfter = 0
	}
	return next
}

func (c *Client) newRetryBackOff() *rateLimitBackOff {
	// BackOff implementations are stateful; always build a fresh one per request.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.RetryDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = RetryDelay
	}
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	return &rateLimitBackOff{BackOff: backoff.WithMaxRetries(bo, MaxRetries)}
}

// isRateLimited reports whether GitHub rejected the request for quota reasons
// (403 with X-RateLimit-Remaining: 0, or 429).
func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

// doRequest performs an HTTP request with authentication and retry logic.
// Transport failures and rate limiting are retried; any other non-2xx
// response is returned as an *APIError without retrying.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body interface{}) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = jsonBody
	}

	var (
		respBody []byte
		headers  http.Header
		attempt  int
	)
	bo := c.newRetryBackOff()

	op := func() error {
		attempt++
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		debug.Logf("github: %s %s (attempt %d)\n", method, urlStr, attempt)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed (attempt %d/%d): %w", attempt, MaxRetries+1, err)
		}

		const maxResponseSize = 50 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response (attempt %d/%d): %w", attempt, MaxRetries+1, err)
		}

		if isRateLimited(resp) {
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					bo.retryAfter = time.Duration(seconds) * time.Second
				}
			}
			return fmt.Errorf("rate limited (attempt %d/%d)", attempt, MaxRetries+1)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&APIError{
				Method:     method,
				URL:        urlStr,
				StatusCode: resp.StatusCode,
				Body:       string(data),
			})
		}

		respBody = data
		headers = resp.Header
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("max retries (%d) exceeded: %w", MaxRetries+1, err)
	}
	return respBody, headers, nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// CreatePullRequest opens a pull request from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	reqBody := map[string]interface{}{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}

	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPost, urlStr, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request %s -> %s: %w", head, base, err)
	}

	var pr PullRequest
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse pull request response: %w", err)
	}

	return &pr, nil
}

// FindOpenPullRequest returns the open pull request whose head is the given
// branch of this repository, or nil if there is none.
func (c *Client) FindOpenPullRequest(ctx context.Context, head string) (*PullRequest, error) {
	params := map[string]string{
		"head":  c.Owner + ":" + head,
		"state": "open",
	}
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls", params)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s: %w", head, err)
	}

	var prs []PullRequest
	if err := json.Unmarshal(respBody, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse pull requests response: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// ListCheckRuns retrieves the latest check run per name for a commit ref.
func (c *Client) ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error) {
	var all []CheckRun
	page := 1

	for {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}

		params := map[string]string{
			"per_page": strconv.Itoa(MaxPageSize),
			"page":     strconv.Itoa(page),
			"filter":   "latest",
		}
		urlStr := c.buildURL("/repos/"+c.repoPath()+"/commits/"+url.PathEscape(ref)+"/check-runs", params)
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch check runs for %s: %w", ref, err)
		}

		var resp checkRunsPage
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse check runs response: %w", err)
		}
		all = append(all, resp.CheckRuns...)

		if _, ok := hasNextPage(headers); !ok {
			break
		}
		page++

		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
	}

	return all, nil
}

// ListStatuses retrieves the commit statuses for a ref, newest first.
// GitHub returns every status ever posted, so one context may appear more
// than once.
func (c *Client) ListStatuses(ctx context.Context, ref string) ([]CommitStatus, error) {
	var all []CommitStatus
	page := 1

	for {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}

		params := map[string]string{
			"per_page": strconv.Itoa(MaxPageSize),
			"page":     strconv.Itoa(page),
		}
		urlStr := c.buildURL("/repos/"+c.repoPath()+"/commits/"+url.PathEscape(ref)+"/statuses", params)
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch statuses for %s: %w", ref, err)
		}

		var statuses []CommitStatus
		if err := json.Unmarshal(respBody, &statuses); err != nil {
			return nil, fmt.Errorf("failed to parse statuses response: %w", err)
		}
		all = append(all, statuses...)

		if _, ok := hasNextPage(headers); !ok {
			break
		}
		page++

		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
	}

	return all, nil
}

// MergePullRequest merges a pull request with the given method
// ("merge", "squash" or "rebase"; empty means "merge").
func (c *Client) MergePullRequest(ctx context.Context, number int, method string) (*MergeResult, error) {
	if method == "" {
		method = MergeMethodMerge
	}
	reqBody := map[string]interface{}{
		"merge_method": method,
	}

	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls/"+strconv.Itoa(number)+"/merge", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPut, urlStr, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to merge pull request #%d: %w", number, err)
	}

	var result MergeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse merge response: %w", err)
	}

	return &result, nil
}

// DeleteBranch deletes refs/heads/<name>.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/git/refs/heads/"+name, nil)
	if _, _, err := c.doRequest(ctx, http.MethodDelete, urlStr, nil); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// GetBranchTip returns the commit SHA that refs/heads/<branch> points at.
func (c *Client) GetBranchTip(ctx context.Context, branch string) (string, error) {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/git/ref/heads/"+branch, nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch branch %s: %w", branch, err)
	}

	var ref GitRef
	if err := json.Unmarshal(respBody, &ref); err != nil {
		return "", fmt.Errorf("failed to parse ref response: %w", err)
	}
	if ref.Object.SHA == "" {
		return "", fmt.Errorf("branch %s has no commit", branch)
	}

	return ref.Object.SHA, nil
}
