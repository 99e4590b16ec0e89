package promote

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/profianinc/promote/internal/gate"
	"github.com/profianinc/promote/internal/github"
	"github.com/profianinc/promote/internal/manifest"
)

type files map[string]string

func (f files) clone() files {
	out := make(files, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// world fakes the working copy, the manifests in it, and the hosted
// repository with its pull requests. Manifest contents are reduced to the
// image value.
type world struct {
	mu sync.Mutex

	remoteMain     files
	remoteBranches map[string]files
	local          map[string]files
	worktree       files
	current        string

	prs      []*github.PullRequest
	merged   map[int]bool
	deleted  []string
	tips     int
	log      []string
	failStep map[string]error

	mergeResult *github.MergeResult
}

func newWorld(initial files) *world {
	return &world{
		remoteMain:     initial.clone(),
		remoteBranches: map[string]files{},
		local:          map[string]files{"main": initial.clone()},
		worktree:       initial.clone(),
		current:        "main",
		merged:         map[int]bool{},
		failStep:       map[string]error{},
	}
}

func (w *world) record(format string, args ...interface{}) error {
	entry := fmt.Sprintf(format, args...)
	w.log = append(w.log, entry)
	for prefix, err := range w.failStep {
		if len(entry) >= len(prefix) && entry[:len(prefix)] == prefix {
			return err
		}
	}
	return nil
}

// VCS

func (w *world) CreateBranch(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("branch %s", name); err != nil {
		return err
	}
	w.local[name] = w.local[w.current].clone()
	w.current = name
	return nil
}

func (w *world) Checkout(ctx context.Context, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("checkout %s", ref); err != nil {
		return err
	}
	branch, ok := w.local[ref]
	if !ok {
		return fmt.Errorf("pathspec %q did not match", ref)
	}
	w.current = ref
	w.worktree = branch.clone()
	return nil
}

func (w *world) Pull(ctx context.Context, remote string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("pull %s", remote); err != nil {
		return err
	}
	if w.current == "main" {
		w.local["main"] = w.remoteMain.clone()
		w.worktree = w.remoteMain.clone()
	}
	return nil
}

func (w *world) StageAndCommit(ctx context.Context, paths []string, message string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("commit %s", message); err != nil {
		return false, err
	}
	committed := w.local[w.current]
	changed := false
	for _, p := range paths {
		if w.worktree[p] != committed[p] {
			committed[p] = w.worktree[p]
			changed = true
		}
	}
	return changed, nil
}

func (w *world) Push(ctx context.Context, branch string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("push %s", branch); err != nil {
		return err
	}
	w.remoteBranches[branch] = w.local[branch].clone()
	return nil
}

// ManifestStore

func (w *world) RelPath(env, service string) string {
	return path.Join("apps", env, service, manifest.FileName)
}

func (w *world) Apply(p manifest.Patch) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("patch %s", p.Path); err != nil {
		return false, err
	}
	if w.worktree[p.Path] == p.Value {
		return false, nil
	}
	w.worktree[p.Path] = p.Value
	return true, nil
}

// ReviewSystem

func (w *world) openPR(head string) *github.PullRequest {
	for _, pr := range w.prs {
		if pr.Head.Ref == head && pr.State == "open" {
			return pr
		}
	}
	return nil
}

func (w *world) CreatePullRequest(ctx context.Context, head, base, title, body string) (*github.PullRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("create-pr %s", head); err != nil {
		return nil, err
	}
	if w.openPR(head) != nil {
		return nil, &github.APIError{Method: http.MethodPost, StatusCode: http.StatusUnprocessableEntity, Body: "A pull request already exists"}
	}
	n := len(w.prs) + 1
	pr := &github.PullRequest{
		Number:  n,
		State:   "open",
		Title:   title,
		Body:    body,
		HTMLURL: fmt.Sprintf("https://github.com/o/r/pull/%d", n),
		Head:    github.BranchRef{Ref: head, SHA: fmt.Sprintf("head-%d", n)},
		Base:    github.BranchRef{Ref: base},
	}
	w.prs = append(w.prs, pr)
	return pr, nil
}

func (w *world) FindOpenPullRequest(ctx context.Context, head string) (*github.PullRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("find-pr %s", head); err != nil {
		return nil, err
	}
	return w.openPR(head), nil
}

func (w *world) MergePullRequest(ctx context.Context, number int, method string) (*github.MergeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("merge #%d", number); err != nil {
		return nil, err
	}
	if w.mergeResult != nil {
		return w.mergeResult, nil
	}
	pr := w.prs[number-1]
	for p, v := range w.remoteBranches[pr.Head.Ref] {
		w.remoteMain[p] = v
	}
	pr.State = "closed"
	pr.Merged = true
	w.merged[number] = true
	return &github.MergeResult{SHA: fmt.Sprintf("merge-%d", number), Merged: true}, nil
}

func (w *world) DeleteBranch(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("delete %s", name); err != nil {
		return err
	}
	delete(w.remoteBranches, name)
	w.deleted = append(w.deleted, name)
	return nil
}

func (w *world) GetBranchTip(ctx context.Context, branch string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("tip %s", branch); err != nil {
		return "", err
	}
	w.tips++
	return fmt.Sprintf("%s-tip-%d", branch, w.tips), nil
}

// awaitCall is one recorded CheckWaiter call.
type awaitCall struct {
	Ref      string
	Required []string
	Deadline time.Time
}

// fakeChecks succeeds unless verdict returns something else for a ref.
type fakeChecks struct {
	calls   []awaitCall
	verdict func(ref string) (gate.Outcome, error)
}

func (f *fakeChecks) Await(ctx context.Context, ref string, required []string, deadline time.Time) (gate.Outcome, error) {
	f.calls = append(f.calls, awaitCall{Ref: ref, Required: required, Deadline: deadline})
	if f.verdict != nil {
		return f.verdict(ref)
	}
	return gate.OutcomeSuccess, nil
}
