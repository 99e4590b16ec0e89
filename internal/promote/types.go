// Package promote moves a resolved image through the environment chain.
//
// A Stage performs one hop: patch the environment's manifest, commit, open a
// pull request, wait on its checks and, outside production, merge and wait
// on the deploy checks of the main branch. The Pipeline runs stages in
// chain order and stops at the first failure.
package promote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/profianinc/promote/internal/gate"
	"github.com/profianinc/promote/internal/github"
	"github.com/profianinc/promote/internal/manifest"
	"github.com/profianinc/promote/internal/resolver"
)

// Environment is one hop of the chain.
type Environment = resolver.Environment

const (
	Testing    = resolver.Testing
	Staging    = resolver.Staging
	Production = resolver.Production
)

// Outcome is how a stage ended.
type Outcome int

const (
	// OutcomeAborted marks a stage that returned an error.
	OutcomeAborted Outcome = iota
	// OutcomeNoChange means the environment already ran the image.
	OutcomeNoChange
	// OutcomePromoted means the change was merged and deployed cleanly.
	OutcomePromoted
	// OutcomeAwaitingMerge means a checked pull request was left open for
	// a human to merge. Production always ends here.
	OutcomeAwaitingMerge
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no-change"
	case OutcomePromoted:
		return "promoted"
	case OutcomeAwaitingMerge:
		return "awaiting-merge"
	default:
		return "aborted"
	}
}

// MarshalText makes outcomes readable in JSON reports.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Step names a point of the per-environment state machine.
type Step string

const (
	StepReset        Step = "reset"
	StepBranch       Step = "branch"
	StepPatch        Step = "patch"
	StepCommit       Step = "commit"
	StepPush         Step = "push"
	StepPullRequest  Step = "pull-request"
	StepPRChecks     Step = "pr-checks"
	StepMerge        Step = "merge"
	StepDeleteBranch Step = "delete-branch"
	StepDeployChecks Step = "deploy-checks"
)

// Request is what triggered a promotion.
type Request struct {
	Service     string `json:"service"`
	SourceRef   string `json:"source_ref"`
	ImageDigest string `json:"image_digest,omitempty"`
}

// StageResult describes one finished stage.
type StageResult struct {
	Environment Environment   `json:"environment"`
	Outcome     Outcome       `json:"outcome"`
	Branch      string        `json:"branch"`
	PullRequest int           `json:"pull_request,omitempty"`
	URL         string        `json:"url,omitempty"`
	MergeSHA    string        `json:"merge_sha,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Report is the result of a pipeline run. On failure it holds the stages
// that finished before the failing one.
type Report struct {
	Request    Request              `json:"request"`
	Resolution *resolver.Resolution `json:"resolution,omitempty"`
	Chain      []Environment        `json:"chain,omitempty"`
	Stages     []*StageResult       `json:"stages"`
}

// VCS is the local working copy of the manifest repository.
type VCS interface {
	CreateBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, ref string) error
	Pull(ctx context.Context, remote string) error
	StageAndCommit(ctx context.Context, paths []string, message string) (bool, error)
	Push(ctx context.Context, branch string) error
}

// ReviewSystem is the hosted side of the repository.
type ReviewSystem interface {
	CreatePullRequest(ctx context.Context, head, base, title, body string) (*github.PullRequest, error)
	FindOpenPullRequest(ctx context.Context, head string) (*github.PullRequest, error)
	MergePullRequest(ctx context.Context, number int, method string) (*github.MergeResult, error)
	DeleteBranch(ctx context.Context, name string) error
	GetBranchTip(ctx context.Context, branch string) (string, error)
}

// CheckWaiter blocks until a commit's checks reach a verdict.
type CheckWaiter interface {
	Await(ctx context.Context, ref string, required []string, deadline time.Time) (gate.Outcome, error)
}

// ManifestStore locates and patches per-environment manifests.
type ManifestStore interface {
	RelPath(env, service string) string
	Apply(p manifest.Patch) (bool, error)
}

// StageRunner runs one environment's stage.
type StageRunner interface {
	Run(ctx context.Context, env Environment, service, version, image string) (*StageResult, error)
}

// BranchName returns the promotion branch for service@version in env. Digest
// versions contain ':' and '@', which are not allowed in ref names.
func BranchName(service, version string, env Environment) string {
	name := fmt.Sprintf("upgrade-%s-%s-%s", service, version, env)
	return strings.NewReplacer(":", "-", "@", "-").Replace(name)
}

// CommitMessage is used as commit subject, pull request title and body.
func CommitMessage(service, version string, env Environment) string {
	return fmt.Sprintf("Upgrade %s to %s in %s", service, version, env)
}
