package promote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/profianinc/promote/internal/gate"
	"github.com/profianinc/promote/internal/github"
	"github.com/profianinc/promote/internal/manifest"
	"github.com/profianinc/promote/internal/telemetry"
)

const scopeName = "github.com/profianinc/promote/promote"

// Defaults for StageConfig fields left empty.
const (
	DefaultMainBranch = "main"
	DefaultMaxWait    = 10 * time.Minute
)

// StageConfig holds the per-repository settings shared by every stage.
type StageConfig struct {
	MainBranch   string
	PRChecks     []string // required on the pull request head
	DeployChecks []string // required on the main branch after merging
	MaxWait      time.Duration
	MergeMethod  string
}

// Stage promotes an image into one environment.
type Stage struct {
	VCS       VCS
	Review    ReviewSystem
	Checks    CheckWaiter
	Manifests ManifestStore
	Config    StageConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

func (s *Stage) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Stage) mainBranch() string {
	if s.Config.MainBranch != "" {
		return s.Config.MainBranch
	}
	return DefaultMainBranch
}

func (s *Stage) deadline() time.Time {
	wait := s.Config.MaxWait
	if wait <= 0 {
		wait = DefaultMaxWait
	}
	return s.now().Add(wait)
}

func (s *Stage) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run promotes image (service at version) into env. The working copy must
// be on a clean, current start branch.
func (s *Stage) Run(ctx context.Context, env Environment, service, version, image string) (res *StageResult, err error) {
	start := s.now()
	branch := BranchName(service, version, env)
	res = &StageResult{Environment: env, Outcome: OutcomeAborted, Branch: branch}

	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "promote.stage", trace.WithAttributes(
		attribute.String("promote.environment", env.String()),
		attribute.String("promote.service", service),
		attribute.String("promote.version", version),
	))
	defer func() {
		res.Duration = s.now().Sub(start)
		span.SetAttributes(attribute.String("promote.outcome", res.Outcome.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordOutcome(ctx, env, res.Outcome)
	}()

	log := s.logger().With("environment", env.String(), "service", service, "version", version)
	fail := func(step Step, err error) (*StageResult, error) {
		return res, &StageError{Environment: env, Step: step, Err: err}
	}
	step := func(st Step) {
		span.AddEvent(string(st))
		log.Debug("stage step", "step", st)
	}

	step(StepBranch)
	if err := s.VCS.CreateBranch(ctx, branch); err != nil {
		return fail(StepBranch, transport("create branch "+branch, err))
	}

	step(StepPatch)
	path := s.Manifests.RelPath(env.String(), service)
	if _, err := s.Manifests.Apply(manifest.ImagePatch(path, image)); err != nil {
		return fail(StepPatch, err)
	}

	step(StepCommit)
	message := CommitMessage(service, version, env)
	changed, err := s.VCS.StageAndCommit(ctx, []string{path}, message)
	if err != nil {
		return fail(StepCommit, transport("commit", err))
	}
	if !changed {
		log.Info("already up to date")
		res.Outcome = OutcomeNoChange
		return res, nil
	}

	step(StepPush)
	if err := s.VCS.Push(ctx, branch); err != nil {
		return fail(StepPush, transport("push "+branch, err))
	}

	step(StepPullRequest)
	pr, err := s.openPullRequest(ctx, branch, message, log)
	if err != nil {
		return fail(StepPullRequest, err)
	}
	res.PullRequest = pr.Number
	res.URL = pr.HTMLURL
	log = log.With("pull_request", pr.Number)
	log.Info("pull request open", "url", pr.HTMLURL)

	step(StepPRChecks)
	head := pr.Head.SHA
	if head == "" {
		if head, err = s.Review.GetBranchTip(ctx, branch); err != nil {
			return fail(StepPRChecks, transport("resolve head of "+branch, err))
		}
	}
	if err := s.await(ctx, head, s.Config.PRChecks); err != nil {
		return fail(StepPRChecks, err)
	}

	if env.IsProduction() {
		log.Info("checks passed; leaving pull request for manual merge")
		res.Outcome = OutcomeAwaitingMerge
		return res, nil
	}

	step(StepMerge)
	sha, err := s.merge(ctx, pr.Number)
	if err != nil {
		return fail(StepMerge, err)
	}
	res.MergeSHA = sha
	log.Info("merged", "sha", sha)

	step(StepDeleteBranch)
	if err := s.Review.DeleteBranch(ctx, branch); err != nil {
		// Repositories that delete head branches on merge answer 422/404.
		if !github.IsStatus(err, http.StatusUnprocessableEntity) && !github.IsStatus(err, http.StatusNotFound) {
			return fail(StepDeleteBranch, transport("delete branch "+branch, err))
		}
		log.Debug("branch already deleted", "branch", branch)
	}

	step(StepDeployChecks)
	tip, err := s.Review.GetBranchTip(ctx, s.mainBranch())
	if err != nil {
		return fail(StepDeployChecks, transport("resolve "+s.mainBranch(), err))
	}
	if err := s.await(ctx, tip, s.Config.DeployChecks); err != nil {
		return fail(StepDeployChecks, err)
	}

	log.Info("promoted")
	res.Outcome = OutcomePromoted
	return res, nil
}

// openPullRequest opens a pull request for branch, or reuses the open one
// left behind by an earlier run.
func (s *Stage) openPullRequest(ctx context.Context, branch, message string, log *slog.Logger) (*github.PullRequest, error) {
	pr, err := s.Review.CreatePullRequest(ctx, branch, s.mainBranch(), message, message)
	if err == nil {
		return pr, nil
	}
	if !github.IsStatus(err, http.StatusUnprocessableEntity) {
		return nil, transport("create pull request", err)
	}

	existing, findErr := s.Review.FindOpenPullRequest(ctx, branch)
	if findErr != nil {
		return nil, transport("find pull request", findErr)
	}
	if existing == nil {
		return nil, transport("create pull request", err)
	}
	log.Warn("reusing open pull request", "number", existing.Number)
	return existing, nil
}

// await turns a non-success gate outcome into an error. CheckFailure and
// CheckTimeout pass through unchanged; anything else is a transport error.
func (s *Stage) await(ctx context.Context, ref string, required []string) error {
	outcome, err := s.Checks.Await(ctx, ref, required, s.deadline())
	switch outcome {
	case gate.OutcomeSuccess:
		return nil
	case gate.OutcomeFailure, gate.OutcomeTimeout:
		return err
	default:
		if err == nil {
			err = fmt.Errorf("no verdict")
		}
		return transport("await checks on "+ref, err)
	}
}

func (s *Stage) merge(ctx context.Context, number int) (string, error) {
	result, err := s.Review.MergePullRequest(ctx, number, s.Config.MergeMethod)
	if err != nil {
		if github.IsStatus(err, http.StatusMethodNotAllowed) || github.IsStatus(err, http.StatusConflict) {
			return "", &MergeFailure{Number: number, Message: err.Error()}
		}
		return "", transport("merge", err)
	}
	if !result.Merged {
		return "", &MergeFailure{Number: number, Message: result.Message}
	}
	return result.SHA, nil
}

func recordOutcome(ctx context.Context, env Environment, outcome Outcome) {
	c, err := telemetry.Meter(scopeName).Int64Counter("promote.stage.outcomes",
		metric.WithDescription("Finished stages by environment and outcome"),
	)
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", env.String()),
		attribute.String("outcome", outcome.String()),
	))
}
