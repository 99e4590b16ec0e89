package promote

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profianinc/promote/internal/gate"
	"github.com/profianinc/promote/internal/github"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStage(w *world, checks *fakeChecks) *Stage {
	return &Stage{
		VCS:       w,
		Review:    w,
		Checks:    checks,
		Manifests: w,
		Config: StageConfig{
			MainBranch:   "main",
			PRChecks:     []string{"build"},
			DeployChecks: []string{"argocd/testing"},
			MaxWait:      5 * time.Minute,
		},
		Now: func() time.Time { return testNow },
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		service, version string
		env              Environment
		want             string
	}{
		{"steward", "v1.2.0", Production, "upgrade-steward-v1.2.0-production"},
		{"foo", "digest:sha256:deadbeef", Testing, "upgrade-foo-digest-sha256-deadbeef-testing"},
		{"foo", "sha256:deadbeef", Testing, "upgrade-foo-sha256-deadbeef-testing"},
		{"foo", "v1@x", Staging, "upgrade-foo-v1-x-staging"},
	}
	for _, tt := range tests {
		got := BranchName(tt.service, tt.version, tt.env)
		assert.Equal(t, tt.want, got)
		assert.NotContains(t, got, ":")
		assert.NotContains(t, got, "@")
	}
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "Upgrade steward to v1.2.0 in staging", CommitMessage("steward", "v1.2.0", Staging))
}

func TestStage_PromotesNonProduction(t *testing.T) {
	w := newWorld(files{})
	checks := &fakeChecks{}
	stage := newTestStage(w, checks)

	res, err := stage.Run(context.Background(), Testing, "steward", "v1.0.0", "ghcr.io/profianinc/steward:v1.0.0")
	require.NoError(t, err)

	assert.Equal(t, OutcomePromoted, res.Outcome)
	assert.Equal(t, "upgrade-steward-v1.0.0-testing", res.Branch)
	assert.Equal(t, 1, res.PullRequest)
	assert.Equal(t, "merge-1", res.MergeSHA)
	assert.Equal(t, "ghcr.io/profianinc/steward:v1.0.0", w.remoteMain["apps/testing/steward/patch-deployment.yaml"])
	assert.Equal(t, []string{"upgrade-steward-v1.0.0-testing"}, w.deleted)

	require.Len(t, checks.calls, 2)
	assert.Equal(t, awaitCall{Ref: "head-1", Required: []string{"build"}, Deadline: testNow.Add(5 * time.Minute)}, checks.calls[0])
	assert.Equal(t, "main-tip-1", checks.calls[1].Ref)
	assert.Equal(t, []string{"argocd/testing"}, checks.calls[1].Required)

	assert.Equal(t, []string{
		"branch upgrade-steward-v1.0.0-testing",
		"patch apps/testing/steward/patch-deployment.yaml",
		"commit Upgrade steward to v1.0.0 in testing",
		"push upgrade-steward-v1.0.0-testing",
		"create-pr upgrade-steward-v1.0.0-testing",
		"merge #1",
		"delete upgrade-steward-v1.0.0-testing",
		"tip main",
	}, w.log)
}

func TestStage_ProductionStopsAtOpenPullRequest(t *testing.T) {
	w := newWorld(files{})
	checks := &fakeChecks{}
	stage := newTestStage(w, checks)

	res, err := stage.Run(context.Background(), Production, "steward", "v1.0.0", "img:v1.0.0")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAwaitingMerge, res.Outcome)
	assert.Equal(t, "https://github.com/o/r/pull/1", res.URL)
	assert.Empty(t, w.merged)
	assert.Empty(t, w.deleted)
	assert.Equal(t, "open", w.prs[0].State)
	assert.Len(t, checks.calls, 1, "pull request checks only")
	assert.Empty(t, w.remoteMain)
}

func TestStage_NoChange(t *testing.T) {
	w := newWorld(files{"apps/staging/steward/patch-deployment.yaml": "img:v1"})
	checks := &fakeChecks{}

	res, err := newTestStage(w, checks).Run(context.Background(), Staging, "steward", "v1", "img:v1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, res.Outcome)
	assert.Empty(t, w.prs)
	assert.Empty(t, checks.calls)
	assert.NotContains(t, w.log, "push upgrade-steward-v1-staging")
}

func TestStage_ReusesOpenPullRequest(t *testing.T) {
	w := newWorld(files{})
	stage := newTestStage(w, &fakeChecks{})

	_, err := stage.Run(context.Background(), Production, "steward", "v1", "img:v1")
	require.NoError(t, err)

	// Back to main, as the pipeline would do, and run again.
	require.NoError(t, w.Checkout(context.Background(), "main"))
	res, err := stage.Run(context.Background(), Production, "steward", "v1", "img:v1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAwaitingMerge, res.Outcome)
	assert.Equal(t, 1, res.PullRequest)
	assert.Len(t, w.prs, 1, "no second pull request")
	assert.Contains(t, w.log, "find-pr upgrade-steward-v1-production")
}

func TestStage_CheckFailure(t *testing.T) {
	w := newWorld(files{})
	checks := &fakeChecks{verdict: func(ref string) (gate.Outcome, error) {
		return gate.OutcomeFailure, &gate.CheckFailure{Ref: ref, Verdict: gate.Verdict{Name: "build", Source: gate.SourceCheckRun, State: gate.Failed, Detail: "failure"}}
	}}

	res, err := newTestStage(w, checks).Run(context.Background(), Staging, "steward", "v1", "img:v1")
	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, Staging, stageErr.Environment)
	assert.Equal(t, StepPRChecks, stageErr.Step)

	var failure *gate.CheckFailure
	assert.True(t, errors.As(err, &failure))
	assert.Empty(t, w.merged)
}

func TestStage_DeployCheckTimeout(t *testing.T) {
	w := newWorld(files{})
	checks := &fakeChecks{verdict: func(ref string) (gate.Outcome, error) {
		if ref == "head-1" {
			return gate.OutcomeSuccess, nil
		}
		return gate.OutcomeTimeout, &gate.CheckTimeout{Ref: ref, Deadline: testNow, Pending: []string{"argocd/testing"}}
	}}

	_, err := newTestStage(w, checks).Run(context.Background(), Testing, "steward", "v1", "img:v1")

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StepDeployChecks, stageErr.Step)
	var timeout *gate.CheckTimeout
	assert.True(t, errors.As(err, &timeout))
	var failure *gate.CheckFailure
	assert.False(t, errors.As(err, &failure), "timeouts are distinguishable from failures")
	assert.Contains(t, err.Error(), "testing: deploy-checks")
}

func TestStage_AwaitTransportError(t *testing.T) {
	w := newWorld(files{})
	boom := errors.New("connection refused")
	checks := &fakeChecks{verdict: func(string) (gate.Outcome, error) { return gate.OutcomeUnknown, boom }}

	_, err := newTestStage(w, checks).Run(context.Background(), Testing, "steward", "v1", "img:v1")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, boom)
}

func TestStage_MergeNotMerged(t *testing.T) {
	w := newWorld(files{})
	w.mergeResult = &github.MergeResult{Merged: false, Message: "Head branch was modified"}

	_, err := newTestStage(w, &fakeChecks{}).Run(context.Background(), Testing, "steward", "v1", "img:v1")

	var mf *MergeFailure
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, 1, mf.Number)
	assert.Contains(t, mf.Error(), "Head branch was modified")
	assert.Empty(t, w.deleted, "branch left for inspection")
}

func TestStage_MergeRejected(t *testing.T) {
	w := newWorld(files{})
	w.failStep["merge"] = &github.APIError{StatusCode: http.StatusMethodNotAllowed, Body: "Pull Request is not mergeable"}

	_, err := newTestStage(w, &fakeChecks{}).Run(context.Background(), Staging, "steward", "v1", "img:v1")

	var mf *MergeFailure
	require.True(t, errors.As(err, &mf))
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StepMerge, stageErr.Step)
}

func TestStage_BranchAlreadyDeletedOnMerge(t *testing.T) {
	for _, code := range []int{http.StatusUnprocessableEntity, http.StatusNotFound} {
		w := newWorld(files{})
		w.failStep["delete"] = &github.APIError{Method: http.MethodDelete, StatusCode: code, Body: "Reference does not exist"}
		checks := &fakeChecks{}

		res, err := newTestStage(w, checks).Run(context.Background(), Testing, "steward", "v1", "img:v1")
		require.NoError(t, err, "status %d", code)
		assert.Equal(t, OutcomePromoted, res.Outcome)
		assert.Len(t, checks.calls, 2, "deploy checks still awaited")
	}
}

func TestStage_TransportFailures(t *testing.T) {
	tests := []struct {
		failOn string
		step   Step
	}{
		{"branch", StepBranch},
		{"commit", StepCommit},
		{"push", StepPush},
		{"create-pr", StepPullRequest},
		{"delete", StepDeleteBranch},
		{"tip", StepDeployChecks},
	}
	for _, tt := range tests {
		t.Run(tt.failOn, func(t *testing.T) {
			w := newWorld(files{})
			w.failStep[tt.failOn] = errors.New("boom")

			_, err := newTestStage(w, &fakeChecks{}).Run(context.Background(), Testing, "steward", "v1", "img:v1")

			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr), "error = %v", err)
			assert.Equal(t, tt.step, stageErr.Step)
			var te *TransportError
			assert.True(t, errors.As(err, &te))
		})
	}
}

func TestStage_PatchFailure(t *testing.T) {
	w := newWorld(files{})
	w.failStep["patch"] = errors.New("parse manifest: top level is not a mapping")

	_, err := newTestStage(w, &fakeChecks{}).Run(context.Background(), Testing, "steward", "v1", "img:v1")
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StepPatch, stageErr.Step)
}
