package gate

import (
	"github.com/profianinc/promote/internal/github"
)

// FromCheckRun maps a check run. Only a completed run with conclusion
// "success" succeeds; any other completed run fails.
func FromCheckRun(run github.CheckRun) Verdict {
	v := Verdict{Name: run.Name, Source: SourceCheckRun, Detail: run.Status}
	if run.Status != github.CheckStatusCompleted {
		return v
	}
	v.Detail = run.Conclusion
	if run.Conclusion == github.CheckConclusionSuccess {
		v.State = Succeeded
	} else {
		v.State = Failed
	}
	return v
}

// FromStatus maps a legacy commit status. "error" and "failure" both fail.
func FromStatus(status github.CommitStatus) Verdict {
	v := Verdict{Name: status.Context, Source: SourceStatus, Detail: status.State}
	switch status.State {
	case github.StatusStateSuccess:
		v.State = Succeeded
	case github.StatusStatePending:
		v.State = Pending
	default:
		v.State = Failed
	}
	return v
}

// Collect maps both feeds into verdicts, check runs first. Statuses arrive
// newest first with the full history of every context, so only the first
// status seen per context is kept.
func Collect(runs []github.CheckRun, statuses []github.CommitStatus) []Verdict {
	verdicts := make([]Verdict, 0, len(runs)+len(statuses))
	for _, run := range runs {
		verdicts = append(verdicts, FromCheckRun(run))
	}
	seen := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		if seen[status.Context] {
			continue
		}
		seen[status.Context] = true
		verdicts = append(verdicts, FromStatus(status))
	}
	return verdicts
}
