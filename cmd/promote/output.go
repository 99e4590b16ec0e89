package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/profianinc/promote/internal/promote"
	"github.com/profianinc/promote/internal/ui"
)

// jsonReport is the --json document: the report plus the error, if any.
type jsonReport struct {
	*promote.Report
	Error string `json:"error,omitempty"`
}

func writeJSONReport(w io.Writer, report *promote.Report, runErr error) error {
	doc := jsonReport{Report: report}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

// renderReport prints one line per environment of the chain.
func renderReport(w io.Writer, report *promote.Report, runErr error) {
	if report == nil {
		return
	}

	title := "promote " + report.Request.Service
	res := report.Resolution
	if res != nil {
		title += " " + res.Version
	}
	fmt.Fprintln(w, ui.RenderCategory(title))
	if res != nil {
		fmt.Fprintln(w, ui.RenderMuted(res.ImageRef))
	}
	fmt.Fprintln(w, ui.RenderSeparator())

	seen := make(map[promote.Environment]bool, len(report.Stages))
	for _, st := range report.Stages {
		seen[st.Environment] = true
		fmt.Fprintln(w, ui.RenderLine(outcomeStatus(st.Outcome), envLabel(st.Environment), stageDetail(st, runErr)))
		if st.URL != "" {
			fmt.Fprintln(w, ui.RenderDetail(st.URL))
		}
	}
	for _, env := range report.Chain {
		if !seen[env] {
			fmt.Fprintln(w, ui.RenderLine(ui.StatusSkip, envLabel(env), "not reached"))
		}
	}
}

func envLabel(env promote.Environment) string {
	return fmt.Sprintf("%-10s", env)
}

func outcomeStatus(o promote.Outcome) ui.Status {
	switch o {
	case promote.OutcomePromoted:
		return ui.StatusPass
	case promote.OutcomeNoChange:
		return ui.StatusSkip
	case promote.OutcomeAwaitingMerge:
		return ui.StatusWarn
	default:
		return ui.StatusFail
	}
}

const maxDetailLen = 100

func stageDetail(st *promote.StageResult, runErr error) string {
	switch st.Outcome {
	case promote.OutcomeNoChange:
		return "already up to date"
	case promote.OutcomePromoted:
		detail := "promoted"
		if st.PullRequest > 0 {
			detail += fmt.Sprintf(" via #%d", st.PullRequest)
		}
		return detail + " in " + st.Duration.Round(time.Second).String()
	case promote.OutcomeAwaitingMerge:
		return fmt.Sprintf("#%d awaits manual merge", st.PullRequest)
	}

	var stageErr *promote.StageError
	if errors.As(runErr, &stageErr) && stageErr.Environment == st.Environment {
		cause := "unknown error"
		if stageErr.Err != nil {
			cause = ui.FirstLine(stageErr.Err.Error())
		}
		return ui.TruncateSimple(fmt.Sprintf("failed at %s: %s", stageErr.Step, cause), maxDetailLen)
	}
	return "failed"
}
