// Package gate decides whether a commit has passed CI.
//
// An Aggregator polls the two feeds GitHub reports validations through,
// check runs and legacy commit statuses, and folds both into Verdicts. It
// keeps polling until every observed verdict has succeeded and every
// required name has been seen succeeding, a single verdict fails, or the
// deadline passes.
package gate

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Outcome is the terminal answer of one Await call.
type Outcome int

const (
	// OutcomeUnknown is returned alongside transport and cancellation errors.
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Source names the feed a verdict came from.
type Source string

const (
	SourceCheckRun Source = "check-run"
	SourceStatus   Source = "status"
)

// VerdictState is the state of a single named validation.
type VerdictState int

const (
	Pending VerdictState = iota
	Succeeded
	Failed
)

func (s VerdictState) String() string {
	switch s {
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	default:
		return "pending"
	}
}

// Verdict is a named validation's state, whichever feed reported it.
type Verdict struct {
	Name   string       `json:"name"`
	Source Source       `json:"source"`
	State  VerdictState `json:"state"`
	Detail string       `json:"detail,omitempty"` // raw status/conclusion as reported
}

// State is the bookkeeping of one Await call.
type State struct {
	RequiredPending map[string]struct{}
	AnyPending      bool
	Deadline        time.Time
	PollInterval    time.Duration
}

// NewState seeds RequiredPending with the required names. Blank names are
// ignored.
func NewState(required []string, deadline time.Time, interval time.Duration) *State {
	s := &State{
		RequiredPending: make(map[string]struct{}, len(required)),
		Deadline:        deadline,
		PollInterval:    interval,
	}
	for _, name := range required {
		if name = strings.TrimSpace(name); name != "" {
			s.RequiredPending[name] = struct{}{}
		}
	}
	return s
}

// Observe folds one poll cycle into the state and returns the first failed
// verdict, if any. AnyPending is recomputed from scratch each cycle;
// RequiredPending only ever shrinks, and only a succeeding check run clears a
// required name. noRuns marks a cycle where the check-run feed was empty,
// which counts as pending.
func (s *State) Observe(verdicts []Verdict, noRuns bool) *Verdict {
	s.AnyPending = noRuns
	for i := range verdicts {
		v := &verdicts[i]
		switch v.State {
		case Failed:
			return v
		case Pending:
			s.AnyPending = true
		case Succeeded:
			if v.Source == SourceCheckRun {
				delete(s.RequiredPending, v.Name)
			}
		}
	}
	return nil
}

// Satisfied reports whether the last observed cycle was a success.
func (s *State) Satisfied() bool {
	return !s.AnyPending && len(s.RequiredPending) == 0
}

// Missing returns the required names no check run has yet succeeded for, sorted.
func (s *State) Missing() []string {
	names := make([]string, 0, len(s.RequiredPending))
	for name := range s.RequiredPending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckFailure means a check run or status finished unsuccessfully.
type CheckFailure struct {
	Ref     string
	Verdict Verdict
}

func (e *CheckFailure) Error() string {
	return fmt.Sprintf("%s %q failed on %s: %s", e.Verdict.Source, e.Verdict.Name, shortRef(e.Ref), e.Verdict.Detail)
}

// CheckTimeout means the deadline passed while checks were still pending.
type CheckTimeout struct {
	Ref      string
	Deadline time.Time
	Pending  []string // required names never seen succeeding, then names pending in the last cycle
}

func (e *CheckTimeout) Error() string {
	msg := fmt.Sprintf("checks on %s still pending at deadline %s", shortRef(e.Ref), e.Deadline.Format(time.RFC3339))
	if len(e.Pending) > 0 {
		msg += ": " + strings.Join(e.Pending, ", ")
	}
	return msg
}

func shortRef(ref string) string {
	if len(ref) == 40 && strings.Trim(ref, "0123456789abcdef") == "" {
		return ref[:12]
	}
	return ref
}
