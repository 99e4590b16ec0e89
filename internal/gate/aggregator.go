package gate

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/profianinc/promote/internal/github"
	"github.com/profianinc/promote/internal/telemetry"
)

// DefaultPollInterval is used when Aggregator.PollInterval is zero.
const DefaultPollInterval = 10 * time.Second

const scopeName = "github.com/profianinc/promote/gate"

// Reporter is the read side of the CI system.
type Reporter interface {
	ListCheckRuns(ctx context.Context, ref string) ([]github.CheckRun, error)
	ListStatuses(ctx context.Context, ref string) ([]github.CommitStatus, error)
}

// Aggregator polls a Reporter until a commit reaches a verdict.
type Aggregator struct {
	Reporter     Reporter
	PollInterval time.Duration
	Logger       *slog.Logger

	// Now and Sleep default to the wall clock; tests replace them.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewAggregator returns an Aggregator with default clock and interval.
func NewAggregator(r Reporter, logger *slog.Logger) *Aggregator {
	return &Aggregator{Reporter: r, PollInterval: DefaultPollInterval, Logger: logger}
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Aggregator) sleep(ctx context.Context, d time.Duration) error {
	if a.Sleep != nil {
		return a.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *Aggregator) interval() time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return DefaultPollInterval
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Await polls ref until it succeeds, fails or the deadline passes.
//
// OutcomeFailure comes with a *CheckFailure and OutcomeTimeout with a
// *CheckTimeout. A fetch error or a cancelled context ends the wait with
// OutcomeUnknown and that error; nothing is retried here beyond the poll
// loop itself.
func (a *Aggregator) Await(ctx context.Context, ref string, required []string, deadline time.Time) (outcome Outcome, err error) {
	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "gate.await")
	span.SetAttributes(
		attribute.String("gate.ref", ref),
		attribute.StringSlice("gate.required", required),
	)
	start := a.now()
	polls := 0
	defer func() {
		span.SetAttributes(attribute.String("gate.outcome", outcome.String()), attribute.Int("gate.polls", polls))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordAwait(ctx, outcome, polls, a.now().Sub(start))
	}()

	state := NewState(required, deadline, a.interval())
	log := a.logger().With("ref", shortRef(ref))
	var lastPending []string

	for {
		polls++
		runs, statuses, err := a.fetch(ctx, ref)
		if err != nil {
			return OutcomeUnknown, err
		}

		verdicts := Collect(runs, statuses)
		if failed := state.Observe(verdicts, len(runs) == 0); failed != nil {
			log.Warn("check failed", "name", failed.Name, "source", failed.Source, "detail", failed.Detail)
			return OutcomeFailure, &CheckFailure{Ref: ref, Verdict: *failed}
		}
		if state.Satisfied() {
			log.Info("checks passed", "polls", polls, "verdicts", len(verdicts))
			return OutcomeSuccess, nil
		}

		lastPending = pendingNames(verdicts)
		log.Debug("checks pending",
			"poll", polls,
			"check_runs", len(runs),
			"statuses", len(statuses),
			"pending", lastPending,
			"required_missing", state.Missing(),
		)

		now := a.now()
		if !now.Before(state.Deadline) {
			return OutcomeTimeout, &CheckTimeout{
				Ref:      ref,
				Deadline: state.Deadline,
				Pending:  mergeNames(state.Missing(), lastPending),
			}
		}

		wait := state.PollInterval
		if remaining := state.Deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if err := a.sleep(ctx, wait); err != nil {
			return OutcomeUnknown, err
		}
	}
}

// fetch reads both feeds concurrently.
func (a *Aggregator) fetch(ctx context.Context, ref string) ([]github.CheckRun, []github.CommitStatus, error) {
	var (
		runs     []github.CheckRun
		statuses []github.CommitStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = a.Reporter.ListCheckRuns(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		statuses, err = a.Reporter.ListStatuses(gctx, ref)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return runs, statuses, nil
}

func pendingNames(verdicts []Verdict) []string {
	var names []string
	for _, v := range verdicts {
		if v.State == Pending {
			names = append(names, v.Name)
		}
	}
	return names
}

func mergeNames(first, second []string) []string {
	seen := make(map[string]bool, len(first)+len(second))
	var out []string
	for _, list := range [][]string{first, second} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

func recordAwait(ctx context.Context, outcome Outcome, polls int, elapsed time.Duration) {
	m := telemetry.Meter(scopeName)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	if c, err := m.Int64Counter("promote.gate.polls",
		metric.WithDescription("Poll cycles executed while waiting on checks"),
	); err == nil {
		c.Add(ctx, int64(polls), attrs)
	}
	if h, err := m.Float64Histogram("promote.gate.await.duration",
		metric.WithDescription("Time spent waiting for a check verdict"),
		metric.WithUnit("s"),
	); err == nil {
		h.Record(ctx, elapsed.Seconds(), attrs)
	}
}
