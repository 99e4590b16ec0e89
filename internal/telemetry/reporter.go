package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/profianinc/promote/internal/github"
)

const githubScopeName = "github.com/profianinc/promote/github"

// CheckFeeds is the read side of the GitHub client polled by the gate.
type CheckFeeds interface {
	ListCheckRuns(ctx context.Context, ref string) ([]github.CheckRun, error)
	ListStatuses(ctx context.Context, ref string) ([]github.CommitStatus, error)
}

// InstrumentedReporter wraps CheckFeeds with OTel tracing and metrics.
// Every call gets a span and is counted in promote.github.* metrics.
type InstrumentedReporter struct {
	inner  CheckFeeds
	tracer trace.Tracer
	reqs   metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapReporter returns r decorated with OTel instrumentation.
// When telemetry is disabled, r is returned as-is.
func WrapReporter(r CheckFeeds) CheckFeeds {
	if !Enabled() {
		return r
	}
	return newInstrumentedReporter(r, Tracer(githubScopeName), Meter(githubScopeName))
}

func newInstrumentedReporter(r CheckFeeds, tracer trace.Tracer, m metric.Meter) *InstrumentedReporter {
	reqs, _ := m.Int64Counter("promote.github.requests",
		metric.WithDescription("GitHub check feed reads"),
	)
	dur, _ := m.Float64Histogram("promote.github.request.duration",
		metric.WithDescription("GitHub check feed read duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("promote.github.errors",
		metric.WithDescription("GitHub check feed read errors"),
	)
	return &InstrumentedReporter{inner: r, tracer: tracer, reqs: reqs, dur: dur, errs: errs}
}

func (r *InstrumentedReporter) op(ctx context.Context, name, ref string) (context.Context, trace.Span, time.Time, []attribute.KeyValue) {
	attrs := []attribute.KeyValue{attribute.String("github.call", name)}
	ctx, span := r.tracer.Start(ctx, "github."+name,
		trace.WithAttributes(append(attrs, attribute.String("git.ref", ref))...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	r.reqs.Add(ctx, 1, metric.WithAttributes(attrs...))
	return ctx, span, time.Now(), attrs
}

func (r *InstrumentedReporter) done(ctx context.Context, span trace.Span, start time.Time, n int, err error, attrs []attribute.KeyValue) {
	r.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		span.SetAttributes(attribute.Int("github.result.count", n))
	}
	span.End()
}

func (r *InstrumentedReporter) ListCheckRuns(ctx context.Context, ref string) ([]github.CheckRun, error) {
	ctx, span, t, attrs := r.op(ctx, "ListCheckRuns", ref)
	runs, err := r.inner.ListCheckRuns(ctx, ref)
	r.done(ctx, span, t, len(runs), err, attrs)
	return runs, err
}

func (r *InstrumentedReporter) ListStatuses(ctx context.Context, ref string) ([]github.CommitStatus, error) {
	ctx, span, t, attrs := r.op(ctx, "ListStatuses", ref)
	statuses, err := r.inner.ListStatuses(ctx, ref)
	r.done(ctx, span, t, len(statuses), err, attrs)
	return statuses, err
}
