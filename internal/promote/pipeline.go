package promote

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/profianinc/promote/internal/resolver"
	"github.com/profianinc/promote/internal/telemetry"
)

// Resetter returns the working copy to a known base between stages.
type Resetter interface {
	Checkout(ctx context.Context, ref string) error
	Pull(ctx context.Context, remote string) error
}

// Pipeline runs the stages of one promotion in chain order.
type Pipeline struct {
	Repo        Resetter
	Stage       StageRunner
	StartBranch string // branch every stage starts from
	Remote      string // remote pulled before every stage
	Resolver    resolver.Options
	Ceiling     Environment // optional cap below the resolved highest environment
	Logger      *slog.Logger

	// OnMessage and OnWarning receive progress lines for the user.
	OnMessage func(msg string)
	OnWarning func(msg string)
}

func (p *Pipeline) msg(format string, args ...interface{}) {
	if p.OnMessage != nil {
		p.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (p *Pipeline) warn(format string, args ...interface{}) {
	if p.OnWarning != nil {
		p.OnWarning(fmt.Sprintf(format, args...))
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Run resolves req and promotes it through every environment up to the
// highest one it qualifies for. It stops at the first failing stage; the
// returned report holds whatever finished before that.
func (p *Pipeline) Run(ctx context.Context, req Request) (report *Report, err error) {
	report = &Report{Request: req}

	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "promote.pipeline", trace.WithAttributes(
		attribute.String("promote.service", req.Service),
		attribute.String("promote.ref", req.SourceRef),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res, err := resolver.Resolve(resolver.Trigger{
		Service: req.Service,
		Ref:     req.SourceRef,
		Digest:  req.ImageDigest,
	}, p.Resolver)
	if err != nil {
		return report, err
	}
	report.Resolution = res

	highest := resolver.Cap(res.Highest, p.Ceiling)
	chain, err := resolver.ChainTo(highest)
	if err != nil {
		return report, err
	}
	report.Chain = chain
	span.SetAttributes(
		attribute.String("promote.version", res.Version),
		attribute.String("promote.highest", highest.String()),
	)

	log := p.logger().With("service", req.Service, "version", res.Version)
	log.Info("resolved", "image", res.ImageRef, "highest", highest.String())
	if highest != res.Highest {
		p.msg("%s qualifies for %s; stopping at %s", res.Version, res.Highest, highest)
	}
	p.msg("Promoting %s %s up to %s", req.Service, res.Version, highest)

	for _, env := range chain {
		if err := p.reset(ctx); err != nil {
			return report, &StageError{Environment: env, Step: StepReset, Err: err}
		}

		result, err := p.Stage.Run(ctx, env, req.Service, res.Version, res.ImageRef)
		if result != nil {
			report.Stages = append(report.Stages, result)
		}
		if err != nil {
			log.Error("stage failed", "environment", env.String(), "error", err)
			return report, err
		}
		if result == nil {
			return report, fmt.Errorf("%s: stage returned no result", env)
		}

		switch result.Outcome {
		case OutcomeNoChange:
			p.msg("%s: already at %s", env, res.Version)
		case OutcomePromoted:
			p.msg("%s: promoted to %s", env, res.Version)
		case OutcomeAwaitingMerge:
			p.msg("%s: pull request #%d awaits manual merge: %s", env, result.PullRequest, result.URL)
		default:
			return report, fmt.Errorf("%s: stage ended as %s without an error", env, result.Outcome)
		}
	}

	// Leave the working copy where it started.
	if err := p.Repo.Checkout(ctx, p.StartBranch); err != nil {
		p.warn("could not return to %s: %v", p.StartBranch, err)
	}
	return report, nil
}

func (p *Pipeline) reset(ctx context.Context) error {
	if err := p.Repo.Checkout(ctx, p.StartBranch); err != nil {
		return transport("checkout "+p.StartBranch, err)
	}
	if err := p.Repo.Pull(ctx, p.Remote); err != nil {
		return transport("pull "+p.StartBranch, err)
	}
	return nil
}
