package orchestrator

import (
	"context"

	"github.com/loqalabs/loqa-scribe/internal/cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	jobs        metric.Int64Counter
	attempts    metric.Int64Counter
	escalations metric.Int64Counter
	retries     metric.Int64Counter
	lookups     metric.Int64Counter
	duration    metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	jobs, err := meter.Int64Counter("scribe.jobs",
		metric.WithDescription("Finished transcription jobs by terminal action"))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("scribe.attempts",
		metric.WithDescription("Tier attempts by tier, cache outcome and status"))
	if err != nil {
		return nil, err
	}
	escalations, err := meter.Int64Counter("scribe.escalations",
		metric.WithDescription("Tier escalations by source tier and reason"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("scribe.backend.retries",
		metric.WithDescription("Recognizer calls retried after a failure"))
	if err != nil {
		return nil, err
	}
	lookups, err := meter.Int64Counter("scribe.cache.lookups",
		metric.WithDescription("Redundancy cache lookups by cache and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("scribe.job.duration",
		metric.WithDescription("Wall-clock job duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &instruments{
		jobs:        jobs,
		attempts:    attempts,
		escalations: escalations,
		retries:     retries,
		lookups:     lookups,
		duration:    duration,
	}, nil
}

func (i *instruments) recordJob(ctx context.Context, res Result) {
	attrs := metric.WithAttributes(
		attribute.String("terminal_action", string(res.TerminalAction)),
		attribute.String("final_tier", res.FinalTier),
	)
	i.jobs.Add(ctx, 1, attrs)
	i.duration.Record(ctx, res.Duration.Seconds(), attrs)
}

func (i *instruments) recordAttempt(ctx context.Context, tier, cacheOutcome string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	i.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("cache", cacheOutcome),
		attribute.String("status", status),
	))
}

func (i *instruments) recordEscalation(ctx context.Context, from, to, reason string) {
	i.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_tier", from),
		attribute.String("to_tier", to),
		attribute.String("reason", reason),
	))
}

func (i *instruments) recordRetry(ctx context.Context, tier string) {
	i.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (i *instruments) recordLookup(ctx context.Context, name string, outcome cache.Outcome) {
	if outcome == "" {
		outcome = "error"
	}
	i.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", name),
		attribute.String("outcome", string(outcome)),
	))
}
