// Package orchestrator runs transcription jobs up the tier ladder: it picks a
// starting tier, runs attempts through the redundancy cache and lets the
// escalation engine decide when to stop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/escalation"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/preselect"
	"github.com/loqalabs/loqa-scribe/internal/quality"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/internal/orchestrator"

var (
	// ErrJobFailed is returned when no attempt produced a usable transcript.
	ErrJobFailed = errors.New("transcription job failed")
	// ErrJobAborted is returned when the job was cancelled or timed out.
	ErrJobAborted = errors.New("transcription job aborted")
)

type Job struct {
	ID        string     `json:"job_id"`
	AudioPath string     `json:"audio_path"`
	Params    stt.Params `json:"params"`
	// Preset adjusts the active policy for this job only.
	Preset *policy.Overrides `json:"preset,omitempty"`
}

// Result is the outcome of one job. EscalationHistory is populated on every
// exit path, including failures and aborts.
type Result struct {
	JobID             string                   `json:"job_id"`
	AudioPath         string                   `json:"audio_path"`
	Fingerprint       audio.Fingerprint        `json:"fingerprint,omitempty"`
	PolicyVersion     int64                    `json:"policy_version"`
	Features          *audio.Features          `json:"features,omitempty"`
	Preselection      preselect.Recommendation `json:"preselection"`
	InitialTier       string                   `json:"initial_tier"`
	FinalTier         string                   `json:"final_tier,omitempty"`
	FinalMetrics      *quality.Metrics         `json:"final_metrics,omitempty"`
	Transcript        *stt.Result              `json:"transcript,omitempty"`
	EscalationHistory escalation.History       `json:"escalation_history"`
	TerminalAction    escalation.Action        `json:"terminal_action"`
	TerminalReason    string                   `json:"terminal_reason"`
	TerminalDetail    string                   `json:"terminal_detail,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	FinishedAt        time.Time                `json:"finished_at"`
	Duration          time.Duration            `json:"duration_ns"`
	Error             string                   `json:"error,omitempty"`
}

// Sink persists finished results.
type Sink interface {
	SaveResult(ctx context.Context, res Result) error
}

type Options struct {
	Policies   *policy.Store
	Recognizer stt.Recognizer
	Extractor  audio.Extractor
	// Cache may be nil, in which case every attempt calls the recognizer.
	Cache  *cache.Redundancy
	Sink   Sink
	Logger *slog.Logger
	// DefaultLanguage is used for jobs that do not name one.
	DefaultLanguage string
}

type Orchestrator struct {
	policies   *policy.Store
	recognizer stt.Recognizer
	extractor  audio.Extractor
	cache      *cache.Redundancy
	sink       Sink
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *instruments
	language   string
	now        func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Policies == nil || opts.Recognizer == nil || opts.Extractor == nil {
		return nil, errors.New("orchestrator requires policies, recognizer and extractor")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	return &Orchestrator{
		policies:   opts.Policies,
		recognizer: opts.Recognizer,
		extractor:  opts.Extractor,
		cache:      opts.Cache,
		sink:       opts.Sink,
		log:        log.With(slog.String("component", "orchestrator")),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    metrics,
		language:   opts.DefaultLanguage,
		now:        time.Now,
	}, nil
}

// Run executes job to completion under the policy active when it starts,
// adjusted by the job's preset. An invalid preset rejects the job before any
// work with an error wrapping policy.ErrConfiguration.
func (o *Orchestrator) Run(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Params.Language == "" {
		job.Params.Language = o.language
	}
	log := o.log.With(slog.String("job_id", job.ID))

	base := o.policies.Current()
	pol, err := job.Preset.Apply(base)
	if err != nil {
		log.Warn("job preset rejected", slog.String("error", err.Error()))
		now := o.now()
		return Result{
			JobID:         job.ID,
			AudioPath:     job.AudioPath,
			PolicyVersion: base.Version,
			StartedAt:     now,
			FinishedAt:    now,
			Error:         err.Error(),
		}, fmt.Errorf("job preset: %w", err)
	}

	ctx, span := o.tracer.Start(ctx, "scribe.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("policy.version", pol.Version),
	))
	defer span.End()

	r := &run{
		o:      o,
		job:    job,
		policy: pol,
		engine: escalation.NewEngine(pol),
		calc:   quality.NewCalculator(pol),
		log:    log,
		res: Result{
			JobID:         job.ID,
			AudioPath:     job.AudioPath,
			PolicyVersion: pol.Version,
			StartedAt:     o.now(),
		},
	}

	jobCtx, cancel := context.WithTimeout(ctx, pol.JobTimeout())
	defer cancel()
	err = r.execute(jobCtx)

	res := r.res
	res.EscalationHistory = r.history
	res.FinishedAt = o.now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.TerminalAction))
	}
	span.SetAttributes(
		attribute.String("job.terminal_action", string(res.TerminalAction)),
		attribute.String("job.final_tier", res.FinalTier),
		attribute.Int("job.attempts", len(res.EscalationHistory)),
	)
	o.metrics.recordJob(ctx, res)
	o.persist(ctx, res, log)

	log.Info("job finished",
		slog.String("terminal_action", string(res.TerminalAction)),
		slog.String("terminal_reason", res.TerminalReason),
		slog.String("initial_tier", res.InitialTier),
		slog.String("final_tier", res.FinalTier),
		slog.Int("attempts", len(res.EscalationHistory)),
		slog.Duration("duration", res.Duration))
	return res, err
}

func (o *Orchestrator) persist(ctx context.Context, res Result, log *slog.Logger) {
	if o.sink == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.sink.SaveResult(saveCtx, res); err != nil {
		log.Warn("failed to persist job result", slog.String("error", err.Error()))
	}
}

// run carries the mutable state of one job.
type run struct {
	o           *Orchestrator
	job         Job
	policy      *policy.Policy
	engine      escalation.Engine
	calc        quality.Calculator
	log         *slog.Logger
	res         Result
	history     escalation.History
	transcripts []*stt.Result
}

func (r *run) execute(ctx context.Context) error {
	tier := r.analyse(ctx)
	r.res.InitialTier = tier.Name

	for {
		if len(r.history) >= r.policy.InvocationCap() {
			return r.finish(escalation.Decision{
				Action:   escalation.ActionStopInvocationCap,
				Reason:   escalation.ReasonInvocationCap,
				Detail:   fmt.Sprintf("%d attempts made", len(r.history)),
				Selected: r.history.Best(),
			})
		}
		if err := ctx.Err(); err != nil {
			return r.abort(err, nil)
		}

		rec, transcript := r.attempt(ctx, tier)
		if rec.Failed() && ctx.Err() != nil {
			return r.abort(ctx.Err(), &rec)
		}

		// The decision is attached before the record joins the history.
		pending := append(r.history[:len(r.history):len(r.history)], rec)
		dec := r.engine.Decide(pending)
		rec.Decision = dec
		r.history = append(r.history, rec)
		r.transcripts = append(r.transcripts, transcript)

		r.log.Info("attempt evaluated",
			slog.Int("sequence", rec.Sequence),
			slog.String("tier", rec.Tier),
			slog.String("cache", rec.CacheOutcome),
			slog.Float64("overall", rec.Metrics.OverallQualityScore),
			slog.Float64("confidence", rec.Metrics.ConfidenceScore),
			slog.String("action", string(dec.Action)),
			slog.String("reason", dec.Reason))

		if dec.Action != escalation.ActionEscalate {
			return r.finish(dec)
		}
		next, ok := r.policy.Tiers.Lookup(dec.NextTier)
		if !ok {
			return r.finish(escalation.Decision{
				Action:   escalation.ActionStopBackendFailure,
				Reason:   escalation.ReasonBackendFailure,
				Detail:   fmt.Sprintf("unknown tier %q", dec.NextTier),
				Selected: r.history.Best(),
			})
		}
		r.o.metrics.recordEscalation(ctx, rec.Tier, next.Name, dec.Reason)
		tier = next
	}
}

// analyse fingerprints and extracts features, falling back to the cheapest
// tier when the input cannot be analysed.
func (r *run) analyse(ctx context.Context) policy.Tier {
	sel := preselect.New(r.policy)

	fp, err := audio.FingerprintFile(r.job.AudioPath)
	if err != nil {
		r.log.Warn("fingerprint failed, running uncached", slog.String("error", err.Error()))
		fp = ""
	}
	r.res.Fingerprint = fp

	extract := func(cctx context.Context) (audio.Features, error) {
		cctx, cancel := context.WithTimeout(cctx, r.policy.AttemptTimeout())
		defer cancel()
		return r.o.extractor.Extract(cctx, r.job.AudioPath)
	}
	var feats audio.Features
	if r.o.cache != nil && fp != "" {
		var outcome cache.Outcome
		feats, outcome, err = r.o.cache.Analysis.GetOrCompute(ctx, cache.AnalysisKey(fp), extract)
		r.o.metrics.recordLookup(ctx, r.o.cache.Analysis.Name(), outcome)
	} else {
		feats, err = extract(ctx)
	}
	if err != nil {
		r.log.Warn("feature extraction failed, starting on cheapest tier", slog.String("error", err.Error()))
		r.res.Preselection = sel.Fallback()
		return r.res.Preselection.Tier
	}
	r.res.Features = &feats
	r.res.Preselection = sel.Recommend(feats)
	return r.res.Preselection.Tier
}

func (r *run) attempt(ctx context.Context, tier policy.Tier) (escalation.AttemptRecord, *stt.Result) {
	ctx, span := r.o.tracer.Start(ctx, "scribe.attempt", trace.WithAttributes(
		attribute.String("tier", tier.Name),
		attribute.Int("sequence", len(r.history)),
	))
	defer span.End()

	rec := escalation.AttemptRecord{
		Sequence:  len(r.history),
		Tier:      tier.Name,
		StartedAt: r.o.now(),
	}
	var duration float64
	if r.res.Features != nil {
		duration = r.res.Features.DurationSeconds
	}
	req := stt.Request{
		AudioPath:       r.job.AudioPath,
		DurationSeconds: duration,
		Tier:            tier,
		Rank:            r.policy.Tiers.Index(tier.Name),
		Params:          r.job.Params,
	}

	inv := &invocation{o: r.o, policy: r.policy, req: req, log: r.log}
	var out *stt.Result
	var err error
	if r.o.cache != nil && r.res.Fingerprint != "" {
		key := cache.TranscriptKey(r.res.Fingerprint, tier, r.job.Params.Hash())
		var outcome cache.Outcome
		out, outcome, err = r.o.cache.Transcripts.GetOrCompute(ctx, key, inv.run)
		rec.CacheOutcome = string(outcome)
		r.o.metrics.recordLookup(ctx, r.o.cache.Transcripts.Name(), outcome)
	} else {
		out, err = inv.run(ctx)
		rec.CacheOutcome = string(cache.OutcomeBypass)
	}
	rec.Retries = inv.retries()
	rec.Duration = r.o.now().Sub(rec.StartedAt)
	r.o.metrics.recordAttempt(ctx, tier.Name, rec.CacheOutcome, err)

	if err != nil {
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		r.log.Warn("attempt failed", slog.String("tier", tier.Name), slog.String("error", err.Error()))
		return rec, nil
	}
	rec.Metrics = r.calc.Evaluate(*out, duration)
	span.SetAttributes(attribute.Float64("quality.overall", rec.Metrics.OverallQualityScore))
	return rec, out
}

func (r *run) finish(dec escalation.Decision) error {
	r.res.TerminalAction = dec.Action
	r.res.TerminalReason = dec.Reason
	r.res.TerminalDetail = dec.Detail
	if dec.Selected == escalation.NoSelection || dec.Selected >= len(r.history) {
		return fmt.Errorf("%w: %s: %s", ErrJobFailed, dec.Reason, dec.Detail)
	}
	r.selectAttempt(dec.Selected)
	return nil
}

// abort ends the job after cancellation. The interrupted attempt, if any, is
// kept in the history with an aborted decision.
func (r *run) abort(cause error, interrupted *escalation.AttemptRecord) error {
	dec := escalation.Decision{
		Action:   escalation.ActionStopAborted,
		Reason:   escalation.ReasonAborted,
		Detail:   cause.Error(),
		Selected: r.history.Best(),
	}
	if interrupted != nil {
		rec := *interrupted
		rec.Decision = dec
		r.history = append(r.history, rec)
		r.transcripts = append(r.transcripts, nil)
	}
	r.res.TerminalAction = dec.Action
	r.res.TerminalReason = dec.Reason
	r.res.TerminalDetail = dec.Detail
	if dec.Selected != escalation.NoSelection {
		r.selectAttempt(dec.Selected)
	}
	return fmt.Errorf("%w: %w", ErrJobAborted, cause)
}

func (r *run) selectAttempt(i int) {
	sel := r.history[i]
	metrics := sel.Metrics
	r.res.FinalTier = sel.Tier
	r.res.FinalMetrics = &metrics
	r.res.Transcript = r.transcripts[i]
}
