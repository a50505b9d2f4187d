package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/escalation"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/quality"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleResult(id string, finished time.Time) orchestrator.Result {
	return orchestrator.Result{
		JobID:         id,
		AudioPath:     "/audio/" + id + ".wav",
		Fingerprint:   "abc123",
		PolicyVersion: 3,
		InitialTier:   "tiny",
		FinalTier:     "small",
		Transcript:    &stt.Result{Text: "hello world"},
		EscalationHistory: escalation.History{
			{
				Sequence:  0,
				Tier:      "tiny",
				StartedAt: finished.Add(-2 * time.Second),
				Metrics:   quality.Metrics{OverallQualityScore: 0.58, ConfidenceScore: 0.2},
				Decision:  escalation.Decision{Action: escalation.ActionEscalate, Reason: escalation.ReasonBelowTierThreshold, NextTier: "small"},
			},
			{
				Sequence:     1,
				Tier:         "small",
				StartedAt:    finished.Add(-time.Second),
				Metrics:      quality.Metrics{OverallQualityScore: 0.83, ConfidenceScore: 0.7},
				CacheOutcome: "computed",
				Decision:     escalation.Decision{Action: escalation.ActionAccept, Reason: escalation.ReasonExcellentQuality, Selected: 1},
			},
		},
		TerminalAction: escalation.ActionAccept,
		TerminalReason: escalation.ReasonExcellentQuality,
		StartedAt:      finished.Add(-3 * time.Second),
		FinishedAt:     finished,
		Duration:       3 * time.Second,
	}
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.SaveResult(ctx, sampleResult("job-1", time.Now())); err != nil {
		t.Fatalf("ephemeral save should be a no-op: %v", err)
	}
	if _, err := es.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "jobs.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	want := sampleResult("job-123", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := es.SaveResult(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := es.GetJob(ctx, "job-123")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.FinalTier != "small" || got.Transcript == nil || got.Transcript.Text != "hello world" {
		t.Fatalf("unexpected stored result: %+v", got)
	}
	if len(got.EscalationHistory) != 2 || got.EscalationHistory[1].Decision.Selected != 1 {
		t.Fatalf("history not preserved: %+v", got.EscalationHistory)
	}

	attempts, err := es.ListAttempts(ctx, "job-123")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Tier != "tiny" || attempts[1].Decision.Action != escalation.ActionAccept {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	jobs, err := es.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 2 || jobs[0].PolicyVersion != 3 {
		t.Fatalf("unexpected listing: %+v", jobs)
	}
	if !jobs[0].CreatedAt.Equal(want.FinishedAt) {
		t.Fatalf("created_at mismatch: %v", jobs[0].CreatedAt)
	}

	if _, err := es.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveReplacesAttempts(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	res := sampleResult("job-1", time.Now())
	if err := es.SaveResult(ctx, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	res.EscalationHistory = res.EscalationHistory[:1]
	if err := es.SaveResult(ctx, res); err != nil {
		t.Fatalf("resave: %v", err)
	}
	attempts, err := es.ListAttempts(ctx, "job-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected attempts replaced, got %d", len(attempts))
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "jobs.db"), RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 2}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.SaveResult(ctx, sampleResult("old-job", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 3; i++ {
		finished := time.Date(2025, 1, 3, 0, i, 0, 0, time.UTC)
		if err := es.SaveResult(ctx, sampleResult(fmt.Sprintf("new-job-%d", i), finished)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC) }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := es.GetJob(ctx, "old-job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job pruned by age")
	}
	if _, err := es.GetJob(ctx, "new-job-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest new job pruned by count")
	}
	jobs, err := es.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "new-job-2" {
		t.Fatalf("unexpected remaining jobs: %+v", jobs)
	}
	attempts, err := es.ListAttempts(ctx, "old-job")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected attempts cascaded with their job")
	}
}
