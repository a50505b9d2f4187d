package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	log := testLogger()
	es, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	t.Cleanup(es.Shutdown)

	client, err := bus.Connect(context.Background(), "cache-test", config.BusConfig{
		Servers:        []string{es.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client.JetStream()
}

func TestMemoryStorageEvictsLeastRecent(t *testing.T) {
	s := NewMemoryStorage[int](2, 0)
	ctx := context.Background()
	_ = s.Put(ctx, "a", 1)
	_ = s.Put(ctx, "b", 2)
	_ = s.Put(ctx, "c", 3)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if v, ok, _ := s.Get(ctx, "c"); !ok || v != 3 {
		t.Fatalf("expected newest entry, got %v %v", v, ok)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
}

func TestMemoryStorageExpires(t *testing.T) {
	s := NewMemoryStorage[int](4, 20*time.Millisecond)
	ctx := context.Background()
	_ = s.Put(ctx, "a", 1)
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestNATSStorageRoundTrip(t *testing.T) {
	js := startJetStream(t)
	kv, err := OpenBucket(js, "scribe_cache_test", time.Minute)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	again, err := OpenBucket(js, "scribe_cache_test", time.Minute)
	if err != nil || again == nil {
		t.Fatalf("rebinding existing bucket failed: %v", err)
	}

	r := NewNATS(kv, testLogger())
	ctx := context.Background()
	fp := audio.Fingerprint("0123abcd")

	feats, outcome, err := r.Analysis.GetOrCompute(ctx, AnalysisKey(fp), func(context.Context) (audio.Features, error) {
		return audio.Features{DurationSeconds: 42, NoiseEstimate: 0.25}, nil
	})
	if err != nil || outcome != OutcomeComputed || feats.DurationSeconds != 42 {
		t.Fatalf("compute analysis: %+v %s %v", feats, outcome, err)
	}
	feats, outcome, err = r.Analysis.GetOrCompute(ctx, AnalysisKey(fp), func(context.Context) (audio.Features, error) {
		return audio.Features{}, errors.New("must not run")
	})
	if err != nil || outcome != OutcomeHit || feats.NoiseEstimate != 0.25 {
		t.Fatalf("expected stored analysis: %+v %s %v", feats, outcome, err)
	}

	key := TranscriptKey(fp, policy.Tier{Name: "small", Model: "small"}, stt.Params{}.Hash())
	if _, _, err := r.Transcripts.GetOrCompute(ctx, key, func(context.Context) (*stt.Result, error) {
		return &stt.Result{Text: "persisted", Segments: []stt.Segment{{Start: 0, End: 1, Text: "persisted"}}}, nil
	}); err != nil {
		t.Fatalf("compute transcript: %v", err)
	}

	// A second worker sharing the bucket sees the same transcript.
	other := NewNATS(kv, testLogger())
	res, outcome, err := other.Transcripts.GetOrCompute(ctx, key, func(context.Context) (*stt.Result, error) {
		return nil, errors.New("must not run")
	})
	if err != nil || outcome != OutcomeHit || res.Text != "persisted" || len(res.Segments) != 1 {
		t.Fatalf("expected shared transcript: %+v %s %v", res, outcome, err)
	}
}
