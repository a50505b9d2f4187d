package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

// Redundancy groups the analysis and transcript caches used by jobs.
// Transcript values are shared pointers and must not be modified.
type Redundancy struct {
	Analysis    *Cache[audio.Features]
	Transcripts *Cache[*stt.Result]
}

func NewMemory(maxEntries int, ttl time.Duration, log *slog.Logger) *Redundancy {
	return &Redundancy{
		Analysis:    New[audio.Features]("analysis", NewMemoryStorage[audio.Features](maxEntries, ttl), log),
		Transcripts: New[*stt.Result]("transcripts", NewMemoryStorage[*stt.Result](maxEntries, ttl), log),
	}
}

func NewNATS(kv nats.KeyValue, log *slog.Logger) *Redundancy {
	return &Redundancy{
		Analysis:    New[audio.Features]("analysis", NewNATSStorage[audio.Features](kv, "analysis."), log),
		Transcripts: New[*stt.Result]("transcripts", NewNATSStorage[*stt.Result](kv, "transcript."), log),
	}
}

func AnalysisKey(fp audio.Fingerprint) string {
	return string(fp)
}

// TranscriptKey scopes a transcript to content, the tier and the model it
// runs, and recognition params. The model is hashed to keep keys within the
// KV key alphabet.
func TranscriptKey(fp audio.Fingerprint, tier policy.Tier, paramsHash uint64) string {
	return fmt.Sprintf("%s.%s.%016x.%016x", fp, tier.Name, xxhash.Sum64String(tier.Model), paramsHash)
}

type RedundancyStats struct {
	Analysis    Stats `json:"analysis"`
	Transcripts Stats `json:"transcripts"`
}

func (r *Redundancy) Stats() RedundancyStats {
	return RedundancyStats{Analysis: r.Analysis.Stats(), Transcripts: r.Transcripts.Stats()}
}
