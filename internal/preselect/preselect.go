// Package preselect picks the tier a job starts on from cheap audio features.
package preselect

import (
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/policy"
)

// Duration buckets.
const (
	BucketShort  = "short"
	BucketMedium = "medium"
	BucketLong   = "long"
)

// Recommendation explains why a starting tier was chosen.
type Recommendation struct {
	Tier   policy.Tier `json:"tier"`
	Bucket string      `json:"bucket,omitempty"`
	Reason string      `json:"reason"`
}

type Selector struct {
	ladder policy.Ladder
	cfg    policy.Preselect
}

func New(p *policy.Policy) Selector {
	return Selector{ladder: p.Tiers, cfg: p.Preselect}
}

// Recommend never starts above the second-cheapest tier.
func (s Selector) Recommend(f audio.Features) Recommendation {
	bucket := s.bucket(f.DurationSeconds)
	rec := Recommendation{Tier: s.ladder.Cheapest(), Bucket: bucket, Reason: "clean_" + bucket}

	var reason string
	switch {
	case f.NoiseEstimate >= s.cfg.HighNoise:
		reason = "high_noise"
	case f.ComplexityEstimate >= s.cfg.HighComplexity:
		reason = "high_complexity"
	case bucket == BucketLong && f.NoiseEstimate >= s.cfg.ModerateNoise:
		reason = "long_noisy"
	}
	if reason != "" && len(s.ladder) > 1 {
		rec.Tier = s.ladder[1]
		rec.Reason = reason
	}
	return rec
}

// Fallback is used when features could not be extracted.
func (s Selector) Fallback() Recommendation {
	return Recommendation{Tier: s.ladder.Cheapest(), Reason: "features_unavailable"}
}

func (s Selector) bucket(seconds float64) string {
	switch {
	case seconds < s.cfg.ShortSeconds:
		return BucketShort
	case seconds < s.cfg.LongSeconds:
		return BucketMedium
	}
	return BucketLong
}
