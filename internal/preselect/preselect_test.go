package preselect

import (
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/policy"
)

func TestRecommend(t *testing.T) {
	p := policy.Default()
	sel := New(&p)

	cases := []struct {
		name   string
		feats  audio.Features
		tier   string
		bucket string
		reason string
	}{
		{"short clean", audio.Features{DurationSeconds: 12, NoiseEstimate: 0.1, ComplexityEstimate: 0.2}, "tiny", BucketShort, "clean_short"},
		{"medium clean", audio.Features{DurationSeconds: 120, NoiseEstimate: 0.3}, "tiny", BucketMedium, "clean_medium"},
		{"noisy", audio.Features{DurationSeconds: 12, NoiseEstimate: 0.7}, "small", BucketShort, "high_noise"},
		{"complex", audio.Features{DurationSeconds: 200, ComplexityEstimate: 0.65}, "small", BucketMedium, "high_complexity"},
		{"long moderately noisy", audio.Features{DurationSeconds: 900, NoiseEstimate: 0.45}, "small", BucketLong, "long_noisy"},
		{"medium moderately noisy", audio.Features{DurationSeconds: 300, NoiseEstimate: 0.45}, "tiny", BucketMedium, "clean_medium"},
		{"long clean", audio.Features{DurationSeconds: 900, NoiseEstimate: 0.1}, "tiny", BucketLong, "clean_long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sel.Recommend(tc.feats)
			if got.Tier.Name != tc.tier || got.Bucket != tc.bucket || got.Reason != tc.reason {
				t.Fatalf("got %s/%s/%s, want %s/%s/%s", got.Tier.Name, got.Bucket, got.Reason, tc.tier, tc.bucket, tc.reason)
			}
		})
	}
}

func TestRecommendNeverAboveSecondTier(t *testing.T) {
	p := policy.Default()
	sel := New(&p)
	got := sel.Recommend(audio.Features{DurationSeconds: 5000, NoiseEstimate: 1, ComplexityEstimate: 1})
	if got.Tier.Name != "small" {
		t.Fatalf("expected small, got %s", got.Tier.Name)
	}
}

func TestRecommendSingleTierLadder(t *testing.T) {
	p := policy.Default()
	p.Tiers = p.Tiers[:1]
	sel := New(&p)
	if got := sel.Recommend(audio.Features{NoiseEstimate: 0.9}); got.Tier.Name != "tiny" {
		t.Fatalf("expected the only tier, got %s", got.Tier.Name)
	}
}

func TestFallbackIsCheapest(t *testing.T) {
	p := policy.Default()
	got := New(&p).Fallback()
	if got.Tier.Name != "tiny" || got.Reason != "features_unavailable" {
		t.Fatalf("unexpected fallback: %+v", got)
	}
}
