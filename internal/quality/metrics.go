// Package quality scores recognizer output so the escalation engine can
// compare attempts made at different tiers.
package quality

import (
	"math"
	"sort"

	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Metrics is the scored view of one transcript. Every score lies in [0,1] and
// OverallQualityScore is always the weighted blend of the other three.
type Metrics struct {
	ConfidenceScore          float64 `json:"confidence_score"`
	TemporalConsistencyScore float64 `json:"temporal_consistency_score"`
	CoverageRatio            float64 `json:"coverage_ratio"`
	OverallQualityScore      float64 `json:"overall_quality_score"`

	ConfidenceDefaulted bool `json:"confidence_defaulted,omitempty"`
	TemporalDefaulted   bool `json:"temporal_defaulted,omitempty"`

	Segments     int `json:"segments"`
	Words        int `json:"words"`
	GapAnomalies int `json:"gap_anomalies"`
}

type Calculator struct {
	weights           policy.Weights
	minGap, maxGap    float64
	temporalFloor     float64
	temporalDefault   float64
	confidenceDefault float64
}

func NewCalculator(p *policy.Policy) Calculator {
	return Calculator{
		weights:           p.Weights,
		minGap:            p.MinGapSeconds,
		maxGap:            p.MaxGapSeconds,
		temporalFloor:     p.TemporalFloor,
		temporalDefault:   p.TemporalDefault,
		confidenceDefault: p.ConfidenceDefault,
	}
}

// Evaluate scores res against an input of durationSeconds. A zero duration
// means the length is unknown.
func (c Calculator) Evaluate(res stt.Result, durationSeconds float64) Metrics {
	segs := append([]stt.Segment(nil), res.Segments...)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	m := Metrics{Segments: len(segs)}
	for _, s := range segs {
		m.Words += len(s.Words)
	}
	m.ConfidenceScore, m.ConfidenceDefaulted = c.confidence(res, segs)
	m.TemporalConsistencyScore, m.GapAnomalies, m.TemporalDefaulted = c.temporal(segs, m.Words)
	m.CoverageRatio = coverage(segs, durationSeconds)
	m.OverallQualityScore = c.Blend(m.ConfidenceScore, m.TemporalConsistencyScore, m.CoverageRatio)
	return m
}

// Blend combines component scores with the configured weights.
func (c Calculator) Blend(confidence, temporal, coverage float64) float64 {
	return clamp(c.weights.Confidence*confidence + c.weights.Temporal*temporal + c.weights.Coverage*coverage)
}

// confidence prefers word scores, then segment averages, then the
// transcript-level figure, then the configured default.
func (c Calculator) confidence(res stt.Result, segs []stt.Segment) (float64, bool) {
	var sum float64
	var n int
	for _, s := range segs {
		for _, w := range s.Words {
			if w.Confidence != nil && !math.IsNaN(*w.Confidence) {
				sum += clamp(*w.Confidence)
				n++
			}
		}
	}
	if n > 0 {
		return sum / float64(n), false
	}
	for _, s := range segs {
		if s.AvgConfidence != nil && !math.IsNaN(*s.AvgConfidence) {
			sum += clamp(*s.AvgConfidence)
			n++
		}
	}
	if n > 0 {
		return sum / float64(n), false
	}
	if res.RawConfidence != nil && !math.IsNaN(*res.RawConfidence) {
		return clamp(*res.RawConfidence), false
	}
	return c.confidenceDefault, true
}

func (c Calculator) temporal(segs []stt.Segment, words int) (float64, int, bool) {
	if len(segs) < 2 || words == 0 {
		return c.temporalDefault, 0, true
	}
	var anomalies int
	gaps := len(segs) - 1
	for i := 1; i < len(segs); i++ {
		gap := segs[i].Start - segs[i-1].End
		if gap < c.minGap || gap > c.maxGap {
			anomalies++
		}
	}
	score := 1 - float64(anomalies)/float64(gaps)
	return clamp(math.Max(c.temporalFloor, score)), anomalies, false
}

// coverage is the fraction of the input covered by the union of segments.
func coverage(segs []stt.Segment, duration float64) float64 {
	if len(segs) == 0 {
		return 0
	}
	if duration <= 0 {
		return 1
	}
	var covered, curStart, curEnd float64
	open := false
	for _, s := range segs {
		start, end := math.Max(s.Start, 0), math.Min(s.End, duration)
		if end <= start {
			continue
		}
		if !open || start > curEnd {
			if open {
				covered += curEnd - curStart
			}
			curStart, curEnd, open = start, end, true
			continue
		}
		if end > curEnd {
			curEnd = end
		}
	}
	if open {
		covered += curEnd - curStart
	}
	return clamp(covered / duration)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
