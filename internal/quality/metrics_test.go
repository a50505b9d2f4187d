package quality

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newCalc(t *testing.T) Calculator {
	t.Helper()
	p := policy.Default()
	return NewCalculator(&p)
}

func seg(start, end float64, conf ...float64) stt.Segment {
	s := stt.Segment{Start: start, End: end}
	for _, c := range conf {
		s.Words = append(s.Words, stt.Word{Start: start, End: end, Confidence: stt.Float(c)})
	}
	return s
}

func TestEmptyTranscriptUsesDefaults(t *testing.T) {
	got := newCalc(t).Evaluate(stt.Result{}, 12)
	want := Metrics{
		ConfidenceScore:          0.5,
		TemporalConsistencyScore: 0.7,
		CoverageRatio:            0,
		OverallQualityScore:      0.5*0.5 + 0.3*0.7,
		ConfidenceDefaulted:      true,
		TemporalDefaulted:        true,
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestTemporalDefaultWithoutWordTimings(t *testing.T) {
	res := stt.Result{Segments: []stt.Segment{{Start: 0, End: 2}, {Start: 40, End: 41}}}
	got := newCalc(t).Evaluate(res, 41)
	if got.TemporalConsistencyScore != 0.7 || !got.TemporalDefaulted {
		t.Fatalf("expected temporal default 0.7, got %+v", got)
	}
}

func TestTemporalScoreNeverBelowFloor(t *testing.T) {
	res := stt.Result{Segments: []stt.Segment{
		seg(0, 1, 0.9),
		seg(30, 31, 0.9),
		seg(60, 61, 0.9),
		seg(90, 91, 0.9),
	}}
	got := newCalc(t).Evaluate(res, 91)
	if got.GapAnomalies != 3 {
		t.Fatalf("expected every gap anomalous, got %d", got.GapAnomalies)
	}
	if got.TemporalConsistencyScore != 0.3 {
		t.Fatalf("expected floor 0.3, got %v", got.TemporalConsistencyScore)
	}
}

func TestTemporalCountsOverlapAndSilence(t *testing.T) {
	res := stt.Result{Segments: []stt.Segment{
		seg(0, 5, 0.8),
		seg(4, 8, 0.8),   // overlap 1s, anomalous
		seg(8.2, 9, 0.8), // regular
		seg(10, 12, 0.8), // regular
		seg(13, 14, 0.8), // regular
	}}
	got := newCalc(t).Evaluate(res, 14)
	if got.GapAnomalies != 1 {
		t.Fatalf("expected one anomaly, got %d", got.GapAnomalies)
	}
	if math.Abs(got.TemporalConsistencyScore-0.75) > 1e-9 {
		t.Fatalf("expected 0.75, got %v", got.TemporalConsistencyScore)
	}
}

func TestConfidenceSourcePrecedence(t *testing.T) {
	c := newCalc(t)

	words := stt.Result{
		RawConfidence: stt.Float(0.1),
		Segments: []stt.Segment{
			{Start: 0, End: 1, AvgConfidence: stt.Float(0.2), Words: []stt.Word{{Confidence: stt.Float(0.9)}, {Confidence: stt.Float(0.7)}}},
		},
	}
	if got := c.Evaluate(words, 1).ConfidenceScore; math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("expected word mean 0.8, got %v", got)
	}

	segments := stt.Result{
		RawConfidence: stt.Float(0.1),
		Segments: []stt.Segment{
			{Start: 0, End: 1, AvgConfidence: stt.Float(0.6)},
			{Start: 1, End: 2, AvgConfidence: stt.Float(0.8)},
		},
	}
	if got := c.Evaluate(segments, 2).ConfidenceScore; math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("expected segment mean 0.7, got %v", got)
	}

	raw := stt.Result{RawConfidence: stt.Float(1.4), Segments: []stt.Segment{{Start: 0, End: 1}}}
	got := c.Evaluate(raw, 1)
	if got.ConfidenceScore != 1 || got.ConfidenceDefaulted {
		t.Fatalf("expected clamped raw confidence 1, got %+v", got)
	}
}

func TestCoverageUnionsOverlappingSegments(t *testing.T) {
	res := stt.Result{Segments: []stt.Segment{
		seg(0, 4, 0.9),
		seg(2, 6, 0.9),
		seg(8, 9, 0.9),
	}}
	got := newCalc(t).Evaluate(res, 10)
	if math.Abs(got.CoverageRatio-0.7) > 1e-9 {
		t.Fatalf("expected coverage 0.7, got %v", got.CoverageRatio)
	}
}

func TestCoverageUnknownDuration(t *testing.T) {
	res := stt.Result{Segments: []stt.Segment{seg(0, 1, 0.9)}}
	if got := newCalc(t).Evaluate(res, 0).CoverageRatio; got != 1 {
		t.Fatalf("expected full coverage when duration unknown, got %v", got)
	}
}

func TestOverallIsWeightedBlend(t *testing.T) {
	c := newCalc(t)
	res := stt.Result{Segments: []stt.Segment{
		seg(0, 3, 0.9, 0.8),
		seg(3.3, 6, 0.85),
		seg(6.2, 10, 0.95),
	}}
	m := c.Evaluate(res, 10)
	want := 0.5*m.ConfidenceScore + 0.3*m.TemporalConsistencyScore + 0.2*m.CoverageRatio
	if math.Abs(m.OverallQualityScore-want) > 1e-9 {
		t.Fatalf("overall %v is not the weighted blend %v", m.OverallQualityScore, want)
	}
	for name, v := range map[string]float64{
		"confidence": m.ConfidenceScore,
		"temporal":   m.TemporalConsistencyScore,
		"coverage":   m.CoverageRatio,
		"overall":    m.OverallQualityScore,
	} {
		if v < 0 || v > 1 {
			t.Fatalf("%s out of range: %v", name, v)
		}
	}
}
