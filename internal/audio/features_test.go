package audio

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

const testRate = 16000

func writeTestWAV(t *testing.T, name string, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	if err := WriteWAV(f, samples, testRate, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

// bursts alternates 200ms of tone with 200ms of silence.
func bursts(seconds float64) []int {
	n := int(seconds * testRate)
	out := make([]int, n)
	for i := range out {
		if (i/(testRate/5))%2 == 0 {
			out[i] = int(12000 * math.Sin(2*math.Pi*220*float64(i)/testRate))
		}
	}
	return out
}

func hiss(seconds float64) []int {
	r := rand.New(rand.NewSource(7))
	n := int(seconds * testRate)
	out := make([]int, n)
	for i := range out {
		out[i] = r.Intn(8000) - 4000
	}
	return out
}

func TestExtractSpeechLikeInput(t *testing.T) {
	path := writeTestWAV(t, "speech.wav", bursts(2))
	feats, err := NewWAVExtractor(20).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if math.Abs(feats.DurationSeconds-2) > 0.01 {
		t.Fatalf("expected 2s duration, got %v", feats.DurationSeconds)
	}
	if feats.SampleRate != testRate || feats.Channels != 1 {
		t.Fatalf("unexpected format: %+v", feats)
	}
	if feats.NoiseEstimate > 0.2 {
		t.Fatalf("expected low noise for gated tone, got %v", feats.NoiseEstimate)
	}
	if feats.ComplexityEstimate <= 0 || feats.ComplexityEstimate > 1 {
		t.Fatalf("complexity out of range: %v", feats.ComplexityEstimate)
	}
}

func TestExtractNoisyInput(t *testing.T) {
	path := writeTestWAV(t, "hiss.wav", hiss(2))
	feats, err := NewWAVExtractor(20).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if feats.NoiseEstimate < 0.6 {
		t.Fatalf("expected stationary hiss to read as noisy, got %v", feats.NoiseEstimate)
	}
}

func TestExtractSilence(t *testing.T) {
	path := writeTestWAV(t, "silence.wav", make([]int, testRate))
	feats, err := NewWAVExtractor(20).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if feats.NoiseEstimate != 0 || feats.ComplexityEstimate != 0 {
		t.Fatalf("expected zero estimates for silence, got %+v", feats)
	}
}

func TestExtractRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewWAVExtractor(20).Extract(context.Background(), path); !errors.Is(err, ErrFeatureExtraction) {
		t.Fatalf("expected ErrFeatureExtraction, got %v", err)
	}
	if _, err := NewWAVExtractor(20).Extract(context.Background(), filepath.Join(t.TempDir(), "missing.wav")); !errors.Is(err, ErrFeatureExtraction) {
		t.Fatalf("expected ErrFeatureExtraction for missing file, got %v", err)
	}
}

func TestFingerprintTracksContent(t *testing.T) {
	samples := bursts(1)
	a := writeTestWAV(t, "a.wav", samples)
	b := writeTestWAV(t, "b.wav", samples)
	c := writeTestWAV(t, "c.wav", hiss(1))

	fa, err := FingerprintFile(a)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fb, err := FingerprintFile(b)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fc, err := FingerprintFile(c)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fa != fb {
		t.Fatalf("identical content must share a fingerprint")
	}
	if fa == fc {
		t.Fatalf("different content must not share a fingerprint")
	}
	if _, err := FingerprintFile(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
