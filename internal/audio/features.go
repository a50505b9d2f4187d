package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/go-audio/wav"
)

// ErrFeatureExtraction is returned when an input cannot be analysed.
var ErrFeatureExtraction = errors.New("audio feature extraction failed")

// Features summarises an input for tier pre-selection.
type Features struct {
	DurationSeconds    float64 `json:"duration_seconds"`
	SampleRate         int     `json:"sample_rate"`
	Channels           int     `json:"channels"`
	ComplexityEstimate float64 `json:"complexity_estimate"`
	NoiseEstimate      float64 `json:"noise_estimate"`
}

type Extractor interface {
	Extract(ctx context.Context, path string) (Features, error)
}

// WAVExtractor derives features from frame energy and zero-crossing statistics.
type WAVExtractor struct {
	frameMS int
}

func NewWAVExtractor(frameMS int) *WAVExtractor {
	if frameMS <= 0 {
		frameMS = 20
	}
	return &WAVExtractor{frameMS: frameMS}
}

func (e *WAVExtractor) Extract(ctx context.Context, path string) (Features, error) {
	f, err := os.Open(path)
	if err != nil {
		return Features{}, fmt.Errorf("%w: %v", ErrFeatureExtraction, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Features{}, fmt.Errorf("%w: %s is not a valid wav file", ErrFeatureExtraction, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Features{}, fmt.Errorf("%w: decode pcm: %v", ErrFeatureExtraction, err)
	}
	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if channels <= 0 || rate <= 0 {
		return Features{}, fmt.Errorf("%w: invalid format %d Hz x %d", ErrFeatureExtraction, rate, channels)
	}
	scale := math.Exp2(float64(dec.BitDepth) - 1)
	if scale <= 0 {
		scale = 32768
	}

	frames := len(buf.Data) / channels
	feats := Features{
		DurationSeconds: float64(frames) / float64(rate),
		SampleRate:      rate,
		Channels:        channels,
	}

	frameLen := rate * e.frameMS / 1000
	if frameLen <= 0 || frames < frameLen {
		return feats, nil
	}
	var energies, crossings []float64
	for start := 0; start+frameLen <= frames; start += frameLen {
		if len(energies)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Features{}, err
			}
		}
		var sum float64
		var zc int
		prev := 0.0
		for i := start; i < start+frameLen; i++ {
			var mono float64
			for c := 0; c < channels; c++ {
				mono += float64(buf.Data[i*channels+c])
			}
			mono /= float64(channels) * scale
			sum += mono * mono
			if i > start && (mono >= 0) != (prev >= 0) {
				zc++
			}
			prev = mono
		}
		energies = append(energies, math.Sqrt(sum/float64(frameLen)))
		crossings = append(crossings, float64(zc)/float64(frameLen))
	}

	loud := percentile(energies, 0.9)
	if loud < 1e-4 {
		return feats, nil
	}
	feats.NoiseEstimate = clamp(percentile(energies, 0.1) / loud)

	zcrSpread := math.Min(stddev(crossings)*4, 1)
	energySpread := math.Min(stddev(energies)/mean(energies)/2, 1)
	feats.ComplexityEstimate = clamp(0.5*zcrSpread + 0.5*energySpread)
	return feats, nil
}

func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[int(q*float64(len(sorted)-1))]
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	m := mean(values)
	var acc float64
	for _, v := range values {
		acc += (v - m) * (v - m)
	}
	return math.Sqrt(acc / float64(len(values)))
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
