package stt

import (
	"context"
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/loqalabs/loqa-scribe/internal/policy"
)

// ErrBackend wraps every failure reported by a recognizer invocation.
var ErrBackend = errors.New("recognition backend failed")

type Word struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type Segment struct {
	Start         float64  `json:"start"`
	End           float64  `json:"end"`
	Text          string   `json:"text"`
	AvgConfidence *float64 `json:"avg_confidence,omitempty"`
	Words         []Word   `json:"words,omitempty"`
}

// Result is the raw transcript produced by one tier.
type Result struct {
	Text          string    `json:"text"`
	Language      string    `json:"language,omitempty"`
	Segments      []Segment `json:"segments"`
	RawConfidence *float64  `json:"confidence,omitempty"`
}

// Params are caller options that change recognizer output.
type Params struct {
	Language string            `json:"language,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Hash is stable across map iteration order.
func (p Params) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString("language=")
	_, _ = d.WriteString(p.Language)
	keys := make([]string, 0, len(p.Options))
	for k := range p.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(p.Options[k])
	}
	return d.Sum64()
}

// Request is a single recognition call at one tier.
type Request struct {
	AudioPath       string
	DurationSeconds float64
	Tier            policy.Tier
	Rank            int
	Params          Params
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

func Float(v float64) *float64 { return &v }
