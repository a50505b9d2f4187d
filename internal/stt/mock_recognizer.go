package stt

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// mockRecognizer fabricates a transcript whose confidence rises with tier rank.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = 3
	}
	conf := math.Min(0.55+0.12*float64(req.Rank), 0.97)

	const span = 3.0
	var segments []Segment
	var text []string
	for start := 0.0; start < duration; start += span {
		end := math.Min(start+span-0.2, duration)
		if end <= start {
			break
		}
		words := make([]Word, 0, 3)
		step := (end - start) / 3
		for i := 0; i < 3; i++ {
			w := fmt.Sprintf("w%d", len(segments)*3+i)
			words = append(words, Word{
				Start:      start + float64(i)*step,
				End:        start + float64(i+1)*step,
				Text:       w,
				Confidence: Float(conf),
			})
			text = append(text, w)
		}
		segments = append(segments, Segment{
			Start:         start,
			End:           end,
			Text:          strings.Join(text[len(text)-3:], " "),
			AvgConfidence: Float(conf),
			Words:         words,
		})
	}
	return Result{
		Text:     fmt.Sprintf("[%s] %s", req.Tier.Name, strings.Join(text, " ")),
		Language: req.Params.Language,
		Segments: segments,
	}, nil
}
