package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks every policy validation failure.
var ErrConfiguration = errors.New("invalid escalation policy")

// ConfigurationError names the offending field of a rejected policy.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type Weights struct {
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Temporal   float64 `yaml:"temporal" json:"temporal"`
	Coverage   float64 `yaml:"coverage" json:"coverage"`
}

// Preselect tunes the initial tier recommendation.
type Preselect struct {
	ShortSeconds   float64 `yaml:"short_seconds" json:"short_seconds"`
	LongSeconds    float64 `yaml:"long_seconds" json:"long_seconds"`
	HighComplexity float64 `yaml:"high_complexity" json:"high_complexity"`
	HighNoise      float64 `yaml:"high_noise" json:"high_noise"`
	ModerateNoise  float64 `yaml:"moderate_noise" json:"moderate_noise"`
}

// Policy is the immutable configuration consulted by a job. Obtain one from a
// Store; a policy handed out by Current must not be modified.
type Policy struct {
	Version int64 `yaml:"-" json:"version"`

	Tiers             Ladder             `yaml:"tiers" json:"tiers"`
	PerTierThresholds map[string]float64 `yaml:"per_tier_thresholds" json:"per_tier_thresholds,omitempty"`

	MaxEscalations            int       `yaml:"max_escalations" json:"max_escalations"`
	ConfidenceAcceptThreshold float64   `yaml:"confidence_accept_threshold" json:"confidence_accept_threshold"`
	QualityAcceptThreshold    float64   `yaml:"quality_accept_threshold" json:"quality_accept_threshold"`
	MinGapSeconds             float64   `yaml:"min_gap_seconds" json:"min_gap_seconds"`
	MaxGapSeconds             float64   `yaml:"max_gap_seconds" json:"max_gap_seconds"`
	TemporalFloor             float64   `yaml:"temporal_floor" json:"temporal_floor"`
	TemporalDefault           float64   `yaml:"temporal_default" json:"temporal_default"`
	ConfidenceDefault         float64   `yaml:"confidence_default" json:"confidence_default"`
	Weights                   Weights   `yaml:"weights" json:"weights"`
	MaxRetries                int       `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelayMS          int       `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	AttemptTimeoutMS          int       `yaml:"attempt_timeout_ms" json:"attempt_timeout_ms"`
	JobTimeoutMS              int       `yaml:"job_timeout_ms" json:"job_timeout_ms"`
	MaxInvocations            int       `yaml:"max_invocations" json:"max_invocations"`
	Preselect                 Preselect `yaml:"preselect" json:"preselect"`
}

// Default returns the production ladder and thresholds.
func Default() Policy {
	return Policy{
		Tiers: Ladder{
			{Name: "tiny", Model: "tiny", Cost: 1, Threshold: 0.65},
			{Name: "small", Model: "small", Cost: 2, Threshold: 0.70},
			{Name: "medium", Model: "medium", Cost: 4, Threshold: 0.75},
			{Name: "large", Model: "large-v3", Cost: 8, Threshold: 0.80},
		},
		MaxEscalations:            1,
		ConfidenceAcceptThreshold: 0.85,
		QualityAcceptThreshold:    0.80,
		MinGapSeconds:             -0.5,
		MaxGapSeconds:             15,
		TemporalFloor:             0.3,
		TemporalDefault:           0.7,
		ConfidenceDefault:         0.5,
		Weights:                   Weights{Confidence: 0.5, Temporal: 0.3, Coverage: 0.2},
		MaxRetries:                2,
		RetryBaseDelayMS:          250,
		AttemptTimeoutMS:          120000,
		JobTimeoutMS:              600000,
		Preselect: Preselect{
			ShortSeconds:   30,
			LongSeconds:    600,
			HighComplexity: 0.6,
			HighNoise:      0.6,
			ModerateNoise:  0.4,
		},
	}
}

// Load reads a YAML preset on top of Default and validates the result.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read preset: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse preset: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

var tierName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate rejects inconsistent policies with a *ConfigurationError.
func (p *Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return invalid("tiers", "must list at least one tier")
	}
	seen := make(map[string]struct{}, len(p.Tiers))
	for i, t := range p.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if !tierName.MatchString(t.Name) {
			return invalid(field+".name", "must be a non-empty token of letters, digits, '-' or '_'")
		}
		if _, dup := seen[t.Name]; dup {
			return invalid(field+".name", "duplicates tier %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Cost <= 0 {
			return invalid(field+".cost", "must be positive")
		}
		if i > 0 && t.Cost < p.Tiers[i-1].Cost {
			return invalid(field+".cost", "must not be lower than tier %q", p.Tiers[i-1].Name)
		}
		if !unit(t.Threshold) {
			return invalid(field+".threshold", "must be within [0,1]")
		}
	}
	for name, v := range p.PerTierThresholds {
		if _, ok := seen[name]; !ok {
			return invalid("per_tier_thresholds."+name, "references an unknown tier")
		}
		if !unit(v) {
			return invalid("per_tier_thresholds."+name, "must be within [0,1]")
		}
	}
	for i := 1; i < len(p.Tiers); i++ {
		lower, upper := p.Tiers[i-1].Name, p.Tiers[i].Name
		if p.Threshold(lower) > p.Threshold(upper) {
			return invalid("per_tier_thresholds."+lower, "exceeds the threshold of higher tier %q", upper)
		}
	}
	if p.MaxEscalations < 0 {
		return invalid("max_escalations", "must be non-negative")
	}
	if !unit(p.ConfidenceAcceptThreshold) || p.ConfidenceAcceptThreshold == 0 {
		return invalid("confidence_accept_threshold", "must be within (0,1]")
	}
	if !unit(p.QualityAcceptThreshold) || p.QualityAcceptThreshold == 0 {
		return invalid("quality_accept_threshold", "must be within (0,1]")
	}
	if p.MinGapSeconds >= p.MaxGapSeconds {
		return invalid("min_gap_seconds", "must be below max_gap_seconds")
	}
	if !unit(p.TemporalFloor) {
		return invalid("temporal_floor", "must be within [0,1]")
	}
	if !unit(p.TemporalDefault) || p.TemporalDefault == 0 {
		return invalid("temporal_default", "must be within (0,1]")
	}
	if !unit(p.ConfidenceDefault) || p.ConfidenceDefault == 0 {
		return invalid("confidence_default", "must be within (0,1]")
	}
	w := p.Weights
	if w.Confidence < 0 || w.Temporal < 0 || w.Coverage < 0 {
		return invalid("weights", "must be non-negative")
	}
	if math.Abs(w.Confidence+w.Temporal+w.Coverage-1) > 1e-6 {
		return invalid("weights", "must sum to 1")
	}
	if p.MaxRetries < 0 {
		return invalid("max_retries", "must be non-negative")
	}
	if p.RetryBaseDelayMS < 0 {
		return invalid("retry_base_delay_ms", "must be non-negative")
	}
	if p.AttemptTimeoutMS <= 0 {
		return invalid("attempt_timeout_ms", "must be positive")
	}
	if p.JobTimeoutMS <= 0 {
		return invalid("job_timeout_ms", "must be positive")
	}
	if p.MaxInvocations < 0 {
		return invalid("max_invocations", "must be non-negative")
	}
	if p.MaxInvocations > 0 && p.MaxInvocations < p.MaxEscalations+1 {
		return invalid("max_invocations", "must allow max_escalations+1 attempts")
	}
	ps := p.Preselect
	if ps.ShortSeconds <= 0 || ps.LongSeconds <= ps.ShortSeconds {
		return invalid("preselect", "requires 0 < short_seconds < long_seconds")
	}
	if !unit(ps.HighComplexity) || !unit(ps.HighNoise) || !unit(ps.ModerateNoise) {
		return invalid("preselect", "complexity and noise cut-offs must be within [0,1]")
	}
	if ps.ModerateNoise > ps.HighNoise {
		return invalid("preselect.moderate_noise", "must not exceed high_noise")
	}
	return nil
}

// Threshold returns the acceptance bar for a tier, honouring overrides.
func (p *Policy) Threshold(tier string) float64 {
	if v, ok := p.PerTierThresholds[tier]; ok {
		return v
	}
	if t, ok := p.Tiers.Lookup(tier); ok {
		return t.Threshold
	}
	return 1
}

// InvocationCap is the most attempts a job may make.
func (p *Policy) InvocationCap() int {
	if p.MaxInvocations > 0 {
		return p.MaxInvocations
	}
	return p.MaxEscalations + 1
}

func (p *Policy) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutMS) * time.Millisecond
}

func (p *Policy) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutMS) * time.Millisecond
}

func (p *Policy) RetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMS) * time.Millisecond
}

func (p Policy) clone() Policy {
	out := p
	out.Tiers = append(Ladder(nil), p.Tiers...)
	if p.PerTierThresholds != nil {
		out.PerTierThresholds = make(map[string]float64, len(p.PerTierThresholds))
		for k, v := range p.PerTierThresholds {
			out.PerTierThresholds[k] = v
		}
	}
	return out
}

func unit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
