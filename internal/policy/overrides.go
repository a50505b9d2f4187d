package policy

// Overrides are the preset options a single job may carry. Unset fields keep
// the value of the policy they are applied to.
type Overrides struct {
	MaxEscalations            *int               `yaml:"max_escalations" json:"max_escalations,omitempty"`
	ConfidenceAcceptThreshold *float64           `yaml:"confidence_accept_threshold" json:"confidence_accept_threshold,omitempty"`
	QualityAcceptThreshold    *float64           `yaml:"quality_accept_threshold" json:"quality_accept_threshold,omitempty"`
	PerTierThresholds         map[string]float64 `yaml:"per_tier_thresholds" json:"per_tier_thresholds,omitempty"`
	MinGapSeconds             *float64           `yaml:"min_gap_seconds" json:"min_gap_seconds,omitempty"`
	MaxGapSeconds             *float64           `yaml:"max_gap_seconds" json:"max_gap_seconds,omitempty"`
	TemporalFloor             *float64           `yaml:"temporal_floor" json:"temporal_floor,omitempty"`
	TemporalDefault           *float64           `yaml:"temporal_default" json:"temporal_default,omitempty"`
}

// Apply layers o on a copy of base and validates the result. The copy keeps
// base's version. A nil receiver returns base unchanged.
func (o *Overrides) Apply(base *Policy) (*Policy, error) {
	if o == nil {
		return base, nil
	}
	p := base.clone()
	if o.MaxEscalations != nil {
		p.MaxEscalations = *o.MaxEscalations
	}
	if o.ConfidenceAcceptThreshold != nil {
		p.ConfidenceAcceptThreshold = *o.ConfidenceAcceptThreshold
	}
	if o.QualityAcceptThreshold != nil {
		p.QualityAcceptThreshold = *o.QualityAcceptThreshold
	}
	if len(o.PerTierThresholds) > 0 {
		if p.PerTierThresholds == nil {
			p.PerTierThresholds = make(map[string]float64, len(o.PerTierThresholds))
		}
		for tier, v := range o.PerTierThresholds {
			p.PerTierThresholds[tier] = v
		}
	}
	if o.MinGapSeconds != nil {
		p.MinGapSeconds = *o.MinGapSeconds
	}
	if o.MaxGapSeconds != nil {
		p.MaxGapSeconds = *o.MaxGapSeconds
	}
	if o.TemporalFloor != nil {
		p.TemporalFloor = *o.TemporalFloor
	}
	if o.TemporalDefault != nil {
		p.TemporalDefault = *o.TemporalDefault
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
