// Package escalation decides, attempt by attempt, whether a transcription job
// keeps its output or moves one tier up the model ladder.
package escalation

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/policy"
)

// Engine evaluates histories against one policy snapshot. It holds no state
// of its own and is safe for concurrent use.
type Engine struct {
	policy *policy.Policy
}

func NewEngine(p *policy.Policy) Engine {
	return Engine{policy: p}
}

// Decide judges the last record of h. Guards run in this order:
//
//  1. quality regression against the previous attempt
//  2. early acceptance on confidence, then on overall quality
//  3. the per-tier threshold
//
// An attempt below its threshold, or one that failed, escalates one rung
// unless the next tier was already attempted or the escalation limit is used
// up. A failed attempt skips guards 1 to 3.
//
// Regression runs first so that a drop in overall quality always returns the
// earlier attempt, even when the later one would clear an acceptance bar.
// The limit and repeat guards sit on the escalation path only. An attempt
// that clears its bar at the limit is still accepted, and a history can
// never exceed max_escalations+1 records or repeat a tier.
func (e Engine) Decide(h History) Decision {
	if len(h) == 0 {
		return Decision{Action: ActionStopBackendFailure, Reason: ReasonBackendFailure, Detail: "no attempts", Selected: NoSelection}
	}
	p := e.policy
	idx := len(h) - 1
	cur := h[idx]
	m := cur.Metrics
	next, hasNext := p.Tiers.Next(cur.Tier)

	if cur.Failed() {
		if !hasNext {
			return Decision{
				Action:   ActionStopBackendFailure,
				Reason:   ReasonBackendFailure,
				Detail:   fmt.Sprintf("%s failed with no higher tier: %s", cur.Tier, cur.Error),
				Selected: h.Best(),
			}
		}
		return e.escalate(h, next, ReasonBackendFailure, fmt.Sprintf("%s failed: %s", cur.Tier, cur.Error))
	}

	if idx > 0 && !h[idx-1].Failed() {
		prev := h[idx-1]
		if prev.Metrics.OverallQualityScore > m.OverallQualityScore {
			return Decision{
				Action:   ActionStopRegression,
				Reason:   ReasonQualityRegression,
				Detail:   fmt.Sprintf("%s scored %.3f, below %s at %.3f", cur.Tier, m.OverallQualityScore, prev.Tier, prev.Metrics.OverallQualityScore),
				Selected: idx - 1,
			}
		}
	}
	if m.ConfidenceScore >= p.ConfidenceAcceptThreshold {
		return Decision{
			Action:   ActionAccept,
			Reason:   ReasonExcellentConfidence,
			Detail:   fmt.Sprintf("confidence %.3f >= %.3f", m.ConfidenceScore, p.ConfidenceAcceptThreshold),
			Selected: idx,
		}
	}
	if m.OverallQualityScore >= p.QualityAcceptThreshold {
		return Decision{
			Action:   ActionAccept,
			Reason:   ReasonExcellentQuality,
			Detail:   fmt.Sprintf("quality %.3f >= %.3f", m.OverallQualityScore, p.QualityAcceptThreshold),
			Selected: idx,
		}
	}

	threshold := p.Threshold(cur.Tier)
	if m.OverallQualityScore >= threshold {
		return Decision{
			Action:   ActionAccept,
			Reason:   ReasonMeetsTierThreshold,
			Detail:   fmt.Sprintf("quality %.3f >= %s threshold %.3f", m.OverallQualityScore, cur.Tier, threshold),
			Selected: idx,
		}
	}
	if !hasNext {
		return Decision{
			Action:   ActionAccept,
			Reason:   ReasonBestEffortFinalTier,
			Detail:   fmt.Sprintf("quality %.3f < %s threshold %.3f on the top tier", m.OverallQualityScore, cur.Tier, threshold),
			Selected: h.Best(),
		}
	}
	return e.escalate(h, next, ReasonBelowTierThreshold,
		fmt.Sprintf("quality %.3f < %s threshold %.3f", m.OverallQualityScore, cur.Tier, threshold))
}

func (e Engine) escalate(h History, next policy.Tier, reason, detail string) Decision {
	if h.Attempted(next.Name) {
		return Decision{
			Action:   ActionStopAlreadyAttempted,
			Reason:   ReasonTierAlreadyAttempted,
			Detail:   fmt.Sprintf("tier %s already attempted", next.Name),
			Selected: h.Best(),
		}
	}
	if h.Escalations() >= e.policy.MaxEscalations {
		return Decision{
			Action:   ActionStopLimitReached,
			Reason:   ReasonEscalationLimit,
			Detail:   fmt.Sprintf("%d of %d escalations used; %s", h.Escalations(), e.policy.MaxEscalations, detail),
			Selected: h.Best(),
		}
	}
	return Decision{
		Action:   ActionEscalate,
		Reason:   reason,
		Detail:   detail,
		NextTier: next.Name,
		Selected: h.Best(),
	}
}
