package escalation

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/quality"
)

// Action is the engine's verdict on the latest attempt.
type Action string

const (
	ActionAccept               Action = "accept"
	ActionEscalate             Action = "escalate"
	ActionStopRegression       Action = "stop_regression"
	ActionStopAlreadyAttempted Action = "stop_already_attempted"
	ActionStopLimitReached     Action = "stop_limit_reached"
	ActionStopBackendFailure   Action = "stop_backend_failure"
	ActionStopAborted          Action = "stop_aborted"
	ActionStopInvocationCap    Action = "stop_invocation_cap"
)

// IsTerminal reports whether the job ends on this action.
func (a Action) IsTerminal() bool {
	return a != ActionEscalate
}

// Reason codes attached to decisions.
const (
	ReasonExcellentConfidence  = "excellent_confidence"
	ReasonExcellentQuality     = "excellent_quality"
	ReasonQualityRegression    = "quality_regression"
	ReasonTierAlreadyAttempted = "tier_already_attempted"
	ReasonEscalationLimit      = "escalation_limit"
	ReasonMeetsTierThreshold   = "meets_tier_threshold"
	ReasonBelowTierThreshold   = "below_tier_threshold"
	ReasonBestEffortFinalTier  = "best_effort_final_tier"
	ReasonBackendFailure       = "backend_failure"
	ReasonAborted              = "aborted"
	ReasonInvocationCap        = "invocation_cap"
)

// NoSelection marks a decision with no usable attempt.
const NoSelection = -1

type Decision struct {
	Action   Action `json:"action"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	NextTier string `json:"next_tier,omitempty"`
	// Selected indexes the attempt whose output the job returns.
	Selected int `json:"selected_attempt"`
}

// AttemptRecord is one entry of the escalation history. Records are appended
// with their decision already set and never change afterwards.
type AttemptRecord struct {
	Sequence     int             `json:"sequence"`
	Tier         string          `json:"tier"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration_ns"`
	Metrics      quality.Metrics `json:"metrics"`
	Retries      int             `json:"retries"`
	CacheOutcome string          `json:"cache_outcome,omitempty"`
	Error        string          `json:"error,omitempty"`
	Decision     Decision        `json:"decision"`
}

// Failed reports whether the backend produced no usable output.
func (r AttemptRecord) Failed() bool {
	return r.Error != ""
}

type History []AttemptRecord

func (h History) Attempted(tier string) bool {
	for _, r := range h {
		if r.Tier == tier {
			return true
		}
	}
	return false
}

// Escalations counts tier changes so far.
func (h History) Escalations() int {
	if len(h) == 0 {
		return 0
	}
	return len(h) - 1
}

// Best returns the successful attempt with the highest overall score, the
// earliest one on ties, or NoSelection.
func (h History) Best() int {
	best := NoSelection
	for i, r := range h {
		if r.Failed() {
			continue
		}
		if best == NoSelection || r.Metrics.OverallQualityScore > h[best].Metrics.OverallQualityScore {
			best = i
		}
	}
	return best
}
