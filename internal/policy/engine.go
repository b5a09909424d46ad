// Package policy decides, per classified reply, whether to auto-respond,
// escalate to a human, or drop.
package policy

import (
	"github.com/brandon/smartreach/pkg/types"
)

// Decision is the policy verdict for one reply
type Decision string

const (
	// Drop marks the reply processed with no response and no notification
	Drop Decision = "drop"
	// AutoReply dispatches the suggested reply automatically
	AutoReply Decision = "auto-reply"
	// Escalate creates a pending escalation and withholds the auto-send
	Escalate Decision = "escalate"
)

// Outcome is a decision plus the escalation reason when applicable
type Outcome struct {
	Decision Decision
	Reason   string
}

// Engine evaluates the escalation policy. The same inputs always produce
// the same outcome.
type Engine struct {
	autoConfidenceThreshold float64
	maxAutoTurnsPerThread   int
}

// NewEngine creates a policy engine with the configured thresholds
func NewEngine(autoConfidenceThreshold float64, maxAutoTurnsPerThread int) *Engine {
	return &Engine{
		autoConfidenceThreshold: autoConfidenceThreshold,
		maxAutoTurnsPerThread:   maxAutoTurnsPerThread,
	}
}

// Evaluate decides the fate of one classified reply. autoReplies is the
// number of automatic responses already sent on the thread;
// pendingEscalation reports whether the thread is already awaiting a human.
// A nil classification means the classifier was unavailable.
func (e *Engine) Evaluate(c *types.Classification, autoReplies int, pendingEscalation bool) Outcome {
	if c == nil || c.Intent == types.IntentUnknown {
		return Outcome{Decision: Escalate, Reason: types.ReasonUnavailable}
	}

	if c.Intent == types.IntentSpam {
		return Outcome{Decision: Drop}
	}

	// A thread already awaiting human review never receives automated
	// responses; the human owns it until the escalation resolves.
	if pendingEscalation {
		return Outcome{Decision: Escalate, Reason: types.ReasonPendingEscalation}
	}

	if c.Intent == types.IntentObjection {
		return Outcome{Decision: Escalate, Reason: types.ReasonObjection}
	}

	if c.Confidence < e.autoConfidenceThreshold {
		return Outcome{Decision: Escalate, Reason: types.ReasonLowConfidence}
	}

	if autoReplies >= e.maxAutoTurnsPerThread {
		return Outcome{Decision: Escalate, Reason: types.ReasonMaxAutoTurns}
	}

	if c.SuggestedReply == "" {
		return Outcome{Decision: Escalate, Reason: types.ReasonLowConfidence}
	}

	return Outcome{Decision: AutoReply}
}
