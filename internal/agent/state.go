// Package agent runs the think, act, observe loop for one query.
package agent

import (
	"time"

	"github.com/lydakis/toolgate/internal/session"
)

// Conversation types are shared with the session store.
type (
	State         = session.State
	Message       = session.Message
	ActionRequest = session.ActionRequest
)

// Phase of the loop state machine.
type Phase string

const (
	PhaseAwaitingModel    Phase = "awaiting-model"
	PhaseExecutingActions Phase = "executing-actions"
	PhaseDone             Phase = "done"
	PhaseAborted          Phase = "aborted"
)

func (p Phase) terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// Budget bounds one query. A step is one model call.
type Budget struct {
	MaxSteps int
	Steps    int
	// Deadline is optional.
	Deadline time.Time
}

// Exhausted reports whether another model call is allowed at now.
func (b Budget) Exhausted(now time.Time) bool {
	if b.Steps >= b.MaxSteps {
		return true
	}
	return b.Expired(now)
}

// Expired reports whether the deadline, if any, has passed at now.
func (b Budget) Expired(now time.Time) bool {
	return !b.Deadline.IsZero() && !now.Before(b.Deadline)
}

// Query is one user request.
type Query struct {
	// SessionID selects the conversation. Empty runs without persistence.
	SessionID string
	Text      string
	// MaxSteps overrides the loop default when positive.
	MaxSteps int
	// Timeout bounds the whole query when positive, overriding the loop's
	// query timeout.
	Timeout time.Duration
}

// Result is the outcome of a query.
type Result struct {
	SessionID string
	Phase     Phase
	Answer    string
	// BudgetExhausted marks an aborted query whose answer is partial.
	BudgetExhausted bool
	// TimedOut narrows BudgetExhausted to the query deadline passing.
	TimedOut bool
	// Canceled is set when the caller cancelled the query.
	Canceled bool
	// ModelError holds the model failure that aborted the query, if any.
	ModelError string
	Steps      int
	Actions    int
}
