// Package execution models timed action executions. The terminal outcome
// is drawn once, at start, from a seeded generator; the deadline only
// applies an outcome that is already decided. This keeps resolution
// deterministic for every observer regardless of when they joined.
package execution

import (
	"math/rand"
	"time"
)

// Outcome is the terminal result of an action execution.
type Outcome string

const (
	// OutcomePending means the execution timer has not elapsed yet.
	OutcomePending Outcome = "pending"
	// OutcomeSucceeded means the start-time draw cleared the success chance.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the start-time draw missed the success chance.
	OutcomeFailed Outcome = "failed"
)

// Execution is a transient record of one running action.
type Execution struct {
	ID       string
	ForceID  string
	NodeID   string
	ActionID string
	Start    time.Time
	// End is Start plus the effective process time.
	End time.Time
	// SuccessChance, ProcessTime and ResourceCost are the effective values
	// captured at start; later overrides do not retouch a running execution.
	SuccessChance float64
	ProcessTime   time.Duration
	ResourceCost  float64
	// Resolved is the outcome drawn at start. It is never re-rolled.
	Resolved Outcome
}

// Remaining returns the time left until the deadline at the given instant.
func (e Execution) Remaining(now time.Time) time.Duration {
	left := e.End.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Due reports whether the deadline has elapsed at the given instant.
func (e Execution) Due(now time.Time) bool {
	return !now.Before(e.End)
}

// Roll draws the terminal outcome for a success chance using the provided
// generator. Given the same generator state and chance, Roll always returns
// the same outcome.
func Roll(rng *rand.Rand, successChance float64) Outcome {
	if successChance >= 1 {
		return OutcomeSucceeded
	}
	if successChance <= 0 {
		return OutcomeFailed
	}
	if rng.Float64() < successChance {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}

// New builds an execution record with the outcome pre-drawn.
func New(id, forceID, nodeID, actionID string, start time.Time, successChance float64, processTime time.Duration, resourceCost float64, rng *rand.Rand) Execution {
	return Execution{
		ID:            id,
		ForceID:       forceID,
		NodeID:        nodeID,
		ActionID:      actionID,
		Start:         start,
		End:           start.Add(processTime),
		SuccessChance: successChance,
		ProcessTime:   processTime,
		ResourceCost:  resourceCost,
		Resolved:      Roll(rng, successChance),
	}
}
