// Package effect applies authored effects to live mission state. Internal
// effects go through the fixed Mutator surface; external effects resolve a
// dependency-gated argument bundle and hand the same surface, plus an
// outbound call capability, to an opaque script.
package effect

import (
	"context"
	"fmt"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

// Mutator is the complete mutation surface effects may touch. The session
// actor implements it against the invoking force's instance tree; scripts
// receive exactly the same surface, so external effects are a strict
// superset of internal ones, not a separate mutation path.
type Mutator interface {
	// BlockNode sets or clears a node's blocked flag.
	BlockNode(nodeID string, blocked bool) error
	// OpenNode opens or closes a node, revealing descendants when opening.
	OpenNode(nodeID string, open bool, revealDepth int) error
	// AdjustAction shifts an action value; an empty actionID targets every
	// action on the node. Process-time deltas are in seconds.
	AdjustAction(nodeID, actionID string, field domain.ActionField, delta float64) error
	// AdjustPool shifts a force's resource pool; an empty forceID targets
	// the invoking force.
	AdjustPool(forceID string, delta float64) error
	// PostOutput appends an entry to the invoking force's output log.
	PostOutput(output domain.Output) error
	// GrantFile grants or revokes a force's file access; an empty forceID
	// targets the invoking force.
	GrantFile(forceID, fileID string, granted bool) error
}

// ApplyInternal dispatches one internal effect target onto the mutator.
// The switch is exhaustive over the closed target set.
func ApplyInternal(m Mutator, eff domain.InternalEffect) error {
	switch target := eff.Target.(type) {
	case domain.NodeBlockTarget:
		return m.BlockNode(target.NodeID, target.Blocked)
	case domain.NodeOpenTarget:
		return m.OpenNode(target.NodeID, target.Open, target.RevealDepth)
	case domain.ActionValueTarget:
		return m.AdjustAction(target.NodeID, target.ActionID, target.Field, target.Delta)
	case domain.ResourcePoolTarget:
		return m.AdjustPool(target.ForceID, target.Delta)
	case domain.OutputPostTarget:
		return m.PostOutput(target.Output)
	case domain.FileAccessTarget:
		return m.GrantFile(target.ForceID, target.FileID, target.Granted)
	default:
		return fmt.Errorf("unknown internal effect target %T", eff.Target)
	}
}

// Context is the environment an external-effect script runs against.
type Context struct {
	// EnvironmentID names the external target environment.
	EnvironmentID string
	// Args is the resolved, gated argument bundle.
	Args Bundle
	// Warnings carries stale-reference notices surfaced during resolution.
	Warnings []Warning
	// Mutator is the mission mutation surface, identical to internal effects.
	Mutator Mutator
	// Call sends an outbound payload to the external environment.
	Call func(ctx context.Context, payload map[string]any) error
}

// Runner executes an opaque external-effect script against a context.
type Runner interface {
	Run(ctx context.Context, scriptRef string, ec *Context) error
}
