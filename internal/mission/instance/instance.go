// Package instance holds the live, per-force projection of the authored
// mission: node instances, resource pools, output logs and the
// progressive-reveal visibility sets. All state here is owned and mutated
// exclusively by the session actor.
package instance

import (
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

// ActionOverride carries per-action deltas applied on top of the prototype
// base values. Stored deltas are pre-clamped so the effective value always
// sits inside domain bounds.
type ActionOverride struct {
	ChanceDelta float64
	TimeDelta   time.Duration
	CostDelta   float64
}

// NodeInstance is the live, per-force projection of one prototype.
type NodeInstance struct {
	PrototypeID string
	ForceID     string
	Opened      bool
	Blocked     bool
	// ExecutionID is non-empty while an action execution is running on
	// this node. At most one execution is active per node.
	ExecutionID string
	// Overrides maps action id to its live delta set.
	Overrides map[string]ActionOverride
	// PreMessage is shown before executions; seeded from the prototype.
	PreMessage string
}

// Idle reports whether no execution is running on the node.
func (n *NodeInstance) Idle() bool {
	return n != nil && n.ExecutionID == ""
}

// OutputEntry is one item in a force's ordered output log.
type OutputEntry struct {
	ID     string
	At     time.Time
	Output domain.Output
}

// Force is a team's live state: resource pool, node instance subtree,
// output log, file grants and visibility projection.
type Force struct {
	ID   string
	Name string
	Pool float64
	// Nodes is the arena of node instances keyed by prototype id.
	Nodes map[string]*NodeInstance
	// Output is the ordered output log.
	Output []OutputEntry
	// FileGrants marks mission files this force may read.
	FileGrants map[string]bool
	// visible is the derived visibility projection (prototype ids).
	visible map[string]bool
	// pinned records prototypes revealed beyond direct children by action
	// outcomes; they stay visible while an ancestor chain remains visible.
	pinned map[string]bool
}

// Visible reports whether the prototype is in the force's visible set.
func (f *Force) Visible(prototypeID string) bool {
	return f != nil && f.visible[prototypeID]
}

// VisibleIDs returns a copy of the force's visible prototype id set.
func (f *Force) VisibleIDs() map[string]bool {
	out := make(map[string]bool, len(f.visible))
	for id := range f.visible {
		out[id] = true
	}
	return out
}

// EffectiveAction is an action's live values after overrides and clamping.
type EffectiveAction struct {
	Template      domain.ActionTemplate
	SuccessChance float64
	ProcessTime   time.Duration
	ResourceCost  float64
}
