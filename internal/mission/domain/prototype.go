package domain

import (
	"time"
)

// RevealMode controls what an unopened node's descendants look like to a viewer.
type RevealMode string

const (
	// RevealShow keeps the full structure visible; only execution state is gated.
	RevealShow RevealMode = "show"
	// RevealBlur shows descendants of unopened nodes but marks them non-interactive.
	RevealBlur RevealMode = "blur"
	// RevealHide removes descendants of unopened nodes from the viewer's tree.
	RevealHide RevealMode = "hide"
)

// IsValid reports whether the reveal mode is one of the known modes.
func (m RevealMode) IsValid() bool {
	switch m {
	case RevealShow, RevealBlur, RevealHide:
		return true
	default:
		return false
	}
}

// Prototype is an immutable template node in the authored mission tree.
type Prototype struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Depth is the distance from the root prototype.
	Depth int `json:"depth"`
	// ParentID is empty for the root prototype.
	ParentID string `json:"parent_id,omitempty"`
	// ChildIDs preserves authored ordering.
	ChildIDs []string `json:"child_ids,omitempty"`
	// Actions is the catalog of actions runnable against this node.
	Actions []ActionTemplate `json:"actions,omitempty"`
	// PreMessage is shown to the force before an action on this node executes.
	PreMessage string `json:"pre_message,omitempty"`
}

// Action returns the action template with the given id, if present.
func (p Prototype) Action(actionID string) (ActionTemplate, bool) {
	for _, action := range p.Actions {
		if action.ID == actionID {
			return action, true
		}
	}
	return ActionTemplate{}, false
}

// ActionTemplate describes one action authored on a prototype.
type ActionTemplate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// ProcessTime is the base wall-clock duration of an execution.
	ProcessTime time.Duration `json:"process_time"`
	// SuccessChance is the base probability of success in [0,1].
	SuccessChance float64 `json:"success_chance"`
	// ResourceCost is the base resource pool cost, >= 0.
	ResourceCost float64 `json:"resource_cost"`
	// RevealDepth is how many extra descendant generations a successful
	// execution reveals beyond the node's direct children.
	RevealDepth int `json:"reveal_depth,omitempty"`
	// FailureText is posted to the force output log when the execution fails.
	FailureText string `json:"failure_text,omitempty"`
	// Effects run in declaration order when the execution succeeds.
	Effects []Effect `json:"effects,omitempty"`
}
