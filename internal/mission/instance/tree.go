package instance

import (
	"sort"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

// Tree owns every force's node instances for one live mission. Prototype
// relationships are resolved through the definition's id tables; instances
// never hold pointers into the prototype tree.
type Tree struct {
	def    *domain.MissionDefinition
	forces map[string]*Force
}

// NewTree builds an empty instance tree for the definition and derives
// placeholder instances for every force.
func NewTree(def *domain.MissionDefinition) *Tree {
	t := &Tree{
		def:    def,
		forces: make(map[string]*Force, len(def.Forces)),
	}
	for _, fd := range def.Forces {
		t.forces[fd.ID] = &Force{
			ID:         fd.ID,
			Name:       fd.Name,
			Pool:       fd.InitialPool,
			Nodes:      make(map[string]*NodeInstance),
			FileGrants: make(map[string]bool),
			visible:    make(map[string]bool),
			pinned:     make(map[string]bool),
		}
	}
	t.Derive()
	return t
}

// Definition returns the authored mission this tree projects.
func (t *Tree) Definition() *domain.MissionDefinition {
	return t.def
}

// Force returns the live force state by id.
func (t *Tree) Force(forceID string) (*Force, bool) {
	force, ok := t.forces[forceID]
	return force, ok
}

// Forces returns all live forces in authored order.
func (t *Tree) Forces() []*Force {
	out := make([]*Force, 0, len(t.forces))
	for _, fd := range t.def.Forces {
		if force, ok := t.forces[fd.ID]; ok {
			out = append(out, force)
		}
	}
	return out
}

// Resolve returns the node instance for (prototype, force), if both exist.
func (t *Tree) Resolve(prototypeID, forceID string) (*NodeInstance, bool) {
	force, ok := t.forces[forceID]
	if !ok {
		return nil, false
	}
	node, ok := force.Nodes[prototypeID]
	return node, ok
}

// Derive reconciles instances against the prototype set: a placeholder
// instance is created for every prototype missing one, and instances whose
// prototype vanished from the definition are dropped along with their
// visibility and pin records. Derive is idempotent and safe to run on
// every structural change.
func (t *Tree) Derive() {
	for _, force := range t.forces {
		for id, proto := range t.def.Prototypes {
			if _, ok := force.Nodes[id]; ok {
				continue
			}
			force.Nodes[id] = &NodeInstance{
				PrototypeID: id,
				ForceID:     force.ID,
				Overrides:   make(map[string]ActionOverride),
				PreMessage:  proto.PreMessage,
			}
		}
		for id := range force.Nodes {
			if _, ok := t.def.Prototypes[id]; !ok {
				delete(force.Nodes, id)
				delete(force.visible, id)
				delete(force.pinned, id)
			}
		}
		t.recomputeVisible(force)
	}
}

// Children returns the node's child instances filtered by the mission's
// reveal mode: show and blur expose the full structure, hide exposes only
// prototypes in the force's visible set. Ordering follows the authored
// child order.
func (t *Tree) Children(node *NodeInstance) []*NodeInstance {
	if node == nil {
		return nil
	}
	proto, ok := t.def.Prototypes[node.PrototypeID]
	if !ok {
		return nil
	}
	force, ok := t.forces[node.ForceID]
	if !ok {
		return nil
	}

	out := make([]*NodeInstance, 0, len(proto.ChildIDs))
	for _, childID := range proto.ChildIDs {
		child, ok := force.Nodes[childID]
		if !ok {
			continue
		}
		if t.def.RevealMode == domain.RevealHide && !force.visible[childID] {
			continue
		}
		out = append(out, child)
	}
	return out
}

// EffectiveAction returns the action's live values for the node: prototype
// base plus stored overrides, clamped to domain bounds.
func (t *Tree) EffectiveAction(node *NodeInstance, actionID string) (EffectiveAction, bool) {
	if node == nil {
		return EffectiveAction{}, false
	}
	proto, ok := t.def.Prototypes[node.PrototypeID]
	if !ok {
		return EffectiveAction{}, false
	}
	template, ok := proto.Action(actionID)
	if !ok {
		return EffectiveAction{}, false
	}

	override := node.Overrides[actionID]
	return EffectiveAction{
		Template:      template,
		SuccessChance: clampChance(template.SuccessChance + override.ChanceDelta),
		ProcessTime:   clampDuration(template.ProcessTime + override.TimeDelta),
		ResourceCost:  clampCost(template.ResourceCost + override.CostDelta),
	}, true
}

// ApplyDelta shifts one action field on the node. The stored delta is
// re-clamped so the effective value stays inside domain bounds:
// success chance in [0,1], process time and resource cost >= 0.
// Process-time deltas are expressed in seconds.
func (t *Tree) ApplyDelta(node *NodeInstance, actionID string, field domain.ActionField, delta float64) bool {
	if node == nil {
		return false
	}
	proto, ok := t.def.Prototypes[node.PrototypeID]
	if !ok {
		return false
	}
	template, ok := proto.Action(actionID)
	if !ok {
		return false
	}

	override := node.Overrides[actionID]
	switch field {
	case domain.FieldSuccessChance:
		effective := clampChance(template.SuccessChance + override.ChanceDelta + delta)
		override.ChanceDelta = effective - template.SuccessChance
	case domain.FieldProcessTime:
		shift := time.Duration(delta * float64(time.Second))
		effective := clampDuration(template.ProcessTime + override.TimeDelta + shift)
		override.TimeDelta = effective - template.ProcessTime
	case domain.FieldResourceCost:
		effective := clampCost(template.ResourceCost + override.CostDelta + delta)
		override.CostDelta = effective - template.ResourceCost
	default:
		return false
	}
	node.Overrides[actionID] = override
	return true
}

// ApplyDeltaAll shifts one field on every action of the node and reports
// how many actions were touched.
func (t *Tree) ApplyDeltaAll(node *NodeInstance, field domain.ActionField, delta float64) int {
	if node == nil {
		return 0
	}
	proto, ok := t.def.Prototypes[node.PrototypeID]
	if !ok {
		return 0
	}
	touched := 0
	for _, action := range proto.Actions {
		if t.ApplyDelta(node, action.ID, field, delta) {
			touched++
		}
	}
	return touched
}

// Reveal opens the node for the force and inserts its direct children,
// plus descendants up to extraDepth further generations, into the visible
// set. It returns the prototype ids newly revealed, in a stable order, for
// audit and replay. Revealing an already-open node with the same descendant
// set yields no new ids.
func (t *Tree) Reveal(forceID, prototypeID string, extraDepth int) []string {
	force, ok := t.forces[forceID]
	if !ok {
		return nil
	}
	node, ok := force.Nodes[prototypeID]
	if !ok {
		return nil
	}

	node.Opened = true
	if extraDepth > 0 {
		// Descendants beyond direct children stay visible through pinning
		// even while intermediate nodes remain unopened.
		t.pinDescendants(force, prototypeID, extraDepth+1)
	}

	before := force.visible
	t.recomputeVisible(force)

	var revealed []string
	for id := range force.visible {
		if !before[id] {
			revealed = append(revealed, id)
		}
	}
	sort.Strings(revealed)
	return revealed
}

// Close marks the node unopened and removes now-unreachable descendants
// from the force's visible set. Node instance state is retained; only the
// visibility projection changes. It returns the prototype ids hidden.
func (t *Tree) Close(forceID, prototypeID string) []string {
	force, ok := t.forces[forceID]
	if !ok {
		return nil
	}
	node, ok := force.Nodes[prototypeID]
	if !ok {
		return nil
	}

	node.Opened = false
	before := force.visible
	t.recomputeVisible(force)

	var hidden []string
	for id := range before {
		if !force.visible[id] {
			hidden = append(hidden, id)
		}
	}
	sort.Strings(hidden)
	return hidden
}

// RevealRoot opens the force's root node, exposing its direct children.
func (t *Tree) RevealRoot(forceID string) []string {
	return t.Reveal(forceID, t.def.RootID, 0)
}

// pinDescendants records descendants of the prototype down to the given
// generation count (1 = direct children).
func (t *Tree) pinDescendants(force *Force, prototypeID string, generations int) {
	if generations <= 0 {
		return
	}
	proto, ok := t.def.Prototypes[prototypeID]
	if !ok {
		return
	}
	for _, childID := range proto.ChildIDs {
		force.pinned[childID] = true
		t.pinDescendants(force, childID, generations-1)
	}
}

// recomputeVisible rebuilds the force's visible set from scratch: the root
// is visible, and a node is visible when its parent is visible and either
// the parent is opened or the node was pinned by an outcome reveal. The
// rebuild is a pure function of node state, so repeated runs are
// idempotent.
func (t *Tree) recomputeVisible(force *Force) {
	visible := make(map[string]bool, len(force.visible))

	var walk func(prototypeID string)
	walk = func(prototypeID string) {
		node, ok := force.Nodes[prototypeID]
		if !ok {
			return
		}
		proto, ok := t.def.Prototypes[prototypeID]
		if !ok {
			return
		}
		for _, childID := range proto.ChildIDs {
			if !node.Opened && !force.pinned[childID] {
				continue
			}
			if visible[childID] {
				continue
			}
			visible[childID] = true
			walk(childID)
		}
	}

	if _, ok := force.Nodes[t.def.RootID]; ok {
		visible[t.def.RootID] = true
		walk(t.def.RootID)
	}
	force.visible = visible
}

func clampChance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampDuration(v time.Duration) time.Duration {
	if v < 0 {
		return 0
	}
	return v
}

func clampCost(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
