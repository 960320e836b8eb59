// Package visibility computes per-recipient exposure policies and renders
// redacted wire views from the live instance tree. Every broadcast passes
// through here: the same server-side event fans out as different payloads
// per connected member, and nothing outside a recipient's policy ever
// reaches their connection.
package visibility

import (
	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/mission/execution"
	"github.com/crucible-live/crucible/internal/mission/instance"
	"github.com/crucible-live/crucible/internal/session/wire"
)

// Exposure grades how much of a data family a recipient may see.
type Exposure string

const (
	// ExposureNone hides the family entirely.
	ExposureNone Exposure = "none"
	// ExposureAll exposes the family across every force.
	ExposureAll Exposure = "all"
	// ExposureMember exposes only the recipient's own force.
	ExposureMember Exposure = "member"
)

// Policy is the per-recipient exposure policy applied to every outgoing
// payload.
type Policy struct {
	// ForceExposure gates force trees, pools and output logs.
	ForceExposure Exposure
	// FileExposure gates mission file bodies.
	FileExposure Exposure
	// SessionDataExposure gates the member roster and session config.
	SessionDataExposure Exposure
	// RootEffectsExposure gates action values (chances, times, costs).
	RootEffectsExposure Exposure
	// MemberForceID is the recipient's force assignment, if any.
	MemberForceID string
	// CompleteVisibility exempts the recipient from reveal gating.
	CompleteVisibility bool
}

// PolicyFor derives the exposure policy for a member's role and force
// assignment. Unassigned participants see no force data.
func PolicyFor(role domain.Role, forceID string) Policy {
	if role.Can(domain.CapCompleteVisibility) {
		return Policy{
			ForceExposure:       ExposureAll,
			FileExposure:        ExposureAll,
			SessionDataExposure: ExposureAll,
			RootEffectsExposure: ExposureAll,
			MemberForceID:       forceID,
			CompleteVisibility:  true,
		}
	}
	if forceID == "" {
		return Policy{
			ForceExposure:       ExposureNone,
			FileExposure:        ExposureNone,
			SessionDataExposure: ExposureMember,
			RootEffectsExposure: ExposureNone,
		}
	}
	return Policy{
		ForceExposure:       ExposureMember,
		FileExposure:        ExposureMember,
		SessionDataExposure: ExposureMember,
		RootEffectsExposure: ExposureMember,
		MemberForceID:       forceID,
	}
}

// AllowsForce reports whether the policy exposes the given force at all.
func (p Policy) AllowsForce(forceID string) bool {
	switch p.ForceExposure {
	case ExposureAll:
		return true
	case ExposureMember:
		return forceID != "" && forceID == p.MemberForceID
	default:
		return false
	}
}

// allowsActions reports whether action values are exposed for the force.
func (p Policy) allowsActions(forceID string) bool {
	switch p.RootEffectsExposure {
	case ExposureAll:
		return true
	case ExposureMember:
		return forceID != "" && forceID == p.MemberForceID
	default:
		return false
	}
}

// allowsFile reports whether the file is exposed given the force's grants.
func (p Policy) allowsFile(granted bool) bool {
	switch p.FileExposure {
	case ExposureAll:
		return true
	case ExposureMember:
		return granted
	default:
		return false
	}
}

// ExecutionLookup resolves a running execution by id.
type ExecutionLookup func(executionID string) (execution.Execution, bool)

// Renderer turns live mission state into redacted wire views.
type Renderer struct {
	Tree *instance.Tree
	// Executions resolves node ExecutionID references; nil means no
	// execution details are rendered.
	Executions ExecutionLookup
}

// Session renders the full redacted session snapshot for one recipient.
func (r Renderer) Session(state string, config wire.SessionConfig, members []wire.MemberView, policy Policy) wire.SessionView {
	view := wire.SessionView{State: state}
	if policy.SessionDataExposure != ExposureNone {
		view.Config = config
		view.Members = members
	}
	for _, force := range r.Tree.Forces() {
		if forceView, ok := r.Force(force, policy); ok {
			view.Forces = append(view.Forces, forceView)
		}
	}
	return view
}

// Force renders one force under the policy. The second return is false
// when the force is hidden from the recipient entirely.
func (r Renderer) Force(force *instance.Force, policy Policy) (wire.ForceView, bool) {
	if !policy.AllowsForce(force.ID) {
		return wire.ForceView{}, false
	}

	pool := force.Pool
	view := wire.ForceView{
		ID:   force.ID,
		Name: force.Name,
		Pool: &pool,
		Root: r.Structure(force.ID, policy),
	}
	for _, entry := range force.Output {
		view.Output = append(view.Output, wire.OutputEntryView{
			ID:     entry.ID,
			At:     entry.At,
			Output: entry.Output,
		})
	}
	for _, file := range r.Tree.Definition().Files {
		if !policy.allowsFile(force.FileGrants[file.ID]) {
			continue
		}
		view.Files = append(view.Files, wire.FileView{
			ID:   file.ID,
			Name: file.Name,
			Body: file.Body,
		})
	}
	return view, true
}

// Structure renders the recipient's view of one force's node tree, honoring
// the mission reveal mode and the recipient's policy. Returns nil when the
// force or its root is not exposed.
func (r Renderer) Structure(forceID string, policy Policy) *wire.NodeView {
	if !policy.AllowsForce(forceID) {
		return nil
	}
	force, ok := r.Tree.Force(forceID)
	if !ok {
		return nil
	}
	root, ok := r.Tree.Resolve(r.Tree.Definition().RootID, forceID)
	if !ok {
		return nil
	}
	view := r.node(force, root, policy)
	return &view
}

func (r Renderer) node(force *instance.Force, node *instance.NodeInstance, policy Policy) wire.NodeView {
	proto := r.Tree.Definition().Prototypes[node.PrototypeID]
	view := wire.NodeView{
		ID:      node.PrototypeID,
		Name:    proto.Name,
		Depth:   proto.Depth,
		Opened:  node.Opened,
		Blocked: node.Blocked,
	}

	mode := r.Tree.Definition().RevealMode
	interactive := policy.CompleteVisibility || force.Visible(node.PrototypeID)
	if mode == domain.RevealBlur && !interactive {
		view.Blurred = true
	}

	if policy.allowsActions(force.ID) && !view.Blurred {
		for _, action := range proto.Actions {
			if eff, ok := r.Tree.EffectiveAction(node, action.ID); ok {
				view.Actions = append(view.Actions, wire.ActionView{
					ID:                 action.ID,
					Name:               action.Name,
					SuccessChance:      eff.SuccessChance,
					ProcessTimeSeconds: eff.ProcessTime.Seconds(),
					ResourceCost:       eff.ResourceCost,
				})
			}
		}
	}

	if node.ExecutionID != "" && r.Executions != nil {
		if exec, ok := r.Executions(node.ExecutionID); ok {
			view.Executing = &wire.ExecutionView{
				ID:                 exec.ID,
				NodeID:             exec.NodeID,
				ActionID:           exec.ActionID,
				StartedAt:          exec.Start,
				EndsAt:             exec.End,
				ProcessTimeSeconds: exec.ProcessTime.Seconds(),
				SuccessChance:      exec.SuccessChance,
				ResourceCost:       exec.ResourceCost,
				PreMessage:         node.PreMessage,
			}
		}
	}

	for _, childID := range proto.ChildIDs {
		child, ok := force.Nodes[childID]
		if !ok {
			continue
		}
		if mode == domain.RevealHide && !policy.CompleteVisibility && !force.Visible(childID) {
			continue
		}
		view.Children = append(view.Children, r.node(force, child, policy))
	}
	return view
}
