package session

import (
	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/session/visibility"
	"github.com/crucible-live/crucible/internal/session/wire"
)

// sessionMutator is the effect mutation surface bound to one invoking
// force. It runs with the session's full authority and with the session
// lock already held, so methods mutate directly and broadcast inline.
type sessionMutator struct {
	session *Session
	forceID string
}

func (m *sessionMutator) BlockNode(nodeID string, blocked bool) error {
	node, ok := m.session.tree.Resolve(nodeID, m.forceID)
	if !ok {
		return apperrors.Newf(apperrors.CodeNodeNotFound, "node %q not found", nodeID)
	}
	node.Blocked = blocked
	m.broadcastModifier(wire.ModifierEnactedPayload{
		Key:     wire.ModifierNodeBlockStatus,
		NodeID:  nodeID,
		ForceID: m.forceID,
		Enabled: &blocked,
	})
	m.session.audit("node-block-changed", "", m.forceID, nodeID, nil)
	return nil
}

func (m *sessionMutator) OpenNode(nodeID string, open bool, revealDepth int) error {
	if _, ok := m.session.tree.Resolve(nodeID, m.forceID); !ok {
		return apperrors.Newf(apperrors.CodeNodeNotFound, "node %q not found", nodeID)
	}
	if open {
		m.session.tree.Reveal(m.forceID, nodeID, revealDepth)
	} else {
		m.session.tree.Close(m.forceID, nodeID)
	}
	m.broadcastModifier(wire.ModifierEnactedPayload{
		Key:     wire.ModifierNodeOpenState,
		NodeID:  nodeID,
		ForceID: m.forceID,
		Enabled: &open,
	})
	m.session.audit("node-open-changed", "", m.forceID, nodeID, nil)
	return nil
}

func (m *sessionMutator) AdjustAction(nodeID, actionID string, field domain.ActionField, delta float64) error {
	node, ok := m.session.tree.Resolve(nodeID, m.forceID)
	if !ok {
		return apperrors.Newf(apperrors.CodeNodeNotFound, "node %q not found", nodeID)
	}

	if actionID == "" {
		if m.session.tree.ApplyDeltaAll(node, field, delta) == 0 {
			return apperrors.Newf(apperrors.CodeActionNotFound, "node %q has no actions", nodeID)
		}
	} else if !m.session.tree.ApplyDelta(node, actionID, field, delta) {
		return apperrors.Newf(apperrors.CodeActionNotFound, "action %q not found on node %q", actionID, nodeID)
	}

	var key string
	switch field {
	case domain.FieldSuccessChance:
		key = wire.ModifierNodeActionSuccessChance
	case domain.FieldProcessTime:
		key = wire.ModifierNodeActionProcessTime
	case domain.FieldResourceCost:
		key = wire.ModifierNodeActionResourceCost
	default:
		return apperrors.Newf(apperrors.CodeRequestInvalid, "unknown action field %q", field)
	}
	m.broadcastModifier(wire.ModifierEnactedPayload{
		Key:      key,
		NodeID:   nodeID,
		ActionID: actionID,
		ForceID:  m.forceID,
		Value:    &delta,
	})
	return nil
}

func (m *sessionMutator) AdjustPool(forceID string, delta float64) error {
	if forceID == "" {
		forceID = m.forceID
	}
	force, ok := m.session.tree.Force(forceID)
	if !ok {
		return apperrors.Newf(apperrors.CodeForceNotFound, "force %q not found", forceID)
	}
	force.Pool += delta

	pool := force.Pool
	m.session.broadcastToForce(forceID, func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type: wire.TypeModifierEnacted,
			Payload: mustJSON(wire.ModifierEnactedPayload{
				Key:     wire.ModifierForceResourcePool,
				ForceID: forceID,
				Value:   &pool,
			}),
		}
	})
	m.session.audit("pool-adjusted", "", forceID, "", nil)
	return nil
}

func (m *sessionMutator) PostOutput(output domain.Output) error {
	if err := output.Validate(); err != nil {
		return err
	}
	m.session.appendOutput(m.forceID, output)
	return nil
}

func (m *sessionMutator) GrantFile(forceID, fileID string, granted bool) error {
	if forceID == "" {
		forceID = m.forceID
	}
	force, ok := m.session.tree.Force(forceID)
	if !ok {
		return apperrors.Newf(apperrors.CodeForceNotFound, "force %q not found", forceID)
	}
	if _, ok := m.session.def.File(fileID); !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "file %q not found", fileID)
	}
	force.FileGrants[fileID] = granted

	m.session.broadcastToForce(forceID, func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type: wire.TypeModifierEnacted,
			Payload: mustJSON(wire.ModifierEnactedPayload{
				Key:     wire.ModifierFileUpdateAccess,
				ForceID: forceID,
				FileID:  fileID,
				Enabled: &granted,
			}),
		}
	})
	m.session.audit("file-access-changed", "", forceID, "", nil)
	return nil
}

// broadcastModifier fans a modifier-enacted event out to members allowed
// to see the affected force.
func (m *sessionMutator) broadcastModifier(payload wire.ModifierEnactedPayload) {
	forceID := payload.ForceID
	m.session.broadcastToForce(forceID, func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type:    wire.TypeModifierEnacted,
			Payload: mustJSON(payload),
		}
	})
}
