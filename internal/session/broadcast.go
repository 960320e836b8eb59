package session

import (
	"encoding/json"
	"log"
	"sort"

	"github.com/crucible-live/crucible/internal/mission/execution"
	"github.com/crucible-live/crucible/internal/session/visibility"
	"github.com/crucible-live/crucible/internal/session/wire"
)

// renderer builds a redacted view renderer over the current tree. Must be
// called with the session lock held.
func (s *Session) renderer() visibility.Renderer {
	return visibility.Renderer{
		Tree: s.tree,
		Executions: func(executionID string) (execution.Execution, bool) {
			exec, ok := s.executions[executionID]
			return exec, ok
		},
	}
}

// broadcast fans one event out to every connected member, building the
// frame per recipient under their exposure policy. A nil frame skips the
// recipient entirely, which is how redaction suppresses whole events.
func (s *Session) broadcast(build func(policy visibility.Policy, member *Member) *wire.Frame) {
	for _, member := range s.members {
		if member.conn == nil {
			continue
		}
		policy := visibility.PolicyFor(member.Role, member.ForceID)
		frame := build(policy, member)
		if frame == nil {
			continue
		}
		s.sendTo(member.conn, *frame)
	}
}

// broadcastToForce fans an event out to members allowed to see the force.
func (s *Session) broadcastToForce(forceID string, build func(policy visibility.Policy, member *Member) *wire.Frame) {
	s.broadcast(func(policy visibility.Policy, member *Member) *wire.Frame {
		if !policy.AllowsForce(forceID) {
			return nil
		}
		return build(policy, member)
	})
}

// broadcastMembers sends the roster to members whose policy exposes it.
func (s *Session) broadcastMembers() {
	views := s.memberViews()
	s.broadcast(func(policy visibility.Policy, _ *Member) *wire.Frame {
		if policy.SessionDataExposure == visibility.ExposureNone {
			return nil
		}
		return &wire.Frame{
			Type:    wire.TypeMembersUpdated,
			Payload: mustJSON(wire.MembersUpdatedPayload{Members: views}),
		}
	})
}

// broadcastState announces a lifecycle transition; withSnapshot attaches
// the per-recipient redacted session view.
func (s *Session) broadcastState(frameType string, withSnapshot bool) {
	renderer := s.renderer()
	views := s.memberViews()
	s.broadcast(func(policy visibility.Policy, _ *Member) *wire.Frame {
		payload := wire.SessionStatePayload{State: string(s.state)}
		if withSnapshot {
			view := renderer.Session(string(s.state), s.config, views, policy)
			payload.Session = &view
		}
		return &wire.Frame{Type: frameType, Payload: mustJSON(payload)}
	})
}

// sendSnapshot delivers the member's authoritative view of a running
// session, used on join, reconnect and exposure changes. Before start the
// roster broadcast already carries everything a client needs.
func (s *Session) sendSnapshot(member *Member) {
	if member.conn == nil || s.state != StateStarted {
		return
	}
	policy := visibility.PolicyFor(member.Role, member.ForceID)
	view := s.renderer().Session(string(s.state), s.config, s.memberViews(), policy)
	s.sendTo(member.conn, wire.Frame{
		Type:    wire.TypeSessionStarted,
		Payload: mustJSON(wire.SessionStatePayload{State: string(s.state), Session: &view}),
	})
}

// memberViews returns the roster in stable id order.
func (s *Session) memberViews() []wire.MemberView {
	views := make([]wire.MemberView, 0, len(s.members))
	for _, member := range s.members {
		views = append(views, wire.MemberView{
			ID:      member.ID,
			Name:    member.Name,
			Role:    member.Role,
			ForceID: member.ForceID,
			Online:  member.Online(),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

func (s *Session) sendTo(conn Conn, frame wire.Frame) {
	if conn == nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Printf("session=%s frame send failed type=%s err=%v", s.id, frame.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal frame payload: %v", err)
		return nil
	}
	return b
}
