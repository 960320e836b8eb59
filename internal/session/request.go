package session

import (
	"encoding/json"
	"errors"

	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/session/wire"
)

// HandleFrame routes one decoded request frame from an authenticated
// member. Validation failures never mutate state; the correlated error
// frame is written to the member's connection.
func (s *Session) HandleFrame(memberID string, frame wire.Frame) {
	err := s.dispatch(memberID, frame)
	if err == nil {
		return
	}

	code := apperrors.GetCode(err)
	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.members[memberID]
	if !ok || member.conn == nil {
		return
	}
	s.sendTo(member.conn, wire.Frame{
		Type:      wire.TypeError,
		RequestID: frame.RequestID,
		Payload: mustJSON(wire.ErrorPayload{
			Code:    string(code.Wire()),
			Message: message,
		}),
	})
}

func (s *Session) dispatch(memberID string, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeRequestOpenNode:
		var payload wire.OpenNodePayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.OpenNode(memberID, frame.RequestID, payload)

	case wire.TypeRequestExecuteAction:
		var payload wire.ExecuteActionPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.ExecuteAction(memberID, frame.RequestID, payload)

	case wire.TypeRequestSendOutput:
		var payload wire.SendOutputPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.SendOutput(memberID, frame.RequestID, payload)

	case wire.TypeRequestStartSession:
		return s.Start(memberID)

	case wire.TypeRequestEndSession:
		return s.End(memberID)

	case wire.TypeRequestResetSession:
		return s.Reset(memberID)

	case wire.TypeRequestConfigUpdate:
		var payload wire.ConfigUpdatePayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.UpdateConfig(memberID, payload.Config)

	case wire.TypeRequestKick:
		var payload wire.MemberTargetPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.Kick(memberID, payload.MemberID)

	case wire.TypeRequestBan:
		var payload wire.MemberTargetPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.Ban(memberID, payload.MemberID)

	case wire.TypeRequestAssignForce:
		var payload wire.AssignForcePayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.AssignForce(memberID, payload.MemberID, payload.ForceID)

	case wire.TypeRequestAssignRole:
		var payload wire.AssignRolePayload
		if err := decode(frame.Payload, &payload); err != nil {
			return err
		}
		return s.AssignRole(memberID, payload.MemberID, payload.Role)

	case wire.TypeRequestQuitSession:
		return s.Quit(memberID)

	default:
		return apperrors.Newf(apperrors.CodeRequestInvalid, "unsupported frame type %q", frame.Type)
	}
}

func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return apperrors.New(apperrors.CodeRequestInvalid, "request payload is required")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apperrors.Newf(apperrors.CodeRequestInvalid, "invalid request payload: %v", err)
	}
	return nil
}
