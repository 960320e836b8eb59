// Package wire defines the JSON frame protocol between session members and
// the authoritative server. Requests carry a request id; the server answers
// with a typed success frame carrying the same id, or an error frame.
// Broadcasts carry no request id.
package wire

import (
	"encoding/json"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

// Frame is the envelope for every message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Request frame types (client to server).
const (
	TypeRequestOpenNode      = "request-open-node"
	TypeRequestExecuteAction = "request-execute-action"
	TypeRequestSendOutput    = "request-send-output"
	TypeRequestStartSession  = "request-start-session"
	TypeRequestEndSession    = "request-end-session"
	TypeRequestResetSession  = "request-reset-session"
	TypeRequestConfigUpdate  = "request-config-update"
	TypeRequestKick          = "request-kick"
	TypeRequestBan           = "request-ban"
	TypeRequestAssignForce   = "request-assign-force"
	TypeRequestAssignRole    = "request-assign-role"
	TypeRequestQuitSession   = "request-quit-session"
)

// Response and broadcast frame types (server to clients).
const (
	TypeSessionStarting = "session-starting"
	TypeSessionStarted  = "session-started"
	TypeSessionEnding   = "session-ending"
	TypeSessionEnded    = "session-ended"
	TypeSessionReset    = "session-reset"
	TypeConfigUpdated   = "config-updated"
	TypeMembersUpdated  = "members-updated"
	TypeForceAssigned   = "force-assigned"
	TypeRoleAssigned    = "role-assigned"

	TypeNodeOpened               = "node-opened"
	TypeActionExecutionInitiated = "action-execution-initiated"
	TypeActionExecutionCompleted = "action-execution-completed"
	TypeModifierEnacted          = "modifier-enacted"
	TypeSendOutput               = "send-output"

	TypeKicked           = "kicked"
	TypeBanned           = "banned"
	TypeDismissed        = "dismissed"
	TypeSessionDestroyed = "session-destroyed"
	TypeSessionQuit      = "session-quit"

	TypeError = "error"
)

// Modifier keys for modifier-enacted broadcasts.
const (
	ModifierNodeBlockStatus         = "node-block-status"
	ModifierNodeOpenState           = "node-open-state"
	ModifierNodeActionSuccessChance = "node-action-success-chance"
	ModifierNodeActionProcessTime   = "node-action-process-time"
	ModifierNodeActionResourceCost  = "node-action-resource-cost"
	ModifierForceResourcePool       = "force-resource-pool"
	ModifierFileUpdateAccess        = "file-update-access"
)

// OpenNodePayload requests opening or closing a node of the member's force.
type OpenNodePayload struct {
	NodeID string `json:"node_id"`
	// Close requests closing instead of opening.
	Close bool `json:"close,omitempty"`
}

// CheatOverrides forces execution parameters for rehearsal runs. Only
// members with the cheat capability may set them.
type CheatOverrides struct {
	SuccessChance      *float64 `json:"success_chance,omitempty"`
	ProcessTimeSeconds *float64 `json:"process_time_seconds,omitempty"`
}

// ExecuteActionPayload requests a timed action execution.
type ExecuteActionPayload struct {
	NodeID   string `json:"node_id"`
	ActionID string `json:"action_id"`
	// Args carries external-effect arguments composed client-side.
	Args map[string]domain.ArgValue `json:"args,omitempty"`
	// Cheats optionally overrides execution parameters.
	Cheats *CheatOverrides `json:"cheats,omitempty"`
}

// SendOutputPayload posts a keyed custom output entry for a node.
type SendOutputPayload struct {
	Key    string `json:"key"`
	NodeID string `json:"node_id"`
	Body   string `json:"body,omitempty"`
}

// SessionConfig is the member-adjustable session configuration.
type SessionConfig struct {
	Name   string `json:"name,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// ConfigUpdatePayload requests a session configuration change.
type ConfigUpdatePayload struct {
	Config SessionConfig `json:"config"`
}

// MemberTargetPayload addresses another member (kick, ban, evict).
type MemberTargetPayload struct {
	MemberID string `json:"member_id"`
}

// AssignForcePayload assigns a member to a force; a nil force id clears
// the assignment.
type AssignForcePayload struct {
	MemberID string  `json:"member_id"`
	ForceID  *string `json:"force_id"`
}

// AssignRolePayload changes a member's role.
type AssignRolePayload struct {
	MemberID string      `json:"member_id"`
	Role     domain.Role `json:"role"`
}

// ErrorPayload is the correlated error response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MemberView is a member as exposed to other members.
type MemberView struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Role    domain.Role `json:"role"`
	ForceID string      `json:"force_id,omitempty"`
	Online  bool        `json:"online"`
}

// ActionView is an action's effective values as exposed to a viewer.
type ActionView struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	SuccessChance      float64 `json:"success_chance"`
	ProcessTimeSeconds float64 `json:"process_time_seconds"`
	ResourceCost       float64 `json:"resource_cost"`
}

// ExecutionView is a running execution as exposed to a viewer.
type ExecutionView struct {
	ID                 string    `json:"id"`
	NodeID             string    `json:"node_id"`
	ActionID           string    `json:"action_id"`
	StartedAt          time.Time `json:"started_at"`
	EndsAt             time.Time `json:"ends_at"`
	ProcessTimeSeconds float64   `json:"process_time_seconds"`
	SuccessChance      float64   `json:"success_chance"`
	ResourceCost       float64   `json:"resource_cost"`
	PreMessage         string    `json:"pre_message,omitempty"`
}

// NodeView is one node of a redacted structure snapshot. Children are
// nested, already filtered by the recipient's visibility.
type NodeView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Depth   int    `json:"depth"`
	Opened  bool   `json:"opened"`
	Blocked bool   `json:"blocked"`
	// Blurred marks nodes visible but non-interactive under blur mode.
	Blurred   bool           `json:"blurred,omitempty"`
	Executing *ExecutionView `json:"executing,omitempty"`
	Actions   []ActionView   `json:"actions,omitempty"`
	Children  []NodeView     `json:"children,omitempty"`
}

// OutputEntryView is one output-log entry.
type OutputEntryView struct {
	ID     string        `json:"id"`
	At     time.Time     `json:"at"`
	Output domain.Output `json:"output"`
}

// FileView is a mission file as exposed to a viewer.
type FileView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body,omitempty"`
}

// ForceView is a force as exposed to a viewer. Pool, Root and Output are
// omitted entirely when the recipient's exposure policy hides them.
type ForceView struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Pool   *float64          `json:"pool,omitempty"`
	Root   *NodeView         `json:"root,omitempty"`
	Output []OutputEntryView `json:"output,omitempty"`
	Files  []FileView        `json:"files,omitempty"`
}

// SessionView is the full redacted session snapshot sent on start, reset
// and reconnect.
type SessionView struct {
	State   string        `json:"state"`
	Config  SessionConfig `json:"config"`
	Members []MemberView  `json:"members,omitempty"`
	Forces  []ForceView   `json:"forces,omitempty"`
}

// SessionStatePayload accompanies session lifecycle broadcasts.
type SessionStatePayload struct {
	State string `json:"state"`
	// Session carries the full redacted snapshot on started and reset.
	Session *SessionView `json:"session,omitempty"`
}

// MembersUpdatedPayload carries the current member roster.
type MembersUpdatedPayload struct {
	Members []MemberView `json:"members"`
}

// ForceAssignedPayload announces a force assignment change.
type ForceAssignedPayload struct {
	MemberID string `json:"member_id"`
	ForceID  string `json:"force_id,omitempty"`
}

// RoleAssignedPayload announces a role change.
type RoleAssignedPayload struct {
	MemberID string      `json:"member_id"`
	Role     domain.Role `json:"role"`
}

// NodeOpenedPayload announces a node open/close and the resulting redacted
// structure for the recipient.
type NodeOpenedPayload struct {
	NodeID string `json:"node_id"`
	Opened bool   `json:"opened"`
	// Structure is the recipient's redacted view of the affected force's tree.
	Structure *NodeView `json:"structure,omitempty"`
	// RevealedDescendants lists prototype ids newly revealed, for audit.
	RevealedDescendants []string `json:"revealed_descendants,omitempty"`
}

// ExecutionInitiatedPayload announces an accepted execution.
type ExecutionInitiatedPayload struct {
	Execution          ExecutionView `json:"execution"`
	ResourcesRemaining float64       `json:"resources_remaining"`
}

// ExecutionCompletedPayload announces a resolved execution.
type ExecutionCompletedPayload struct {
	ExecutionID         string    `json:"execution_id"`
	NodeID              string    `json:"node_id"`
	Outcome             string    `json:"outcome"`
	Structure           *NodeView `json:"structure,omitempty"`
	RevealedDescendants []string  `json:"revealed_descendants,omitempty"`
}

// ModifierEnactedPayload announces one enacted internal-effect mutation.
// Fields beyond Key are set per modifier kind.
type ModifierEnactedPayload struct {
	Key      string   `json:"key"`
	NodeID   string   `json:"node_id,omitempty"`
	ActionID string   `json:"action_id,omitempty"`
	ForceID  string   `json:"force_id,omitempty"`
	FileID   string   `json:"file_id,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Value    *float64 `json:"value,omitempty"`
}

// SendOutputPayloadOut carries an output-log entry to recipients.
type SendOutputPayloadOut struct {
	ForceID string          `json:"force_id,omitempty"`
	Entry   OutputEntryView `json:"entry"`
}

// MemberRemovedPayload accompanies kicked, banned and dismissed frames.
type MemberRemovedPayload struct {
	MemberID string `json:"member_id"`
}
