package domain

// Role names a session member's authority level.
type Role string

const (
	// RoleParticipant plays the mission for an assigned force.
	RoleParticipant Role = "participant"
	// RoleManager controls session lifecycle, membership and cheats.
	RoleManager Role = "manager"
	// RoleObserver watches with complete visibility but cannot act.
	RoleObserver Role = "observer"
)

// IsValid reports whether the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleParticipant, RoleManager, RoleObserver:
		return true
	default:
		return false
	}
}

// Capability is one authorized action of a role.
type Capability string

const (
	// CapManipulateNodes permits open-node and execute-action requests.
	CapManipulateNodes Capability = "manipulate-nodes"
	// CapSendOutput permits posting keyed output to a node's force log.
	CapSendOutput Capability = "send-output"
	// CapManageSession permits start/end/reset/config-update transitions.
	CapManageSession Capability = "manage-session"
	// CapManageMembers permits kick/ban/assign-force/assign-role requests.
	CapManageMembers Capability = "manage-members"
	// CapCompleteVisibility exempts the member from reveal gating and makes
	// node closing a visibility no-op for them.
	CapCompleteVisibility Capability = "complete-visibility"
	// CapCheat permits execution overrides on execute-action requests.
	CapCheat Capability = "cheat"
)

// roleCapabilities is the explicit authorized-action set per role.
var roleCapabilities = map[Role]map[Capability]struct{}{
	RoleParticipant: {
		CapManipulateNodes: {},
		CapSendOutput:      {},
	},
	RoleManager: {
		CapManipulateNodes:    {},
		CapSendOutput:         {},
		CapManageSession:      {},
		CapManageMembers:      {},
		CapCompleteVisibility: {},
		CapCheat:              {},
	},
	RoleObserver: {
		CapCompleteVisibility: {},
	},
}

// Can reports whether the role holds the capability.
func (r Role) Can(capability Capability) bool {
	caps, ok := roleCapabilities[r]
	if !ok {
		return false
	}
	_, held := caps[capability]
	return held
}
