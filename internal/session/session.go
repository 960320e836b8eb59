// Package session implements the authoritative per-session actor. All
// mutation of a running mission passes through one Session: requests,
// timer fires and membership changes are serialized under a single lock,
// so no two operations interleave their read-modify-write. Different
// sessions share nothing and run fully independently.
package session

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/mission/effect"
	"github.com/crucible-live/crucible/internal/mission/execution"
	"github.com/crucible-live/crucible/internal/mission/instance"
	"github.com/crucible-live/crucible/internal/platform/id"
	"github.com/crucible-live/crucible/internal/platform/random"
	"github.com/crucible-live/crucible/internal/session/visibility"
	"github.com/crucible-live/crucible/internal/session/wire"
	"github.com/crucible-live/crucible/internal/storage"
)

// State is the session lifecycle state.
type State string

const (
	StateUnstarted State = "unstarted"
	StateStarting  State = "starting"
	StateStarted   State = "started"
	StateResetting State = "resetting"
	StateEnding    State = "ending"
	StateEnded     State = "ended"
)

// Conn is one member's live connection. Implementations must be safe for
// concurrent Send calls.
type Conn interface {
	Send(frame wire.Frame) error
	Close() error
}

// Member is a joined participant.
type Member struct {
	ID      string
	Name    string
	Role    domain.Role
	ForceID string
	conn    Conn
}

// Online reports whether the member currently holds a connection.
func (m *Member) Online() bool {
	return m != nil && m.conn != nil
}

// EnvironmentCaller sends an outbound payload to a named external
// environment on behalf of a script.
type EnvironmentCaller func(ctx context.Context, environmentID string, payload map[string]any) error

// Options configures a Session. Mission is required; everything else has
// a production default.
type Options struct {
	SessionID string
	Mission   *domain.MissionDefinition
	Config    wire.SessionConfig
	// Runner executes external-effect scripts; nil disables external effects.
	Runner effect.Runner
	// CallEnvironment handles outbound script calls; nil disables them.
	CallEnvironment EnvironmentCaller
	// Journal receives audit events; nil disables auditing.
	Journal storage.Journal

	Clock       func() time.Time
	IDGenerator func() (string, error)
	SeedFunc    func() (int64, error)
	// Timer schedules a callback after a delay. Defaults to time.AfterFunc.
	Timer func(d time.Duration, fn func())
}

// Session owns one running mission: the live instance tree, executions,
// members and the ban list.
type Session struct {
	mu sync.Mutex

	id     string
	def    *domain.MissionDefinition
	config wire.SessionConfig
	state  State

	tree       *instance.Tree
	executions map[string]execution.Execution
	// executionArgs holds external-effect argument bundles captured at
	// request time, keyed by execution id.
	executionArgs map[string]map[string]domain.ArgValue

	members map[string]*Member
	bans    map[string]struct{}

	// epoch invalidates scheduled timer fires across reset and end.
	epoch int

	rng     *rand.Rand
	clock   func() time.Time
	idGen   func() (string, error)
	timer   func(d time.Duration, fn func())
	runner  effect.Runner
	callEnv EnvironmentCaller
	journal storage.Journal
}

// New builds an unstarted session for the mission definition.
func New(opts Options) (*Session, error) {
	if opts.Mission == nil {
		return nil, apperrors.New(apperrors.CodeRequestInvalid, "mission definition is required")
	}
	if err := opts.Mission.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = id.NewID
	}
	if opts.SeedFunc == nil {
		opts.SeedFunc = random.NewSeed
	}
	if opts.Timer == nil {
		opts.Timer = func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		}
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		generated, err := opts.IDGenerator()
		if err != nil {
			return nil, err
		}
		sessionID = generated
	}
	if strings.TrimSpace(opts.Config.Name) == "" {
		opts.Config.Name = opts.Mission.Name
	}
	if strings.TrimSpace(opts.Config.Locale) == "" {
		opts.Config.Locale = opts.Mission.Locale
	}

	seed, err := opts.SeedFunc()
	if err != nil {
		return nil, err
	}

	return &Session{
		id:            sessionID,
		def:           opts.Mission,
		config:        opts.Config,
		state:         StateUnstarted,
		tree:          instance.NewTree(opts.Mission),
		executions:    make(map[string]execution.Execution),
		executionArgs: make(map[string]map[string]domain.ArgValue),
		members:       make(map[string]*Member),
		bans:          make(map[string]struct{}),
		rng:           rand.New(rand.NewSource(seed)),
		clock:         opts.Clock,
		idGen:         opts.IDGenerator,
		timer:         opts.Timer,
		runner:        opts.Runner,
		callEnv:       opts.CallEnvironment,
		journal:       opts.Journal,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join admits a member, or reattaches a returning one. A second connection
// for an already-connected identity is rejected unless evict is set, in
// which case the prior connection is dismissed and closed.
func (s *Session) Join(memberID, name string, role domain.Role, conn Conn, evict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return apperrors.New(apperrors.CodeRequestInvalid, "member id is required")
	}
	if _, banned := s.bans[memberID]; banned {
		return apperrors.New(apperrors.CodeMemberBanned, "member is banned from this session")
	}

	member, known := s.members[memberID]
	if known {
		if member.conn != nil {
			if !evict {
				return apperrors.New(apperrors.CodeConnectionDismissed, "member already connected")
			}
			s.sendTo(member.conn, wire.Frame{
				Type:    wire.TypeDismissed,
				Payload: mustJSON(wire.MemberRemovedPayload{MemberID: memberID}),
			})
			_ = member.conn.Close()
		}
		member.conn = conn
	} else {
		if !role.IsValid() {
			return apperrors.Newf(apperrors.CodeRequestInvalid, "unknown role %q", role)
		}
		member = &Member{ID: memberID, Name: name, Role: role, conn: conn}
		s.members[memberID] = member
	}

	log.Printf("session=%s member joined member=%s role=%s", s.id, memberID, member.Role)
	s.audit("member-joined", member.ID, member.ForceID, "", nil)
	s.broadcastMembers()
	s.sendSnapshot(member)
	return nil
}

// Disconnect detaches a connection without removing the member. The member
// stays on the roster and can reconnect.
func (s *Session) Disconnect(memberID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[memberID]
	if !ok || member.conn != conn {
		return
	}
	member.conn = nil
	log.Printf("session=%s member disconnected member=%s", s.id, memberID)
	s.broadcastMembers()
}

// Quit removes the requesting member voluntarily.
func (s *Session) Quit(memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[memberID]
	if !ok {
		return apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	}
	s.sendTo(member.conn, wire.Frame{Type: wire.TypeSessionQuit})
	s.removeMember(member, "quit")
	return nil
}

// Kick removes a member at a manager's request.
func (s *Session) Kick(actorID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, err := s.requireCapability(actorID, domain.CapManageMembers)
	if err != nil {
		return err
	}
	target, ok := s.members[targetID]
	if !ok {
		return apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	}

	s.broadcast(func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type:    wire.TypeKicked,
			Payload: mustJSON(wire.MemberRemovedPayload{MemberID: target.ID}),
		}
	})
	s.audit("member-kicked", actor.ID, target.ForceID, "", nil)
	s.removeMember(target, "kicked")
	return nil
}

// Ban removes a member and rejects their future joins.
func (s *Session) Ban(actorID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, err := s.requireCapability(actorID, domain.CapManageMembers)
	if err != nil {
		return err
	}
	target, ok := s.members[targetID]
	if !ok {
		return apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	}

	s.bans[target.ID] = struct{}{}
	s.broadcast(func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type:    wire.TypeBanned,
			Payload: mustJSON(wire.MemberRemovedPayload{MemberID: target.ID}),
		}
	})
	s.audit("member-banned", actor.ID, target.ForceID, "", nil)
	s.removeMember(target, "banned")
	return nil
}

// AssignForce changes a member's force assignment; nil clears it.
func (s *Session) AssignForce(actorID, targetID string, forceID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireCapability(actorID, domain.CapManageMembers); err != nil {
		return err
	}
	target, ok := s.members[targetID]
	if !ok {
		return apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	}

	assigned := ""
	if forceID != nil {
		assigned = strings.TrimSpace(*forceID)
		if assigned != "" {
			if _, ok := s.def.Force(assigned); !ok {
				return apperrors.Newf(apperrors.CodeForceNotFound, "force %q not found", assigned)
			}
		}
	}
	target.ForceID = assigned

	s.broadcast(func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type:    wire.TypeForceAssigned,
			Payload: mustJSON(wire.ForceAssignedPayload{MemberID: target.ID, ForceID: assigned}),
		}
	})
	// The target's exposure changed; refresh their snapshot.
	s.sendSnapshot(target)
	s.broadcastMembers()
	return nil
}

// AssignRole changes a member's role.
func (s *Session) AssignRole(actorID, targetID string, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireCapability(actorID, domain.CapManageMembers); err != nil {
		return err
	}
	target, ok := s.members[targetID]
	if !ok {
		return apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	}
	if !role.IsValid() {
		return apperrors.Newf(apperrors.CodeRequestInvalid, "unknown role %q", role)
	}
	target.Role = role

	s.broadcast(func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{
			Type:    wire.TypeRoleAssigned,
			Payload: mustJSON(wire.RoleAssignedPayload{MemberID: target.ID, Role: role}),
		}
	})
	s.sendSnapshot(target)
	s.broadcastMembers()
	return nil
}

// Start snapshots the authored mission into a fresh instance tree, reveals
// every force's root children and broadcasts redacted start data.
func (s *Session) Start(actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, err := s.requireCapability(actorID, domain.CapManageSession)
	if err != nil {
		return err
	}
	if s.state != StateUnstarted {
		return apperrors.Newf(apperrors.CodeSessionStateChange, "cannot start from state %q", s.state)
	}

	s.state = StateStarting
	s.broadcastState(wire.TypeSessionStarting, false)
	s.rebuildInstances()
	s.postSystemOutputAll(msgSessionStarted)
	s.state = StateStarted
	s.broadcastState(wire.TypeSessionStarted, true)
	s.audit("session-started", actor.ID, "", "", nil)
	log.Printf("session=%s started by member=%s", s.id, actor.ID)
	return nil
}

// Reset rebuilds all instance state from the prototype tree, discarding
// in-flight executions unconditionally. Membership and config survive.
func (s *Session) Reset(actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, err := s.requireCapability(actorID, domain.CapManageSession)
	if err != nil {
		return err
	}
	if s.state != StateStarted {
		return apperrors.Newf(apperrors.CodeSessionStateChange, "cannot reset from state %q", s.state)
	}

	s.state = StateResetting
	s.rebuildInstances()
	s.postSystemOutputAll(msgSessionReset)
	s.state = StateStarted
	s.broadcastState(wire.TypeSessionReset, true)
	s.audit("session-reset", actor.ID, "", "", nil)
	log.Printf("session=%s reset by member=%s", s.id, actor.ID)
	return nil
}

// End freezes mutation. Instance state is retained for post-mortem review.
func (s *Session) End(actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, err := s.requireCapability(actorID, domain.CapManageSession)
	if err != nil {
		return err
	}
	if s.state != StateStarted {
		return apperrors.Newf(apperrors.CodeSessionStateChange, "cannot end from state %q", s.state)
	}

	s.state = StateEnding
	s.broadcastState(wire.TypeSessionEnding, false)
	// Invalidate pending timers; frozen executions never resolve.
	s.epoch++
	s.postSystemOutputAll(msgSessionEnded)
	s.state = StateEnded
	s.broadcastState(wire.TypeSessionEnded, false)
	s.audit("session-ended", actor.ID, "", "", nil)
	log.Printf("session=%s ended by member=%s", s.id, actor.ID)
	return nil
}

// UpdateConfig changes the session configuration.
func (s *Session) UpdateConfig(actorID string, config wire.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireCapability(actorID, domain.CapManageSession); err != nil {
		return err
	}
	if name := strings.TrimSpace(config.Name); name != "" {
		s.config.Name = name
	}
	if locale := strings.TrimSpace(config.Locale); locale != "" {
		s.config.Locale = locale
	}

	s.broadcast(func(policy visibility.Policy, _ *Member) *wire.Frame {
		if policy.SessionDataExposure == visibility.ExposureNone {
			return nil
		}
		return &wire.Frame{
			Type:    wire.TypeConfigUpdated,
			Payload: mustJSON(wire.ConfigUpdatePayload{Config: s.config}),
		}
	})
	return nil
}

// Destroy tears the session down, notifying and closing every connection.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.broadcast(func(visibility.Policy, *Member) *wire.Frame {
		return &wire.Frame{Type: wire.TypeSessionDestroyed}
	})
	for _, member := range s.members {
		if member.conn != nil {
			_ = member.conn.Close()
			member.conn = nil
		}
	}
	log.Printf("session=%s destroyed", s.id)
}

// rebuildInstances replaces the instance tree with a fresh derivation,
// reveals each force's root children and discards all executions.
func (s *Session) rebuildInstances() {
	s.epoch++
	s.tree = instance.NewTree(s.def)
	s.executions = make(map[string]execution.Execution)
	s.executionArgs = make(map[string]map[string]domain.ArgValue)
	for _, force := range s.tree.Forces() {
		s.tree.RevealRoot(force.ID)
	}
}

// removeMember is the single cleanup path shared by quit, kick and ban.
func (s *Session) removeMember(member *Member, reason string) {
	if member.conn != nil {
		_ = member.conn.Close()
		member.conn = nil
	}
	delete(s.members, member.ID)
	log.Printf("session=%s member removed member=%s reason=%s", s.id, member.ID, reason)
	s.broadcastMembers()
}

// requireCapability resolves the actor and checks one capability.
func (s *Session) requireCapability(actorID string, capability domain.Capability) (*Member, error) {
	member, ok := s.members[actorID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	}
	if !member.Role.Can(capability) {
		return nil, apperrors.Newf(apperrors.CodePermissionDenied, "role %q lacks %s", member.Role, capability)
	}
	return member, nil
}

// requireStarted rejects mutation outside the started state.
func (s *Session) requireStarted() error {
	switch s.state {
	case StateStarted:
		return nil
	case StateEnded, StateEnding:
		return apperrors.New(apperrors.CodeSessionEnded, "session has ended")
	default:
		return apperrors.New(apperrors.CodeSessionNotStarted, "session has not started")
	}
}

// audit appends a journal event; auditing failures are logged, never fatal.
func (s *Session) audit(eventType, actorID, forceID, nodeID string, payload []byte) {
	if s.journal == nil {
		return
	}
	_, err := s.journal.Append(context.Background(), storage.JournalEvent{
		MissionID: s.def.ID,
		SessionID: s.id,
		Type:      eventType,
		ActorID:   actorID,
		ForceID:   forceID,
		NodeID:    nodeID,
		Payload:   payload,
		At:        s.clock(),
	})
	if err != nil {
		log.Printf("session=%s journal append failed type=%s err=%v", s.id, eventType, err)
	}
}
