package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/crucible-live/crucible/internal/mission/effect"
	"github.com/crucible-live/crucible/internal/session"
	"github.com/crucible-live/crucible/internal/storage"
	"github.com/crucible-live/crucible/internal/telemetry"
)

// Hub owns the live sessions, one actor per session id. Sessions are
// created lazily from stored mission definitions when the first grant
// holder connects.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session.Session

	missions storage.MissionStore
	journal  storage.Journal
	runner   effect.Runner
	callEnv  session.EnvironmentCaller
	emitter  *telemetry.Emitter
}

// HubOptions wires the hub's collaborators. Missions is required.
type HubOptions struct {
	Missions        storage.MissionStore
	Journal         storage.Journal
	Runner          effect.Runner
	CallEnvironment session.EnvironmentCaller
	Emitter         *telemetry.Emitter
}

// NewHub builds an empty hub.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Missions == nil {
		return nil, fmt.Errorf("mission store is required")
	}
	return &Hub{
		sessions: make(map[string]*session.Session),
		missions: opts.Missions,
		journal:  opts.Journal,
		runner:   opts.Runner,
		callEnv:  opts.CallEnvironment,
		emitter:  opts.Emitter,
	}, nil
}

// Session returns the live session for the grant, creating it from the
// stored mission definition if needed.
func (h *Hub) Session(ctx context.Context, missionID, sessionID string) (*session.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.sessions[sessionID]; ok {
		return existing, nil
	}

	def, err := h.missions.LoadMission(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("load mission %s: %w", missionID, err)
	}
	created, err := session.New(session.Options{
		SessionID:       sessionID,
		Mission:         def,
		Runner:          h.runner,
		CallEnvironment: h.callEnv,
		Journal:         h.journal,
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	h.sessions[sessionID] = created
	log.Printf("hub session created session=%s mission=%s", sessionID, missionID)
	h.emitter.Emit(ctx, telemetry.Event{
		MissionID: missionID,
		SessionID: sessionID,
		Kind:      "session-created",
	})
	return created, nil
}

// Destroy tears down one session and drops it from the hub.
func (h *Hub) Destroy(sessionID string) {
	h.mu.Lock()
	live, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	if ok {
		live.Destroy()
	}
}

// Shutdown destroys every live session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	live := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.sessions = make(map[string]*session.Session)
	h.mu.Unlock()

	for _, s := range live {
		s.Destroy()
	}
}
