// Package storage defines the persistence interfaces consumed by the
// server: authored mission definitions and the append-only audit journal.
// Implementations live in subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// MissionStore persists authored mission definitions.
type MissionStore interface {
	// SaveMission creates or replaces a mission definition.
	SaveMission(ctx context.Context, def *domain.MissionDefinition) error
	// LoadMission returns the definition by id, or ErrNotFound.
	LoadMission(ctx context.Context, id string) (*domain.MissionDefinition, error)
	// ListMissionIDs returns all stored mission ids in insertion order.
	ListMissionIDs(ctx context.Context) ([]string, error)
	// DeleteMission removes a definition; missing ids are not an error.
	DeleteMission(ctx context.Context, id string) error
}

// JournalEvent is one immutable audit record. Seq is assigned per mission
// by the journal on append.
type JournalEvent struct {
	MissionID string
	SessionID string
	Seq       int64
	Type      string
	ActorID   string
	ForceID   string
	NodeID    string
	Payload   json.RawMessage
	At        time.Time
}

// Journal is the append-only audit log of session activity.
type Journal interface {
	// Append stores the event and returns its per-mission sequence number.
	Append(ctx context.Context, event JournalEvent) (int64, error)
	// Query returns events for a mission matching an AIP-160 filter
	// expression over type, session_id, actor_id, force_id and node_id.
	// An empty filter matches everything. Results are ordered by sequence.
	Query(ctx context.Context, missionID string, filter string, limit int) ([]JournalEvent, error)
}
