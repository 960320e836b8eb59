// Package sqlite provides the SQLite-backed mission store and audit
// journal.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/platform/storage/sqlitemigrate"
	"github.com/crucible-live/crucible/internal/storage"
	"github.com/crucible-live/crucible/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists mission definitions and the audit journal in SQLite.
type Store struct {
	sqlDB *sql.DB
	// appendMu serializes journal appends so per-mission sequence numbers
	// never collide.
	appendMu sync.Mutex
	clock    func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at the provided path and applies embedded
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveMission creates or replaces a mission definition.
func (s *Store) SaveMission(ctx context.Context, def *domain.MissionDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if def == nil {
		return fmt.Errorf("mission definition is required")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("validate mission: %w", err)
	}

	encoded, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode mission: %w", err)
	}

	now := toMillis(s.clock())
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO missions (id, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   definition = excluded.definition,
		   updated_at = excluded.updated_at`,
		def.ID,
		string(encoded),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

// LoadMission returns the stored definition by id, or ErrNotFound.
func (s *Store) LoadMission(ctx context.Context, id string) (*domain.MissionDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("mission id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT definition FROM missions WHERE id = ?", id)
	var encoded string
	if err := row.Scan(&encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load mission: %w", err)
	}

	var def domain.MissionDefinition
	if err := json.Unmarshal([]byte(encoded), &def); err != nil {
		return nil, fmt.Errorf("decode mission %s: %w", id, err)
	}
	return &def, nil
}

// ListMissionIDs returns all stored mission ids in insertion order.
func (s *Store) ListMissionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT id FROM missions ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan mission id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missions: %w", err)
	}
	return ids, nil
}

// DeleteMission removes a definition; missing ids are not an error.
func (s *Store) DeleteMission(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("mission id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM missions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete mission: %w", err)
	}
	return nil
}

// Append stores one journal event and returns its per-mission sequence.
func (s *Store) Append(ctx context.Context, event storage.JournalEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(event.MissionID) == "" {
		return 0, fmt.Errorf("mission id is required")
	}
	if strings.TrimSpace(event.Type) == "" {
		return 0, fmt.Errorf("event type is required")
	}
	at := event.At
	if at.IsZero() {
		at = s.clock()
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}

	var seq int64
	row := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM journal_events WHERE mission_id = ?",
		event.MissionID,
	)
	if err := row.Scan(&seq); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO journal_events
		   (mission_id, seq, session_id, event_type, actor_id, force_id, node_id, payload, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.MissionID,
		seq,
		event.SessionID,
		event.Type,
		event.ActorID,
		event.ForceID,
		event.NodeID,
		payload,
		toMillis(at),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// Query returns a mission's events matching an AIP-160 filter, ordered by
// sequence.
func (s *Store) Query(ctx context.Context, missionID string, filter string, limit int) ([]storage.JournalEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	missionID = strings.TrimSpace(missionID)
	if missionID == "" {
		return nil, fmt.Errorf("mission id is required")
	}

	condition, err := parseJournalFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("journal filter: %w", err)
	}

	query := `SELECT mission_id, seq, session_id, event_type, actor_id, force_id, node_id, payload, at
	 FROM journal_events
	 WHERE mission_id = ?`
	params := []any{missionID}
	if condition.Clause != "" {
		query += " AND " + condition.Clause
		params = append(params, condition.Params...)
	}
	query += " ORDER BY seq"
	if limit > 0 {
		query += " LIMIT ?"
		params = append(params, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var events []storage.JournalEvent
	for rows.Next() {
		var event storage.JournalEvent
		var payload sql.NullString
		var at int64
		if err := rows.Scan(
			&event.MissionID,
			&event.Seq,
			&event.SessionID,
			&event.Type,
			&event.ActorID,
			&event.ForceID,
			&event.NodeID,
			&payload,
			&at,
		); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		event.At = fromMillis(at)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return events, nil
}
