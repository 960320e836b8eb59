package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/storage"
)

func testDefinition(id string) *domain.MissionDefinition {
	return &domain.MissionDefinition{
		ID:         id,
		Name:       "Border Incident",
		RevealMode: domain.RevealHide,
		RootID:     "root",
		Prototypes: map[string]domain.Prototype{
			"root":  {ID: "root", Name: "Root", ChildIDs: []string{"recon"}},
			"recon": {ID: "recon", Name: "Recon", ParentID: "root", Depth: 1},
		},
		Forces: []domain.ForceDefinition{
			{ID: "red", Name: "Red", InitialPool: 100},
		},
	}
}

func TestMissionRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.SaveMission(context.Background(), testDefinition("m-1")); err != nil {
		t.Fatalf("save mission: %v", err)
	}

	def, err := store.LoadMission(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("load mission: %v", err)
	}
	if def.Name != "Border Incident" {
		t.Fatalf("name = %q, want Border Incident", def.Name)
	}
	if len(def.Prototypes) != 2 {
		t.Fatalf("prototypes len = %d, want 2", len(def.Prototypes))
	}
	if def.Prototypes["recon"].ParentID != "root" {
		t.Fatal("prototype relationships should survive the round trip")
	}
}

func TestSaveMissionReplacesExisting(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.SaveMission(context.Background(), testDefinition("m-1")); err != nil {
		t.Fatalf("save mission: %v", err)
	}
	updated := testDefinition("m-1")
	updated.Name = "Border Incident v2"
	if err := store.SaveMission(context.Background(), updated); err != nil {
		t.Fatalf("replace mission: %v", err)
	}

	def, err := store.LoadMission(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("load mission: %v", err)
	}
	if def.Name != "Border Incident v2" {
		t.Fatalf("name = %q, want Border Incident v2", def.Name)
	}

	ids, err := store.ListMissionIDs(context.Background())
	if err != nil {
		t.Fatalf("list missions: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids len = %d, want 1", len(ids))
	}
}

func TestLoadMissionNotFound(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := store.LoadMission(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.DeleteMission(context.Background(), "missing"); err != nil {
		t.Fatalf("deleting a missing mission should not error: %v", err)
	}
}

func TestSaveMissionRejectsInvalidDefinition(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	def := testDefinition("m-1")
	def.Forces = nil
	if err := store.SaveMission(context.Background(), def); err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestJournalAppendAssignsPerMissionSequence(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i, missionID := range []string{"m-1", "m-1", "m-2", "m-1"} {
		seq, err := store.Append(context.Background(), storage.JournalEvent{
			MissionID: missionID,
			SessionID: "s-1",
			Type:      "session-started",
			At:        at.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		wantSeq := map[int]int64{0: 1, 1: 2, 2: 1, 3: 3}[i]
		if seq != wantSeq {
			t.Fatalf("append %d: seq = %d, want %d", i, seq, wantSeq)
		}
	}
}

func TestJournalQueryFilters(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	events := []storage.JournalEvent{
		{MissionID: "m-1", SessionID: "s-1", Type: "session-started", At: at},
		{MissionID: "m-1", SessionID: "s-1", Type: "execution-started", ActorID: "p-1", ForceID: "red", NodeID: "recon", At: at},
		{MissionID: "m-1", SessionID: "s-1", Type: "execution-resolved", ForceID: "red", NodeID: "recon", Payload: json.RawMessage(`{"outcome":"succeeded"}`), At: at},
		{MissionID: "m-1", SessionID: "s-2", Type: "execution-started", ActorID: "p-2", ForceID: "blue", NodeID: "strike", At: at},
	}
	for i, event := range events {
		if _, err := store.Append(context.Background(), event); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.Query(context.Background(), "m-1", "", 0)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("all len = %d, want 4", len(all))
	}
	for i, event := range all {
		if event.Seq != int64(i+1) {
			t.Fatalf("event %d: seq = %d, want ordered by sequence", i, event.Seq)
		}
	}
	if string(all[2].Payload) != `{"outcome":"succeeded"}` {
		t.Fatalf("payload = %s, want outcome payload", all[2].Payload)
	}
	if !all[0].At.Equal(at) {
		t.Fatalf("at = %v, want %v", all[0].At, at)
	}

	red, err := store.Query(context.Background(), "m-1", `force_id = "red" AND type = "execution-started"`, 0)
	if err != nil {
		t.Fatalf("query filtered: %v", err)
	}
	if len(red) != 1 || red[0].ActorID != "p-1" {
		t.Fatalf("filtered = %+v, want the single red execution-started event", red)
	}

	either, err := store.Query(context.Background(), "m-1", `session_id = "s-2" OR type = "session-started"`, 0)
	if err != nil {
		t.Fatalf("query or: %v", err)
	}
	if len(either) != 2 {
		t.Fatalf("or len = %d, want 2", len(either))
	}

	limited, err := store.Query(context.Background(), "m-1", "", 2)
	if err != nil {
		t.Fatalf("query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited len = %d, want 2", len(limited))
	}
}

func TestJournalQueryRejectsUnknownField(t *testing.T) {
	store, err := Open(t.TempDir() + "/crucible.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := store.Query(context.Background(), "m-1", `severity = "high"`, 0); err == nil {
		t.Fatal("expected an unknown-field error")
	}
}
