// Package telemetry records operational events about the gateway and its
// sessions into the audit journal, separate from gameplay auditing.
package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/crucible-live/crucible/internal/storage"
)

// Severity describes the operational severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event is one operational occurrence worth recording.
type Event struct {
	MissionID string
	SessionID string
	Kind      string
	Severity  Severity
	Detail    map[string]any
}

// Emitter records operational events. A nil journal makes it a no-op.
type Emitter struct {
	journal storage.Journal
	clock   func() time.Time
}

// NewEmitter creates an operational event emitter.
func NewEmitter(journal storage.Journal) *Emitter {
	return &Emitter{journal: journal, clock: time.Now}
}

// Emit records one event. Failures are logged, never returned; telemetry
// must not disturb the serving path.
func (e *Emitter) Emit(ctx context.Context, evt Event) {
	if e == nil || e.journal == nil {
		return
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}

	detail := evt.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detail["severity"] = string(evt.Severity)
	payload, err := json.Marshal(detail)
	if err != nil {
		log.Printf("telemetry payload encode failed kind=%s err=%v", evt.Kind, err)
		return
	}

	_, err = e.journal.Append(ctx, storage.JournalEvent{
		MissionID: evt.MissionID,
		SessionID: evt.SessionID,
		Type:      "ops-" + evt.Kind,
		Payload:   payload,
		At:        e.clock(),
	})
	if err != nil {
		log.Printf("telemetry append failed kind=%s err=%v", evt.Kind, err)
	}
}
