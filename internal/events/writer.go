package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Catalog event types.
const (
	DeviceRegistered = "device.registered"
	DeviceRemoved    = "device.removed"
	FileRecorded     = "file.recorded"
	FolderRecorded   = "folder.recorded"
	ActionSucceeded  = "action.succeeded"
	ActionFailed     = "action.failed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the event and
// the catalog change commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
