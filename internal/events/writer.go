package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"planboard/internal/domain"
)

const (
	TaskCreated       = "task.created"
	TaskPatched       = "task.patched"
	TaskStatusChanged = "task.status_changed"
	TaskDeleted       = "task.deleted"
	SessionUpserted   = "session.upserted"
	UploadStored      = "upload.stored"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records an event inside the caller's transaction so the log never
// disagrees with the rows it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, userID, entityKind, entityID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(domain.Timestamp), evtType, nullable(userID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
