package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	TypeBatchCreated    = "batch.created"
	TypeBatchUpdated    = "batch.updated"
	TypeBatchTransition = "batch.transitioned"
	TypeTaskCreated     = "task.created"
	TypeTaskUpdated     = "task.updated"
	TypeTaskApproval    = "task.approval_changed"
	TypeTemplateChanged = "template.changed"
	TypeMappingChanged  = "mapping.changed"
	TypeLookupChanged   = "lookup.changed"
	TypeFacilityCreated = "facility.created"
	TypeConfigUpdated   = "facility.config_updated"
	TypeRoleAssigned    = "rbac.role_assigned"
	TypeRoleRevoked     = "rbac.role_revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the log
// entry commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, facilityID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,facility_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(facilityID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
