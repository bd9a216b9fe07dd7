package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ClaimSubmitted    = "claim.submitted"
	ClaimTransition   = "claim.transition"
	ClaimDecided      = "claim.decided"
	ReviewTaskCreated = "review_task.created"
	ReviewTaskClosed  = "review_task.closed"
	PolicyUpserted    = "policy.upserted"
)

// SystemActor is recorded for writes the coordinator makes on its own.
const SystemActor = "claimline"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
