package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline appends immutable business events inside the caller's transaction.
// Seq is monotonic per entity; the unique constraint on
// (entity_type, entity_id, seq) rejects interleaved writers, which is why
// Append must run while the entity row is locked.
type Timeline struct{}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Append(ctx context.Context, tx pgx.Tx, entityType, entityID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
INSERT INTO timeline_events (entity_type, entity_id, seq, type, payload, actor_id)
SELECT $1, $2, COALESCE(MAX(seq),0)+1, $3, $4::jsonb, $5::uuid
FROM timeline_events
WHERE entity_type = $1 AND entity_id = $2
`
	if _, err := tx.Exec(ctx, q, entityType, entityID, eventType, body, actor); err != nil {
		return fmt.Errorf("eventlog: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues transactional outbox messages for downstream delivery.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal outbox payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("eventlog: enqueue outbox: %w", err)
	}
	return nil
}
