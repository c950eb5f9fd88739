package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// OutboxEvent is a row of the outbox table: a durable record of something
// that happened, written in the same transaction as the entity mutation it
// describes, and relayed to NATS JetStream at least once by the relay
// loop in internal/jobs. AggregateType/AggregateID let subscribers filter
// without decoding Payload.
type OutboxEvent struct {
	ID            idgen.ID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// AppendOutbox inserts an event row as part of tx, giving the caller's
// entity mutation and its audit event the same atomicity. Call this from
// inside an InTransaction closure, never standalone.
func AppendOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "marshalling outbox payload")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, idgen.New(), aggregateType, aggregateID, eventType, body)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "appending outbox event")
	}
	return nil
}

// ClaimUnpublished selects up to limit unpublished outbox rows, oldest
// first. It runs outside a transaction, so its FOR UPDATE SKIP LOCKED row
// locks last only for this one statement: two relays draining at the same
// time can both claim and publish the same rows.
func (d *DB) ClaimUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "claiming outbox rows")
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var id string
		if err := rows.Scan(&id, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning outbox row")
		}
		e.ID = idgen.ID(id)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkPublished stamps published_at for the given event IDs after the relay
// has successfully handed them to the message bus.
func (d *DB) MarkPublished(ctx context.Context, ids []idgen.ID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = ANY($1)`, toStrings(ids))
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "marking outbox rows published")
	}
	return nil
}

func toStrings(ids []idgen.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
