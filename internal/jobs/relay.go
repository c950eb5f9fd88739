package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// OutboxSubjectPrefix namespaces every relayed event so subscribers can
// filter by aggregate type with a wildcard (outbox.invoice.>, etc.).
const OutboxSubjectPrefix = "outbox"

// OutboxStore is the persistence contract the relay needs. *store.DB
// satisfies it; tests supply an in-memory fake.
type OutboxStore interface {
	ClaimUnpublished(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []idgen.ID) error
}

// Publisher is the subset of jetstream.JetStream the relay uses, narrowed
// for testability.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Relay drains the outbox table to JetStream at least once (§4.4's
// "outbox relay, continuous" scheduled task). It never marks a row
// published until the publish round-trips an ack, so a relay crash
// mid-batch just re-publishes the same events next tick — each publish
// carries the event ID as its message ID, so consumers dedupe on it.
type Relay struct {
	db    OutboxStore
	js    Publisher
	log   zerolog.Logger
	batch int
}

// NewRelay constructs a Relay publishing through js.
func NewRelay(db OutboxStore, js Publisher, log zerolog.Logger) *Relay {
	return &Relay{db: db, js: js, log: log.With().Str("component", "outbox_relay").Logger(), batch: 100}
}

// Drain claims and publishes up to one batch of unpublished events,
// returning how many were relayed. Call it in a tight loop (or on a short
// ticker) for the "continuous" cadence §4.4 asks for.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.db.ClaimUnpublished(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]idgen.ID, 0, len(events))
	for _, evt := range events {
		subject := fmt.Sprintf("%s.%s.%s", OutboxSubjectPrefix, evt.AggregateType, evt.EventType)
		if _, err := r.js.Publish(ctx, subject, evt.Payload, jetstream.WithMsgID(string(evt.ID))); err != nil {
			r.log.Warn().Err(err).Str("event_id", string(evt.ID)).Str("subject", subject).Msg("publish failed, will retry next drain")
			continue
		}
		published = append(published, evt.ID)
	}

	if err := r.db.MarkPublished(ctx, published); err != nil {
		return len(published), err
	}
	return len(published), nil
}

// Run drains continuously until ctx is cancelled, sleeping interval between
// empty drains to avoid a hot loop when the outbox is caught up.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Drain(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("outbox drain failed")
				continue
			}
			if n > 0 {
				r.log.Debug().Int("count", n).Msg("relayed outbox events")
			}
		}
	}
}
