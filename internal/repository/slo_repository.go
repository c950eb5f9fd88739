package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// SLORepository persists SLO definitions, computed SLI measurements, and
// detected burn-rate alerts (C10).
type SLORepository struct {
	db *store.DB
}

// NewSLORepository constructs an SLORepository.
func NewSLORepository(db *store.DB) *SLORepository {
	return &SLORepository{db: db}
}

// SeedDefinitions upserts the given definitions, used once at startup to
// install the seven required SLOs without failing on a restart.
func (r *SLORepository) SeedDefinitions(ctx context.Context, defs []domain.SLODefinition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, d := range defs {
			_, err := tx.Exec(ctx, `
				INSERT INTO slo_definitions (name, target, unit, burn_alert_threshold)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (name) DO UPDATE SET target = $2, unit = $3, burn_alert_threshold = $4
			`, d.Name, d.Target, d.Unit, d.BurnAlertThreshold)
			if err != nil {
				return apperr.Wrap(err, apperr.KindUnavailable, "seeding slo definition")
			}
		}
		return nil
	})
}

// Definitions returns every registered SLO definition.
func (r *SLORepository) Definitions(ctx context.Context) ([]domain.SLODefinition, error) {
	rows, err := r.db.Query(ctx, `SELECT name, target, unit, burn_alert_threshold FROM slo_definitions ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing slo definitions")
	}
	defer rows.Close()

	var out []domain.SLODefinition
	for rows.Next() {
		var d domain.SLODefinition
		if err := rows.Scan(&d.Name, &d.Target, &d.Unit, &d.BurnAlertThreshold); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning slo definition")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Definition returns a single SLO definition by name.
func (r *SLORepository) Definition(ctx context.Context, name string) (*domain.SLODefinition, error) {
	var d domain.SLODefinition
	err := r.db.QueryRow(ctx, `SELECT name, target, unit, burn_alert_threshold FROM slo_definitions WHERE name = $1`, name).
		Scan(&d.Name, &d.Target, &d.Unit, &d.BurnAlertThreshold)
	if err != nil {
		return nil, store.WrapQueryErr(err, "slo_definition", name)
	}
	return &d, nil
}

// SaveMeasurement inserts a computed SLI sample.
func (r *SLORepository) SaveMeasurement(ctx context.Context, m *domain.SLIMeasurement) error {
	id := idgen.New()
	err := r.db.QueryRow(ctx, `
		INSERT INTO sli_measurements (id, slo_name, window_start, window_end, value)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, id, m.SLOName, m.WindowStart, m.WindowEnd, m.Value).Scan(&id, &m.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "inserting sli measurement")
	}
	m.ID = id
	return nil
}

// RecentMeasurements returns every measurement for an SLO with a window_end
// at or after since, oldest first.
func (r *SLORepository) RecentMeasurements(ctx context.Context, sloName string, since time.Time) ([]domain.SLIMeasurement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, slo_name, window_start, window_end, value, created_at
		FROM sli_measurements
		WHERE slo_name = $1 AND window_end >= $2
		ORDER BY window_end
	`, sloName, since)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing sli measurements")
	}
	defer rows.Close()

	var out []domain.SLIMeasurement
	for rows.Next() {
		var m domain.SLIMeasurement
		var rawID string
		if err := rows.Scan(&rawID, &m.SLOName, &m.WindowStart, &m.WindowEnd, &m.Value, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning sli measurement")
		}
		m.ID = idgen.ID(rawID)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EventsInWindow returns every outbox event of eventType whose row was
// created in [start, end), the raw material the SLO engine aggregates into
// SLI samples. Unlike ClaimUnpublished this reads regardless of
// publication state: SLI computation is a read-only observer of the outbox,
// never a consumer of it.
func (r *SLORepository) EventsInWindow(ctx context.Context, eventType string, start, end time.Time) ([]store.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at
		FROM outbox
		WHERE event_type = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`, eventType, start, end)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing outbox events in window")
	}
	defer rows.Close()

	var out []store.OutboxEvent
	for rows.Next() {
		var e store.OutboxEvent
		var id string
		if err := rows.Scan(&id, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning outbox row")
		}
		e.ID = idgen.ID(id)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsForAggregate returns every outbox event of eventType for a single
// aggregate_id, oldest first, with no time bound — used to correlate a
// "start" and "end" event pair (e.g. approval.requested / approval.decided)
// that may straddle a window boundary.
func (r *SLORepository) EventsForAggregate(ctx context.Context, eventType, aggregateID string) ([]store.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at
		FROM outbox
		WHERE event_type = $1 AND aggregate_id = $2
		ORDER BY created_at
	`, eventType, aggregateID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing outbox events for aggregate")
	}
	defer rows.Close()

	var out []store.OutboxEvent
	for rows.Next() {
		var e store.OutboxEvent
		var id string
		if err := rows.Scan(&id, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning outbox row")
		}
		e.ID = idgen.ID(id)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RaiseAlert inserts a detected burn-rate breach and emits an
// "slo.alert_detected" outbox event in the same transaction, so the
// already-continuous outbox relay carries it onward without a separate
// delivery path. DeliveredAt is stamped at the same instant: this
// component's delivery obligation ends at a durable outbox write: transport
// to the bus is the relay's concern and bounded by its own poll interval.
func (r *SLORepository) RaiseAlert(ctx context.Context, alert *domain.SLOAlert) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		id := idgen.New()
		err := tx.QueryRow(ctx, `
			INSERT INTO slo_alerts (id, slo_name, burn_rate, detected_at, delivered_at)
			VALUES ($1, $2, $3, now(), now())
			RETURNING id, detected_at, delivered_at
		`, id, alert.SLOName, alert.BurnRate).Scan(&id, &alert.DetectedAt, &alert.DeliveredAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting slo alert")
		}
		alert.ID = id

		return store.AppendOutbox(ctx, tx, "slo", alert.SLOName, "slo.alert_detected", map[string]any{
			"slo_name":  alert.SLOName,
			"burn_rate": alert.BurnRate,
			"severity":  "critical",
		})
	})
}
