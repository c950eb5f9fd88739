package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// IdempotencyRepository persists IdempotencyRecord rows for the idempotency
// manager (C3). Insertion relies on the key's UNIQUE constraint to
// serialize concurrent first-attempts at the storage layer (§5).
type IdempotencyRepository struct {
	db *store.DB
}

// NewIdempotencyRepository constructs an IdempotencyRepository.
func NewIdempotencyRepository(db *store.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// TryInsert attempts to claim key as a fresh in_flight record. It returns
// ok=false (no error) when the key already exists, letting the caller
// branch to the completed/in_flight/failed handling in §4.3's algorithm.
func (r *IdempotencyRepository) TryInsert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	var returnedKey string
	err := r.db.QueryRow(ctx, `
		INSERT INTO idempotency_records (key, op_type, state, attempts, max_attempts, principal, created_at, expires_at)
		VALUES ($1, $2, $3, 1, $4, $5, now(), $6)
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, rec.Key, rec.OpType, domain.IdempotencyInFlight, rec.MaxAttempts, rec.Principal, rec.ExpiresAt).Scan(&returnedKey)
	if store.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindUnavailable, "inserting idempotency record")
	}
	rec.State, rec.Attempts = domain.IdempotencyInFlight, 1
	return true, nil
}

// Get loads a record by key.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.db.QueryRow(ctx, `
		SELECT key, op_type, state, attempts, max_attempts, result, error, principal, created_at, expires_at
		FROM idempotency_records WHERE key = $1
	`, key).Scan(&rec.Key, &rec.OpType, &rec.State, &rec.Attempts, &rec.MaxAttempts, &rec.Result, &rec.Error, &rec.Principal, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, store.WrapQueryErr(err, "idempotency_record", key)
	}
	return &rec, nil
}

// MarkCompleted stores the successful result and transitions to completed.
func (r *IdempotencyRepository) MarkCompleted(ctx context.Context, key string, result []byte) error {
	if err := r.db.Exec(ctx, `
		UPDATE idempotency_records SET state = $1, result = $2 WHERE key = $3
	`, domain.IdempotencyCompleted, result, key); err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "marking idempotency record completed")
	}
	return nil
}

// MarkFailedOrRetry sets failed (if attempts have exhausted max_attempts)
// or bumps attempts and returns to in_flight for a future retry.
func (r *IdempotencyRepository) MarkFailedOrRetry(ctx context.Context, key, errMsg string) error {
	rec, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Attempts >= rec.MaxAttempts {
		return r.db.Exec(ctx, `UPDATE idempotency_records SET state = $1, error = $2 WHERE key = $3`, domain.IdempotencyFailed, errMsg, key)
	}
	return r.db.Exec(ctx, `UPDATE idempotency_records SET state = $1, attempts = attempts + 1, error = $2 WHERE key = $3`, domain.IdempotencyInFlight, errMsg, key)
}

// SweepExpired deletes expired completed/failed records, the background
// sweeper's only operation.
func (r *IdempotencyRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		DELETE FROM idempotency_records WHERE expires_at < $1 AND state IN ('completed', 'failed')
	`, now)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindUnavailable, "sweeping expired idempotency records")
	}
	return tag.RowsAffected(), nil
}
