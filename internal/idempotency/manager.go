// Package idempotency implements the idempotency manager (C3): a single
// execute(key, op_type, principal, ttl, body) contract that every
// externally-triggered operation in this engine funnels through, so a
// redelivered upload, a retried export post, or a duplicated approval
// decision runs its side effect at most once.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
)

// DefaultTTL is the §4.3 default retention for completed/failed records.
const DefaultTTL = 24 * time.Hour

// DefaultMaxAttempts bounds how many times a failed operation may be
// retried under the same key before it is parked in the failed state.
const DefaultMaxAttempts = 3

// Body is the caller-supplied operation. Its return value is marshaled to
// JSON and stored as the record's result on success.
type Body func(ctx context.Context) (any, error)

// Repository is the persistence contract the manager needs.
// *repository.IdempotencyRepository satisfies it; tests supply an
// in-memory fake instead of standing up a database.
type Repository interface {
	TryInsert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	MarkCompleted(ctx context.Context, key string, result []byte) error
	MarkFailedOrRetry(ctx context.Context, key, errMsg string) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Manager is the C3 idempotency manager.
type Manager struct {
	repo Repository
	lock Lock
}

// NewManager constructs a Manager over repo with no distributed
// fast-path lock; every claim goes straight to Postgres.
func NewManager(repo Repository) *Manager {
	return &Manager{repo: repo}
}

// WithLock attaches a distributed Lock consulted before each Postgres
// claim attempt.
func (m *Manager) WithLock(lock Lock) *Manager {
	m.lock = lock
	return m
}

// Execute runs the §4.3 algorithm: look up key, and branch on its current
// state before ever invoking body. A fresh key is claimed, executed, and
// resolved to completed/failed in this same call; an in-flight key returns
// a KindDuplicate error immediately so the caller can poll or no-op rather
// than double-apply the side effect.
func (m *Manager) Execute(ctx context.Context, key, opType, principal string, ttl time.Duration, body Body) (json.RawMessage, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	rec := &domain.IdempotencyRecord{
		Key:         key,
		OpType:      opType,
		Principal:   principal,
		MaxAttempts: DefaultMaxAttempts,
		ExpiresAt:   time.Now().Add(ttl),
	}

	if m.lock != nil {
		acquired, err := m.lock.Acquire(ctx, key, ttl)
		if err == nil && !acquired {
			return nil, apperr.Duplicate("operation already in flight for this key").WithDetails(map[string]any{"key": key})
		}
		if err == nil {
			defer func() { _ = m.lock.Release(ctx, key) }()
		}
		// A lock error (Redis unreachable) falls through to the durable
		// claim below rather than failing the whole operation.
	}

	claimed, err := m.repo.TryInsert(ctx, rec)
	if err != nil {
		return nil, err
	}
	if claimed {
		return m.runAndResolve(ctx, key, body)
	}

	existing, err := m.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	switch existing.State {
	case domain.IdempotencyCompleted:
		return existing.Result, nil
	case domain.IdempotencyInFlight:
		return nil, apperr.Duplicate("operation already in flight for this key").WithDetails(map[string]any{"key": key})
	case domain.IdempotencyFailed:
		if !existing.CanRetry() {
			return nil, apperr.New(apperr.KindInternal, "MAX_ATTEMPTS_EXCEEDED", "operation exhausted its retry budget").WithDetails(map[string]any{"key": key, "attempts": existing.Attempts})
		}
		if err := m.repo.MarkFailedOrRetry(ctx, key, ""); err != nil {
			return nil, err
		}
		return m.runAndResolve(ctx, key, body)
	default:
		return nil, apperr.New(apperr.KindInternal, "UNKNOWN_STATE", "idempotency record in an unrecognized state").WithDetails(map[string]any{"key": key, "state": string(existing.State)})
	}
}

func (m *Manager) runAndResolve(ctx context.Context, key string, body Body) (json.RawMessage, error) {
	result, bodyErr := body(ctx)
	if bodyErr != nil {
		if err := m.repo.MarkFailedOrRetry(ctx, key, bodyErr.Error()); err != nil {
			return nil, err
		}
		return nil, bodyErr
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		_ = m.repo.MarkFailedOrRetry(ctx, key, marshalErr.Error())
		return nil, apperr.Wrap(marshalErr, apperr.KindInternal, "marshaling idempotent result")
	}

	if err := m.repo.MarkCompleted(ctx, key, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Sweep deletes expired completed/failed records, the body of the hourly
// idempotency-sweep scheduled task (§4.4).
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	return m.repo.SweepExpired(ctx, time.Now())
}
