package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// JobRepository backs the job fabric's durable queue table (C4): enqueue,
// lease with visibility timeout, ack/fail, and dead-letter transition.
type JobRepository struct {
	db *store.DB
}

// NewJobRepository constructs a JobRepository.
func NewJobRepository(db *store.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue inserts a new job in the queued state, immediately visible.
func (r *JobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	id := idgen.New()
	err := r.db.QueryRow(ctx, `
		INSERT INTO jobs (id, queue, job_type, payload, max_attempts, next_visible_at, state)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		RETURNING id, created_at
	`, id, job.Queue, job.JobType, job.Payload, job.MaxAttempts, domain.JobQueued).Scan(&id, &job.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "enqueuing job")
	}
	job.ID = id
	job.State = domain.JobQueued
	return nil
}

// Lease atomically claims one visible job from queue, setting it to
// leased with a deadline, using FOR UPDATE SKIP LOCKED so concurrent
// workers never double-lease the same row (§5's "at most one live lease").
func (r *JobRepository) Lease(ctx context.Context, queue string, visibilityTimeout time.Duration) (*domain.Job, error) {
	var job domain.Job
	var rawID string
	err := r.db.QueryRow(ctx, `
		UPDATE jobs SET state = $1, lease_deadline = now() + $2::interval, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $3 AND state = $4 AND next_visible_at <= now()
			ORDER BY next_visible_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, job_type, payload, attempts, max_attempts, next_visible_at, state, lease_deadline, created_at
	`, domain.JobLeased, visibilityTimeout, queue, domain.JobQueued).Scan(
		&rawID, &job.Queue, &job.JobType, &job.Payload, &job.Attempts, &job.MaxAttempts,
		&job.NextVisibleAt, &job.State, &job.LeaseDeadline, &job.CreatedAt)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "leasing job")
	}
	job.ID = idgen.ID(rawID)
	return &job, nil
}

// Ack marks a leased job succeeded.
func (r *JobRepository) Ack(ctx context.Context, id idgen.ID) error {
	return r.db.Exec(ctx, `UPDATE jobs SET state = $1 WHERE id = $2`, domain.JobSucceeded, string(id))
}

// Fail reschedules a job for retry at nextVisibleAt, or moves it to dead
// if the job has exhausted its max_attempts.
func (r *JobRepository) Fail(ctx context.Context, id idgen.ID, attempts, maxAttempts int, nextVisibleAt time.Time, lastErr string) error {
	state := domain.JobQueued
	if attempts >= maxAttempts {
		state = domain.JobDead
	}
	return r.db.Exec(ctx, `
		UPDATE jobs SET state = $1, next_visible_at = $2, last_error = $3, lease_deadline = NULL
		WHERE id = $4
	`, state, nextVisibleAt, lastErr, string(id))
}

// ReclaimExpiredLeases returns leased jobs whose lease_deadline has
// passed back to queued — the crash-recovery mechanism for worker deaths
// (§3's "a job leaves leased within lease_deadline or returns to queued").
func (r *JobRepository) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs SET state = $1, lease_deadline = NULL
		WHERE state = $2 AND lease_deadline < now()
	`, domain.JobQueued, domain.JobLeased)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindUnavailable, "reclaiming expired leases")
	}
	return tag.RowsAffected(), nil
}

// DeadLetters returns up to limit dead jobs in a queue for inspection or
// replay by the operator CLI.
func (r *JobRepository) DeadLetters(ctx context.Context, queue string, limit int) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, queue, job_type, payload, attempts, max_attempts, next_visible_at, state, last_error, created_at
		FROM jobs WHERE queue = $1 AND state = $2 ORDER BY created_at LIMIT $3
	`, queue, domain.JobDead, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing dead letters")
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job := &domain.Job{}
		var rawID string
		if err := rows.Scan(&rawID, &job.Queue, &job.JobType, &job.Payload, &job.Attempts, &job.MaxAttempts,
			&job.NextVisibleAt, &job.State, &job.LastError, &job.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning dead letter")
		}
		job.ID = idgen.ID(rawID)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Requeue moves a dead job back to queued, the replay operation exposed
// via cmd/apctl.
func (r *JobRepository) Requeue(ctx context.Context, id idgen.ID) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs SET state = $1, attempts = 0, next_visible_at = now(), last_error = NULL
		WHERE id = $2 AND state = $3
	`, domain.JobQueued, string(id), domain.JobDead)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "requeuing dead job")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("dead_job", string(id))
	}
	return nil
}

// DepthByState returns the number of jobs in a queue at a given state, used
// by the DLQ monitor scheduled task to alert on depth thresholds.
func (r *JobRepository) DepthByState(ctx context.Context, queue string, state domain.JobState) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE queue = $1 AND state = $2`, queue, state).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindUnavailable, "counting jobs by state")
	}
	return n, nil
}
