// Package jobs implements the job fabric (C4): named durable queues backed
// by Postgres (FOR UPDATE SKIP LOCKED leasing, at-least-once redelivery via
// visibility timeout), a worker pool that executes typed handlers with
// exponential backoff, a NATS wake channel so idle workers don't wait out a
// full poll interval, and the outbox relay and cron scheduler that ride
// alongside it.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// WakeSubjectPrefix is the core-NATS (non-JetStream) subject workers
// subscribe to for a low-latency nudge after Enqueue, rather than relying
// solely on the poll interval.
const WakeSubjectPrefix = "jobs.wake"

// Repository is the persistence contract the fabric needs.
// *repository.JobRepository satisfies it.
type Repository interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	Lease(ctx context.Context, queue string, visibilityTimeout time.Duration) (*domain.Job, error)
	Ack(ctx context.Context, id idgen.ID) error
	Fail(ctx context.Context, id idgen.ID, attempts, maxAttempts int, nextVisibleAt time.Time, lastErr string) error
	ReclaimExpiredLeases(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]*domain.Job, error)
	Requeue(ctx context.Context, id idgen.ID) error
	DepthByState(ctx context.Context, queue string, state domain.JobState) (int, error)
}

// Fabric is the C4 job fabric's producer-facing API: enqueue typed work and
// get a low-latency wake signal out to any idle worker pool.
type Fabric struct {
	repo     Repository
	nc       *nats.Conn
	policies map[string]domain.RetryPolicy
}

// NewFabric constructs a Fabric. nc may be nil in tests that don't care
// about the wake-signal optimization; Enqueue still durably persists via
// repo either way.
func NewFabric(repo Repository, nc *nats.Conn) *Fabric {
	return &Fabric{repo: repo, nc: nc, policies: map[string]domain.RetryPolicy{}}
}

// WithRetryPolicy overrides the retry policy for a specific job type;
// unconfigured types fall back to domain.DefaultRetryPolicy().
func (f *Fabric) WithRetryPolicy(jobType string, policy domain.RetryPolicy) *Fabric {
	f.policies[jobType] = policy
	return f
}

func (f *Fabric) policyFor(jobType string) domain.RetryPolicy {
	if p, ok := f.policies[jobType]; ok {
		return p
	}
	return domain.DefaultRetryPolicy()
}

// Enqueue submits payload as a new job of jobType on queue, durably
// persists it, and nudges any idle worker subscribed to queue's wake
// subject.
func (f *Fabric) Enqueue(ctx context.Context, queue, jobType string, payload any) (*domain.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	policy := f.policyFor(jobType)
	job := &domain.Job{
		Queue:       queue,
		JobType:     jobType,
		Payload:     body,
		MaxAttempts: policy.MaxAttempts,
	}
	if err := f.repo.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	if f.nc != nil {
		_ = f.nc.Publish(WakeSubjectPrefix+"."+queue, nil)
	}
	return job, nil
}
