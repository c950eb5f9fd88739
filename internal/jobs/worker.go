package jobs

import (
	"context"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// DefaultVisibilityTimeout bounds how long a lease holds a job before it
// reverts to queued for redelivery (§4.4's "only fault-tolerance mechanism
// for worker crashes").
const DefaultVisibilityTimeout = 5 * time.Minute

// DefaultPollInterval is how often an idle worker re-polls its queue when
// no wake signal arrives.
const DefaultPollInterval = 5 * time.Second

// Handler processes one job's payload. A returned error causes the job to
// be retried (or dead-lettered once its retry budget is exhausted); a nil
// return acks the job.
type Handler func(ctx context.Context, job *domain.Job) error

// Pool is a set of workers pulling from a single named queue.
type Pool struct {
	repo              Repository
	queue             string
	handler           Handler
	concurrency       int
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	policy            domain.RetryPolicy
	nc                *nats.Conn
	log               zerolog.Logger
}

// NewPool constructs a worker pool for queue, running concurrency workers
// in parallel, each leasing one job at a time.
func NewPool(repo Repository, queue string, concurrency int, handler Handler, log zerolog.Logger) *Pool {
	return &Pool{
		repo:              repo,
		queue:             queue,
		handler:           handler,
		concurrency:       concurrency,
		visibilityTimeout: DefaultVisibilityTimeout,
		pollInterval:      DefaultPollInterval,
		policy:            domain.DefaultRetryPolicy(),
		log:               log.With().Str("component", "worker_pool").Str("queue", queue).Logger(),
	}
}

// WithWakeSignal subscribes the pool to its queue's core-NATS wake subject
// so workers pick up new jobs without waiting for the next poll tick.
func (p *Pool) WithWakeSignal(nc *nats.Conn) *Pool {
	p.nc = nc
	return p
}

// WithRetryPolicy overrides the backoff policy workers apply on failure.
func (p *Pool) WithRetryPolicy(policy domain.RetryPolicy) *Pool {
	p.policy = policy
	return p
}

// WithPollInterval overrides the fallback poll cadence, mainly for tests
// that can't wait out the production default.
func (p *Pool) WithPollInterval(interval time.Duration) *Pool {
	p.pollInterval = interval
	return p
}

// Run starts concurrency worker goroutines and blocks until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	wake := make(chan struct{}, p.concurrency)
	if p.nc != nil {
		sub, err := p.nc.Subscribe(WakeSubjectPrefix+"."+p.queue, func(*nats.Msg) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			p.log.Warn().Err(err).Msg("wake subscription failed, falling back to polling only")
		} else {
			defer sub.Unsubscribe()
		}
	}

	done := make(chan struct{})
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, wake, done)
	}
	for i := 0; i < p.concurrency; i++ {
		<-done
	}
}

func (p *Pool) worker(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		p.leaseAndRun(ctx)
	}
}

// leaseAndRun leases and processes jobs back-to-back until the queue runs
// dry, so a burst of wake signals drains in one wake rather than one job
// per tick.
func (p *Pool) leaseAndRun(ctx context.Context) {
	for {
		job, err := p.repo.Lease(ctx, p.queue, p.visibilityTimeout)
		if err != nil {
			p.log.Error().Err(err).Msg("lease failed")
			return
		}
		if job == nil {
			return
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *domain.Job) {
	log := p.log.With().Str("job_id", string(job.ID)).Str("job_type", job.JobType).Logger()

	if err := p.handler(ctx, job); err != nil {
		log.Warn().Err(err).Int("attempt", job.Attempts).Msg("job handler failed")
		delay := p.policy.NextDelay(job.Attempts)
		jittered := delay + time.Duration(rand.Int63n(int64(delay)/4+1))
		maxAttempts := job.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = p.policy.MaxAttempts
		}
		if failErr := p.repo.Fail(ctx, job.ID, job.Attempts, maxAttempts, time.Now().Add(jittered), err.Error()); failErr != nil {
			log.Error().Err(failErr).Msg("failed to record job failure")
		}
		return
	}

	if err := p.repo.Ack(ctx, job.ID); err != nil {
		log.Error().Err(err).Msg("failed to ack job")
	}
}
