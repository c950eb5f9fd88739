package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/jobs"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// TestMain verifies every worker goroutine this package's tests start
// (Pool.Run's one goroutine per concurrency slot) exits once its test's
// context is cancelled, catching a pool that leaks workers past shutdown.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeJobRepository is an in-memory stand-in for JobRepository, enough to
// exercise the fabric and worker pool without a database.
type fakeJobRepository struct {
	mu    sync.Mutex
	queue []*domain.Job
	acked map[idgen.ID]bool
	dead  map[idgen.ID]*domain.Job
}

func newFakeJobRepository() *fakeJobRepository {
	return &fakeJobRepository{acked: map[idgen.ID]bool{}, dead: map[idgen.ID]*domain.Job{}}
}

func (f *fakeJobRepository) Enqueue(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = idgen.New()
	job.State = domain.JobQueued
	f.queue = append(f.queue, job)
	return nil
}

func (f *fakeJobRepository) Lease(_ context.Context, queue string, _ time.Duration) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.queue {
		if job.Queue == queue && job.State == domain.JobQueued {
			job.State = domain.JobLeased
			job.Attempts++
			return job, nil
		}
	}
	return nil, nil
}

func (f *fakeJobRepository) Ack(_ context.Context, id idgen.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[id] = true
	return nil
}

func (f *fakeJobRepository) Fail(_ context.Context, id idgen.ID, attempts, maxAttempts int, nextVisibleAt time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.queue {
		if job.ID != id {
			continue
		}
		if attempts >= maxAttempts {
			job.State = domain.JobDead
			job.LastError = lastErr
			f.dead[id] = job
			return nil
		}
		job.State = domain.JobQueued
		job.Attempts = attempts
		return nil
	}
	return nil
}

func (f *fakeJobRepository) ReclaimExpiredLeases(context.Context) (int64, error) { return 0, nil }

func (f *fakeJobRepository) DeadLetters(context.Context, string, int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, j := range f.dead {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobRepository) Requeue(context.Context, idgen.ID) error { return nil }

func (f *fakeJobRepository) DepthByState(_ context.Context, queue string, state domain.JobState) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.queue {
		if j.Queue == queue && j.State == state {
			n++
		}
	}
	return n, nil
}

func TestFabricEnqueueDurablyPersists(t *testing.T) {
	repo := newFakeJobRepository()
	fabric := jobs.NewFabric(repo, nil)

	job, err := fabric.Enqueue(context.Background(), domain.QueueProcessing, "process_invoice", map[string]string{"invoice_id": "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.QueueProcessing, job.Queue)
	assert.NotEmpty(t, job.ID)
}

func TestPoolProcessesEnqueuedJobAndAcks(t *testing.T) {
	repo := newFakeJobRepository()
	fabric := jobs.NewFabric(repo, nil)

	_, err := fabric.Enqueue(context.Background(), domain.QueueValidation, "validate", map[string]string{"x": "y"})
	require.NoError(t, err)

	processed := make(chan idgen.ID, 1)
	handler := func(_ context.Context, job *domain.Job) error {
		processed <- job.ID
		return nil
	}

	pool := jobs.NewPool(repo, domain.QueueValidation, 1, handler, zerolog.Nop()).WithPollInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { pool.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	select {
	case id := <-processed:
		assert.NotEmpty(t, id)
	case <-time.After(time.Second):
		t.Fatal("job was never processed within the poll interval")
	}
}

func TestPoolRetriesFailedJobUnderBudget(t *testing.T) {
	repo := newFakeJobRepository()
	fabric := jobs.NewFabric(repo, nil)
	job, err := fabric.Enqueue(context.Background(), domain.QueueExport, "post_export", "payload")
	require.NoError(t, err)
	job.MaxAttempts = 3

	var attempts int32
	handler := func(_ context.Context, j *domain.Job) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient failure")
		}
		return nil
	}

	policy := domain.RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 3}
	pool := jobs.NewPool(repo, domain.QueueExport, 1, handler, zerolog.Nop()).WithRetryPolicy(policy).WithPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { pool.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return attempts >= 2 }, time.Second, 10*time.Millisecond)
}
