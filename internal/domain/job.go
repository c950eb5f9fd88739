package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// JobState is the lifecycle of one queued unit of work (§3).
type JobState string

const (
	JobQueued    JobState = "queued"
	JobLeased    JobState = "leased"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobDead      JobState = "dead"
)

// Standard queue names from §4.4. Queue selection per job-type is a
// configuration mapping owned by the job fabric, not hardcoded here.
const (
	QueueIngestion  = "ingestion"
	QueueProcessing = "processing"
	QueueValidation = "validation"
	QueueExport     = "export"
	QueueMaintenance = "maintenance"
)

// Job is a unit of deferred work (§3).
type Job struct {
	ID            idgen.ID
	Queue         string
	JobType       string
	Payload       []byte
	Attempts      int
	MaxAttempts   int
	NextVisibleAt time.Time
	State         JobState
	LeaseDeadline *time.Time
	LastError     string
	CreatedAt     time.Time
}

// RetryPolicy parameterizes exponential backoff with jitter (§4.4).
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultRetryPolicy matches spec.md §4.4's stated typical defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 60 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Minute,
		MaxAttempts:  3,
	}
}

// NextDelay computes the un-jittered backoff delay for the given attempt
// number (1-indexed), capped at MaxDelay. Callers apply jitter themselves
// so the same policy can be reused deterministically in tests.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if d := time.Duration(delay); d < p.MaxDelay {
		return d
	}
	return p.MaxDelay
}
