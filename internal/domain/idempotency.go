package domain

import "time"

// IdempotencyState is the lifecycle of one IdempotencyRecord (§3).
type IdempotencyState string

const (
	IdempotencyInFlight  IdempotencyState = "in_flight"
	IdempotencyCompleted IdempotencyState = "completed"
	IdempotencyFailed    IdempotencyState = "failed"
)

// IdempotencyRecord is the memory of an externally triggered operation
// (§3), keyed globally by Key.
type IdempotencyRecord struct {
	Key         string
	OpType      string
	State       IdempotencyState
	Attempts    int
	MaxAttempts int
	Result      []byte
	Error       string
	Principal   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// CanRetry reports whether a failed record is eligible for another
// attempt under its own max_attempts budget.
func (r IdempotencyRecord) CanRetry() bool {
	return r.State == IdempotencyFailed && r.Attempts < r.MaxAttempts
}

// Expired reports whether now is past the record's TTL, the condition the
// sweeper uses to decide what to delete.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
