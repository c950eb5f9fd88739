// Package connectors adapts the engine's external collaborators — the
// extraction provider, the LLM confidence patcher, the destination
// connector, and vendor/PO/GRN master data — behind the interfaces
// internal/validation, internal/workflow and internal/export consume.
// Every adapter wraps its call in a circuit breaker per §5: five
// consecutive failures trip it open for a cool-down, after which calls
// fail fast instead of piling up behind a collaborator that is down.
package connectors

import (
	"time"

	"github.com/sony/gobreaker"
)

// ConsecutiveFailureThreshold is the §5 default trip threshold.
const ConsecutiveFailureThreshold = 5

// CoolDown is the §5 default open-state duration before a breaker allows a
// trial request through again.
const CoolDown = 5 * time.Minute

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= ConsecutiveFailureThreshold
		},
	})
}
