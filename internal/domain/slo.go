package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// SLODefinition declares a service-level objective (§4.10).
type SLODefinition struct {
	Name               string
	Target             float64
	Unit               string
	BurnAlertThreshold float64
}

// DefaultSLODefinitions returns the seven required SLOs from §4.10.
func DefaultSLODefinitions() []SLODefinition {
	return []SLODefinition{
		{Name: "time_to_ready", Target: 5, Unit: "minutes_p95", BurnAlertThreshold: 2.0},
		{Name: "validation_pass_rate", Target: 90, Unit: "percent_daily", BurnAlertThreshold: 2.0},
		{Name: "duplicate_recall", Target: 98, Unit: "percent_weekly", BurnAlertThreshold: 2.0},
		{Name: "approval_latency", Target: 2, Unit: "hours_p95", BurnAlertThreshold: 2.0},
		{Name: "processing_success_rate", Target: 95, Unit: "percent_daily", BurnAlertThreshold: 2.0},
		{Name: "extraction_accuracy", Target: 92, Unit: "mean_confidence_daily", BurnAlertThreshold: 2.0},
		{Name: "exception_resolution_time", Target: 4, Unit: "hours_p95", BurnAlertThreshold: 2.0},
	}
}

// SLIMeasurement is one computed sample of an SLO over a fixed window.
type SLIMeasurement struct {
	ID          idgen.ID
	SLOName     string
	WindowStart time.Time
	WindowEnd   time.Time
	Value       float64
	CreatedAt   time.Time
}

// SLOAlert records a detected burn-rate breach and, once emitted, when
// delivery completed — used to audit the 30-second delivery SLA.
type SLOAlert struct {
	ID          idgen.ID
	SLOName     string
	BurnRate    float64
	DetectedAt  time.Time
	DeliveredAt *time.Time
}

// DeliveryLatency reports how long an alert took to deliver, or false if
// it hasn't been delivered yet.
func (a SLOAlert) DeliveryLatency() (time.Duration, bool) {
	if a.DeliveredAt == nil {
		return 0, false
	}
	return a.DeliveredAt.Sub(a.DetectedAt), true
}
