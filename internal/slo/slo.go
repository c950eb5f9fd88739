// Package slo is the SLO + metrics core (§4.10, C10): it records SLI
// samples against the seven required service-level objectives, computes
// burn rate against each SLO's error budget, and raises an alert the
// instant a burn-rate threshold is crossed. Alert delivery rides the same
// outbox every other component uses, so the ≤30s delivery SLA falls out of
// the outbox relay's own poll interval rather than anything bespoke here.
package slo

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// PercentileErrorBudget is the error budget implied by a "_p95" SLO unit:
// a p95 target is itself a promise that at most 5% of samples may exceed
// it, so 5% is the budget independent of any configured target value.
const PercentileErrorBudget = 0.05

// Repository is the persistence contract the engine needs.
// *repository.SLORepository satisfies it.
type Repository interface {
	SeedDefinitions(ctx context.Context, defs []domain.SLODefinition) error
	Definitions(ctx context.Context) ([]domain.SLODefinition, error)
	Definition(ctx context.Context, name string) (*domain.SLODefinition, error)
	SaveMeasurement(ctx context.Context, m *domain.SLIMeasurement) error
	RaiseAlert(ctx context.Context, alert *domain.SLOAlert) error
}

// Engine computes SLIs and evaluates burn rate against the configured
// definitions.
type Engine struct {
	repo    Repository
	log     zerolog.Logger
	metrics *Metrics
}

// New constructs an Engine.
func New(repo Repository, log zerolog.Logger) *Engine {
	return &Engine{repo: repo, log: log.With().Str("component", "slo_engine").Logger()}
}

// WithMetrics attaches Prometheus metrics that RecordSample updates
// alongside its durable writes.
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// Seed installs the seven required SLO definitions, overwriting the target,
// unit and threshold of any definition already present.
func (e *Engine) Seed(ctx context.Context, defs []domain.SLODefinition) error {
	return e.repo.SeedDefinitions(ctx, defs)
}

// isPercentile reports whether an SLO's unit encodes a percentile latency
// target (e.g. "minutes_p95") rather than a rate/percentage target.
func isPercentile(unit string) bool {
	return strings.Contains(unit, "_p95")
}

// upperBound reports whether a value failing the SLO means "too high"
// (latency-style, ≤ target) as opposed to "too low" (rate-style, ≥ target).
func upperBound(unit string) bool {
	return isPercentile(unit)
}

// Percentile95 returns the 95th-percentile value of samples using
// nearest-rank interpolation. Samples need not be sorted; this sorts a
// copy. Returns 0 for an empty slice.
func Percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// RecordSample ingests one window's worth of raw per-entity samples for an
// SLO: it computes the aggregate SLI value (p95 for percentile-style SLOs,
// mean for rate-style ones), persists it as a measurement, computes the
// observed burn rate, and raises an alert if it crosses the SLO's
// burn_alert_threshold. This is the single ingestion path used by both the
// production aggregators below and synthetic test/ops injection (e.g.
// "inject N synthetic samples").
func (e *Engine) RecordSample(ctx context.Context, sloName string, samples []float64, windowStart, windowEnd time.Time) (*domain.SLIMeasurement, error) {
	def, err := e.repo.Definition(ctx, sloName)
	if err != nil {
		return nil, err
	}

	value := aggregate(def.Unit, samples)
	m := &domain.SLIMeasurement{SLOName: sloName, WindowStart: windowStart, WindowEnd: windowEnd, Value: value}
	if err := e.repo.SaveMeasurement(ctx, m); err != nil {
		return nil, err
	}

	burnRate := e.burnRate(*def, samples)
	if e.metrics != nil {
		e.metrics.SLIValue.WithLabelValues(sloName).Set(value)
		e.metrics.BurnRate.WithLabelValues(sloName).Set(burnRate)
	}

	if burnRate >= def.BurnAlertThreshold {
		alert := &domain.SLOAlert{SLOName: sloName, BurnRate: burnRate}
		if err := e.repo.RaiseAlert(ctx, alert); err != nil {
			return m, err
		}
		if e.metrics != nil {
			e.metrics.AlertsRaised.WithLabelValues(sloName).Inc()
		}
		e.log.Warn().Str("slo", sloName).Float64("burn_rate", burnRate).Float64("value", value).Msg("slo burn-rate threshold breached, alert raised")
	}
	return m, nil
}

// aggregate computes the SLI value to report for a window: p95 for
// percentile-style SLOs, the arithmetic mean for rate-style ones.
func aggregate(unit string, samples []float64) float64 {
	if isPercentile(unit) {
		return Percentile95(samples)
	}
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// burnRate computes the ratio of the observed per-sample failure rate to
// the SLO's error budget. Each sample is individually judged against the
// SLO's target — exceeding it for a ≤-type SLO, falling short for a
// ≥-type one — and the fraction of violating samples is the observed
// failure rate. The error budget for a percentile SLO is fixed at 5% (the
// percentile's own definition); for a rate SLO it is 1 − target/100.
func (e *Engine) burnRate(def domain.SLODefinition, samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var violations int
	for _, s := range samples {
		if upperBound(def.Unit) {
			if s > def.Target {
				violations++
			}
		} else {
			if s < def.Target {
				violations++
			}
		}
	}
	failureRate := float64(violations) / float64(len(samples))

	errorBudget := PercentileErrorBudget
	if !isPercentile(def.Unit) {
		errorBudget = 1 - def.Target/100
	}
	if errorBudget <= 0 {
		if failureRate > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return failureRate / errorBudget
}
