package slo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// EventSource is the read-only outbox access the production aggregators
// need. *repository.SLORepository satisfies it.
type EventSource interface {
	EventsInWindow(ctx context.Context, eventType string, start, end time.Time) ([]store.OutboxEvent, error)
	EventsForAggregate(ctx context.Context, eventType, aggregateID string) ([]store.OutboxEvent, error)
}

// Aggregator turns outbox events into the SLI samples Engine.RecordSample
// expects, one method per scheduled cadence (§4.4's SLI measurement
// hourly/daily tasks).
type Aggregator struct {
	events EventSource
	engine *Engine
}

// NewAggregator constructs an Aggregator.
func NewAggregator(events EventSource, engine *Engine) *Aggregator {
	return &Aggregator{events: events, engine: engine}
}

// MeasureHourly computes the rolling-1h percentile-latency SLIs:
// time_to_ready, approval_latency, exception_resolution_time. Call this
// from the ScheduleSLIHourly task.
func (a *Aggregator) MeasureHourly(ctx context.Context, now time.Time) error {
	start := now.Add(-time.Hour)

	if err := a.measurePairedLatency(ctx, "time_to_ready", "invoice.received", "invoice.transitioned", readyTransition, time.Minute, start, now); err != nil {
		return err
	}
	if err := a.measurePairedLatency(ctx, "approval_latency", "approval.requested", "approval.decided", always, time.Hour, start, now); err != nil {
		return err
	}
	if err := a.measurePairedLatency(ctx, "exception_resolution_time", "exception.opened", "exception.resolved", always, time.Hour, start, now); err != nil {
		return err
	}
	return nil
}

// MeasureDaily computes the daily/weekly rate SLIs: validation_pass_rate,
// processing_success_rate, extraction_accuracy (all daily, 24h window) and
// duplicate_recall (weekly, 7-day window). Call this from the
// ScheduleSLIDaily task.
func (a *Aggregator) MeasureDaily(ctx context.Context, now time.Time) error {
	daily := now.Add(-24 * time.Hour)

	if err := a.measureValidationOutcomes(ctx, daily, now); err != nil {
		return err
	}
	if err := a.measureProcessingSuccess(ctx, daily, now); err != nil {
		return err
	}
	if err := a.measureExtractionAccuracy(ctx, daily, now); err != nil {
		return err
	}

	weekly := now.Add(-7 * 24 * time.Hour)
	if err := a.measureDuplicateRecall(ctx, weekly, now); err != nil {
		return err
	}
	return nil
}

// filterFn decides whether an "end" event counts toward a paired-latency
// SLI, inspecting its decoded payload.
type filterFn func(payload map[string]any) bool

func always(map[string]any) bool { return true }

func readyTransition(payload map[string]any) bool {
	state, _ := payload["new_state"].(string)
	return state == "ready"
}

// measurePairedLatency correlates a "start" event and an "end" event by
// aggregate_id (e.g. approval.requested / approval.decided for the same
// approval_request) and records the elapsed duration, in unit, as one
// sample per completed pair found in the window.
func (a *Aggregator) measurePairedLatency(ctx context.Context, sloName, startEvent, endEvent string, keep filterFn, unit time.Duration, windowStart, windowEnd time.Time) error {
	ends, err := a.events.EventsInWindow(ctx, endEvent, windowStart, windowEnd)
	if err != nil {
		return err
	}

	var samples []float64
	for _, end := range ends {
		var payload map[string]any
		if err := json.Unmarshal(end.Payload, &payload); err != nil {
			continue
		}
		if !keep(payload) {
			continue
		}

		starts, err := a.events.EventsForAggregate(ctx, startEvent, end.AggregateID)
		if err != nil {
			return err
		}
		if len(starts) == 0 {
			continue
		}
		elapsed := end.CreatedAt.Sub(starts[0].CreatedAt)
		samples = append(samples, float64(elapsed)/float64(unit))
	}

	if len(samples) == 0 {
		return nil
	}
	_, err = a.engine.RecordSample(ctx, sloName, samples, windowStart, windowEnd)
	return err
}

// measureValidationOutcomes records validation_pass_rate as a 0/100 sample
// per "validation.completed" event in the window.
func (a *Aggregator) measureValidationOutcomes(ctx context.Context, windowStart, windowEnd time.Time) error {
	events, err := a.events.EventsInWindow(ctx, "validation.completed", windowStart, windowEnd)
	if err != nil {
		return err
	}
	var samples []float64
	for _, evt := range events {
		var payload struct {
			Passed bool `json:"passed"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		samples = append(samples, boolSample(payload.Passed))
	}
	if len(samples) == 0 {
		return nil
	}
	_, err = a.engine.RecordSample(ctx, "validation_pass_rate", samples, windowStart, windowEnd)
	return err
}

// measureProcessingSuccess records processing_success_rate as a 0/100
// sample per invoice reaching a terminal state ("done" succeeds,
// "rejected" fails); "cancelled" is excluded since it is an operator
// action, not a processing outcome.
func (a *Aggregator) measureProcessingSuccess(ctx context.Context, windowStart, windowEnd time.Time) error {
	events, err := a.events.EventsInWindow(ctx, "invoice.transitioned", windowStart, windowEnd)
	if err != nil {
		return err
	}
	var samples []float64
	for _, evt := range events {
		var payload struct {
			NewState string `json:"new_state"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		switch payload.NewState {
		case "done":
			samples = append(samples, 100)
		case "rejected":
			samples = append(samples, 0)
		}
	}
	if len(samples) == 0 {
		return nil
	}
	_, err = a.engine.RecordSample(ctx, "processing_success_rate", samples, windowStart, windowEnd)
	return err
}

// measureExtractionAccuracy records extraction_accuracy as the
// mean-confidence figure (converted to a 0-100 scale) carried on each
// "extraction.created" event.
func (a *Aggregator) measureExtractionAccuracy(ctx context.Context, windowStart, windowEnd time.Time) error {
	events, err := a.events.EventsInWindow(ctx, "extraction.created", windowStart, windowEnd)
	if err != nil {
		return err
	}
	var samples []float64
	for _, evt := range events {
		var payload struct {
			MeanConfidence float64 `json:"mean_confidence"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		samples = append(samples, payload.MeanConfidence*100)
	}
	if len(samples) == 0 {
		return nil
	}
	_, err = a.engine.RecordSample(ctx, "extraction_accuracy", samples, windowStart, windowEnd)
	return err
}

// measureDuplicateRecall records duplicate_recall as the fraction of
// validations in the window whose duplicate check fired. This is a
// capture-rate proxy, not textbook recall: the duplicate rule always
// flags when the master-data lookup returns a candidate match (§4.5.3), so
// any recall loss lives entirely inside that external lookup's own
// fuzzy-matching quality, which this engine has no independent ground
// truth to measure. Tracked here as the closest available signal pending a
// labeled-duplicate reconciliation feed.
func (a *Aggregator) measureDuplicateRecall(ctx context.Context, windowStart, windowEnd time.Time) error {
	events, err := a.events.EventsInWindow(ctx, "validation.completed", windowStart, windowEnd)
	if err != nil {
		return err
	}
	var samples []float64
	for _, evt := range events {
		var payload struct {
			DuplicateFlagged bool `json:"duplicate_flagged"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		samples = append(samples, boolSample(payload.DuplicateFlagged))
	}
	if len(samples) == 0 {
		return nil
	}
	_, err = a.engine.RecordSample(ctx, "duplicate_recall", samples, windowStart, windowEnd)
	return err
}

func boolSample(b bool) float64 {
	if b {
		return 100
	}
	return 0
}
