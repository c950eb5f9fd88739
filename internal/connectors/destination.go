package connectors

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
)

// DestinationConnector is the §6 destination connector interface: posts a
// payload to a downstream accounting system and can reverse a prior post
// by its external_ref. The core never names a specific accounting system;
// this is the abstract export target.
type DestinationConnector interface {
	Post(ctx context.Context, payload map[string]any) (externalRef string, err error)
	Reverse(ctx context.Context, externalRef string) error
}

// DestinationAdapter wraps a DestinationConnector behind
// internal/export.Destination, behind a circuit breaker.
type DestinationAdapter struct {
	connector DestinationConnector
	breaker   *gobreaker.CircuitBreaker
}

// NewDestinationAdapter constructs a DestinationAdapter.
func NewDestinationAdapter(connector DestinationConnector) *DestinationAdapter {
	return &DestinationAdapter{connector: connector, breaker: newBreaker("destination_connector")}
}

// Post satisfies internal/export.Destination: posts the export's approved
// payload, falling back to the prepared payload if no approval diff was
// recorded.
func (a *DestinationAdapter) Post(ctx context.Context, se *domain.StagedExport) (string, error) {
	payload := se.ApprovedData
	if payload == nil {
		payload = se.PreparedData
	}
	result, err := a.breaker.Execute(func() (any, error) {
		return a.connector.Post(ctx, payload)
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindUnavailable, "destination connector post failed")
	}
	return result.(string), nil
}

// Reverse satisfies internal/export.Destination: reverses a prior post by
// its recorded external_ref.
func (a *DestinationAdapter) Reverse(ctx context.Context, se *domain.StagedExport) error {
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, a.connector.Reverse(ctx, se.ExternalRef)
	})
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "destination connector reverse failed")
	}
	return nil
}
