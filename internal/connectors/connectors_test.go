package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
)

func sampleExtraction() *domain.Extraction {
	return &domain.Extraction{
		Header: map[string]domain.Field{
			"total_amount": {Value: "100.00", Confidence: 0.4},
			"vendor_id":    {Value: "v-1", Confidence: 0.99},
		},
		Lines: []domain.LineItem{
			{LineNumber: 1, Fields: map[string]domain.Field{
				"description": {Value: "widget", Confidence: 0.5},
			}},
		},
	}
}

func TestExtractionAdapterPatchesLowConfidence(t *testing.T) {
	provider := NewInMemoryExtractionProvider()
	provider.Seed("ref-1", sampleExtraction())
	adapter := NewExtractionAdapter(provider, ThresholdConfidencePatcher{}, 0.8, zerolog.Nop())

	inv := &domain.Invoice{ID: idgen.New(), StorageRef: "ref-1"}
	ext, err := adapter.Extract(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, 0.8, ext.Header["total_amount"].Confidence)
	assert.Equal(t, 0.99, ext.Header["vendor_id"].Confidence)
	assert.Equal(t, 0.8, ext.Lines[0].Fields["description"].Confidence)
}

func TestExtractionAdapterSkipsPatchingAboveThreshold(t *testing.T) {
	provider := NewInMemoryExtractionProvider()
	ext := sampleExtraction()
	ext.Header["total_amount"] = domain.Field{Value: "100.00", Confidence: 0.95}
	ext.Lines[0].Fields["description"] = domain.Field{Value: "widget", Confidence: 0.95}
	provider.Seed("ref-1", ext)
	adapter := NewExtractionAdapter(provider, ThresholdConfidencePatcher{}, 0.8, zerolog.Nop())

	inv := &domain.Invoice{ID: idgen.New(), StorageRef: "ref-1"}
	got, err := adapter.Extract(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.Header["total_amount"].Confidence)
}

type failingPatcher struct{}

func (failingPatcher) PatchLowConfidence(context.Context, *domain.Extraction, float64) (*domain.Extraction, error) {
	return nil, errors.New("patcher unavailable")
}

func TestExtractionAdapterFallsBackOnPatcherFailure(t *testing.T) {
	provider := NewInMemoryExtractionProvider()
	provider.Seed("ref-1", sampleExtraction())
	adapter := NewExtractionAdapter(provider, failingPatcher{}, 0.8, zerolog.Nop())

	inv := &domain.Invoice{ID: idgen.New(), StorageRef: "ref-1"}
	got, err := adapter.Extract(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.Header["total_amount"].Confidence)
}

func TestExtractionAdapterTripsBreakerAfterConsecutiveFailures(t *testing.T) {
	provider := NewInMemoryExtractionProvider()
	adapter := NewExtractionAdapter(provider, nil, 0.8, zerolog.Nop())
	inv := &domain.Invoice{ID: idgen.New(), StorageRef: "missing-ref"}

	var lastErr error
	for i := 0; i < ConsecutiveFailureThreshold+1; i++ {
		_, lastErr = adapter.Extract(context.Background(), inv)
		require.Error(t, lastErr)
	}

	provider.Seed("missing-ref", sampleExtraction())
	_, err := adapter.Extract(context.Background(), inv)
	require.Error(t, err, "breaker should be open and fail fast even though the provider would now succeed")
}

func TestDestinationAdapterPostAndReverseRoundTrip(t *testing.T) {
	connector := NewInMemoryDestinationConnector()
	adapter := NewDestinationAdapter(connector)

	se := &domain.StagedExport{ID: idgen.New(), PreparedData: map[string]any{"amount": "100.00"}}
	ref, err := adapter.Post(context.Background(), se)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	se.ExternalRef = ref
	err = adapter.Reverse(context.Background(), se)
	require.NoError(t, err)
	assert.Contains(t, connector.reversed, ref)
}

func TestDestinationAdapterPrefersApprovedData(t *testing.T) {
	connector := NewInMemoryDestinationConnector()
	adapter := NewDestinationAdapter(connector)

	se := &domain.StagedExport{
		ID:           idgen.New(),
		PreparedData: map[string]any{"amount": "100.00"},
		ApprovedData: map[string]any{"amount": "90.00"},
	}
	_, err := adapter.Post(context.Background(), se)
	require.NoError(t, err)
	require.Len(t, connector.posted, 1)
	assert.Equal(t, "90.00", connector.posted[0]["amount"])
}

func TestMasterDataAdapterDelegatesToClient(t *testing.T) {
	client := NewInMemoryMasterData()
	client.Vendors["v-1"] = &validation.VendorRecord{ID: "v-1", Active: true}
	adapter := NewMasterDataAdapter(client)

	rec, err := adapter.VendorStatus(context.Background(), "v-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "v-1", rec.ID)

	rec, err = adapter.VendorStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
