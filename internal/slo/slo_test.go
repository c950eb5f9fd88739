package slo

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

type fakeSLORepository struct {
	defs         map[string]domain.SLODefinition
	measurements []domain.SLIMeasurement
	alerts       []domain.SLOAlert
}

func newFakeSLORepository(defs []domain.SLODefinition) *fakeSLORepository {
	m := map[string]domain.SLODefinition{}
	for _, d := range defs {
		m[d.Name] = d
	}
	return &fakeSLORepository{defs: m}
}

func (f *fakeSLORepository) SeedDefinitions(_ context.Context, defs []domain.SLODefinition) error {
	for _, d := range defs {
		f.defs[d.Name] = d
	}
	return nil
}

func (f *fakeSLORepository) Definitions(context.Context) ([]domain.SLODefinition, error) {
	var out []domain.SLODefinition
	for _, d := range f.defs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeSLORepository) Definition(_ context.Context, name string) (*domain.SLODefinition, error) {
	d, ok := f.defs[name]
	if !ok {
		return nil, assert.AnError
	}
	return &d, nil
}

func (f *fakeSLORepository) SaveMeasurement(_ context.Context, m *domain.SLIMeasurement) error {
	f.measurements = append(f.measurements, *m)
	return nil
}

func (f *fakeSLORepository) RaiseAlert(_ context.Context, alert *domain.SLOAlert) error {
	now := time.Unix(1700000000, 0)
	alert.DetectedAt = now
	alert.DeliveredAt = &now
	f.alerts = append(f.alerts, *alert)
	return nil
}

func TestRecordSampleRaisesAlertOnSyntheticApprovalLatencyBreach(t *testing.T) {
	repo := newFakeSLORepository(domain.DefaultSLODefinitions())
	engine := New(repo, zerolog.Nop())

	samples := make([]float64, 101)
	for i := range samples {
		samples[i] = 3.0 // hours, against a 2h p95 target
	}

	start := time.Unix(1700000000, 0).Add(-time.Hour)
	end := time.Unix(1700000000, 0)
	m, err := engine.RecordSample(context.Background(), "approval_latency", samples, start, end)
	require.NoError(t, err)
	assert.Equal(t, 3.0, m.Value)

	require.Len(t, repo.alerts, 1)
	assert.Equal(t, "approval_latency", repo.alerts[0].SLOName)
	assert.GreaterOrEqual(t, repo.alerts[0].BurnRate, 2.0)
}

func TestRecordSampleNoAlertWhenWithinTarget(t *testing.T) {
	repo := newFakeSLORepository(domain.DefaultSLODefinitions())
	engine := New(repo, zerolog.Nop())

	samples := []float64{1.0, 1.5, 1.8, 0.5}
	start := time.Unix(1700000000, 0).Add(-time.Hour)
	end := time.Unix(1700000000, 0)
	_, err := engine.RecordSample(context.Background(), "approval_latency", samples, start, end)
	require.NoError(t, err)
	assert.Empty(t, repo.alerts)
}

func TestRecordSampleRateSLOBreach(t *testing.T) {
	repo := newFakeSLORepository(domain.DefaultSLODefinitions())
	engine := New(repo, zerolog.Nop())

	// validation_pass_rate target is >= 90%; 20 samples, 10 failing is a
	// 50% failure rate against a 10% error budget: burn rate 5.
	samples := make([]float64, 20)
	for i := range samples {
		if i < 10 {
			samples[i] = 0
		} else {
			samples[i] = 100
		}
	}
	start := time.Unix(1700000000, 0).Add(-24 * time.Hour)
	end := time.Unix(1700000000, 0)
	m, err := engine.RecordSample(context.Background(), "validation_pass_rate", samples, start, end)
	require.NoError(t, err)
	assert.Equal(t, 50.0, m.Value)
	require.Len(t, repo.alerts, 1)
	assert.InDelta(t, 5.0, repo.alerts[0].BurnRate, 0.01)
}

func TestPercentile95NearestRank(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 10.0, Percentile95(samples))
}

func TestPercentile95Empty(t *testing.T) {
	assert.Equal(t, 0.0, Percentile95(nil))
}
