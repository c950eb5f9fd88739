package export_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/export"
	"github.com/pesio-ai/ap-invoice-engine/internal/idempotency"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

type fakeExportRepository struct {
	exports map[idgen.ID]*domain.StagedExport
}

func newFakeExportRepository() *fakeExportRepository {
	return &fakeExportRepository{exports: map[idgen.ID]*domain.StagedExport{}}
}

func (f *fakeExportRepository) Prepare(_ context.Context, se *domain.StagedExport) error {
	se.ID = idgen.New()
	se.Status = domain.ExportPrepared
	se.Version = 1
	f.exports[se.ID] = se
	return nil
}

func (f *fakeExportRepository) GetByID(_ context.Context, id idgen.ID) (*domain.StagedExport, error) {
	se, ok := f.exports[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *se
	return &cp, nil
}

func (f *fakeExportRepository) TransitionReview(_ context.Context, se *domain.StagedExport, newStatus domain.ExportStatus, approvedBy string, approvedData map[string]any, diff []domain.FieldDiff) error {
	stored := f.exports[se.ID]
	stored.Status, stored.ApprovedBy, stored.ApprovedData, stored.Diff = newStatus, approvedBy, approvedData, diff
	se.Status, se.ApprovedBy, se.ApprovedData, se.Diff = newStatus, approvedBy, approvedData, diff
	return nil
}

func (f *fakeExportRepository) TransitionPost(_ context.Context, se *domain.StagedExport, postedBy string, postedData map[string]any, externalRef string, newStatus domain.ExportStatus) error {
	stored := f.exports[se.ID]
	now := time.Now()
	stored.Status, stored.PostedBy, stored.PostedData, stored.ExternalRef, stored.PostedAt = newStatus, postedBy, postedData, externalRef, &now
	se.Status, se.PostedBy, se.PostedData, se.ExternalRef, se.PostedAt = newStatus, postedBy, postedData, externalRef, &now
	return nil
}

func (f *fakeExportRepository) Rollback(_ context.Context, se *domain.StagedExport) error {
	stored := f.exports[se.ID]
	stored.Status = domain.ExportRolledBack
	se.Status = domain.ExportRolledBack
	return nil
}

type fakeDestination struct {
	externalRef string
	postErr     error
	reverseErr  error
	posts       int
	reverses    int
}

func (f *fakeDestination) Post(_ context.Context, _ *domain.StagedExport) (string, error) {
	f.posts++
	if f.postErr != nil {
		return "", f.postErr
	}
	return f.externalRef, nil
}

func (f *fakeDestination) Reverse(_ context.Context, _ *domain.StagedExport) error {
	f.reverses++
	return f.reverseErr
}

type fakeIdempotent struct {
	repo map[string]bool
}

func newFakeIdempotent() *fakeIdempotent { return &fakeIdempotent{repo: map[string]bool{}} }

func (f *fakeIdempotent) Execute(ctx context.Context, key, _ string, _ string, _ time.Duration, body idempotency.Body) (json.RawMessage, error) {
	if f.repo[key] {
		return json.RawMessage(`{}`), nil
	}
	if _, err := body(ctx); err != nil {
		return nil, err
	}
	f.repo[key] = true
	return json.RawMessage(`{}`), nil
}

func TestPrepareComputesQualityScore(t *testing.T) {
	repo := newFakeExportRepository()
	mgr := export.NewManager(repo, &fakeDestination{}, newFakeIdempotent())

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{
		"total_amount": "1000.00",
		"vendor_id":    "",
		"currency":     "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportPrepared, se.Status)
	assert.Equal(t, 66, se.QualityScore)
}

func TestDecideComputesDiffAndClassifiesSignificance(t *testing.T) {
	repo := newFakeExportRepository()
	mgr := export.NewManager(repo, &fakeDestination{}, newFakeIdempotent())

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{
		"total_amount": "1000.00",
		"due_date":     "2026-08-01",
	})
	require.NoError(t, err)
	_, err = mgr.BeginReview(context.Background(), se.ID)
	require.NoError(t, err)

	decided, err := mgr.Decide(context.Background(), se.ID, "approver1", true, map[string]any{
		"total_amount": "1200.00",
		"due_date":     "2026-08-01",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportApproved, decided.Status)
	require.Len(t, decided.Diff, 1)
	assert.Equal(t, "total_amount", decided.Diff[0].Path)
	assert.Equal(t, domain.SignificanceCritical, decided.Diff[0].Significance)
	assert.True(t, decided.RequiresElevatedApproval())
}

type fakeRoleLevels map[string]int

func (f fakeRoleLevels) RoleLevel(_ context.Context, principal string) (int, error) {
	return f[principal], nil
}

func TestDecideRejectsCriticalDiffBelowElevatedRoleLevel(t *testing.T) {
	repo := newFakeExportRepository()
	mgr := export.NewManager(repo, &fakeDestination{}, newFakeIdempotent()).
		WithRoleLevels(fakeRoleLevels{"clerk1": 1, "controller1": 3})

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{
		"total_amount": "1000.00",
	})
	require.NoError(t, err)
	_, err = mgr.BeginReview(context.Background(), se.ID)
	require.NoError(t, err)

	_, err = mgr.Decide(context.Background(), se.ID, "clerk1", true, map[string]any{"total_amount": "1200.00"})
	assert.Error(t, err)

	decided, err := mgr.Decide(context.Background(), se.ID, "controller1", true, map[string]any{"total_amount": "1200.00"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportApproved, decided.Status)
}

func TestPostIsIdempotentAcrossRetries(t *testing.T) {
	repo := newFakeExportRepository()
	dest := &fakeDestination{externalRef: "ext-123"}
	mgr := export.NewManager(repo, dest, newFakeIdempotent())

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{"total_amount": "1000.00"})
	require.NoError(t, err)
	repo.exports[se.ID].Status = domain.ExportApproved

	posted, err := mgr.Post(context.Background(), se.ID, "poster1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExportPosted, posted.Status)
	assert.Equal(t, "ext-123", posted.ExternalRef)

	_, err = mgr.Post(context.Background(), se.ID, "poster1")
	require.NoError(t, err)
	assert.Equal(t, 1, dest.posts)
}

func TestPostFailureMarksFailed(t *testing.T) {
	repo := newFakeExportRepository()
	dest := &fakeDestination{postErr: assert.AnError}
	mgr := export.NewManager(repo, dest, newFakeIdempotent())

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{"total_amount": "1000.00"})
	require.NoError(t, err)
	repo.exports[se.ID].Status = domain.ExportApproved

	_, err = mgr.Post(context.Background(), se.ID, "poster1")
	assert.Error(t, err)
	assert.Equal(t, domain.ExportFailed, repo.exports[se.ID].Status)
}

func TestRollbackRefusesAfterWindow(t *testing.T) {
	repo := newFakeExportRepository()
	mgr := export.NewManager(repo, &fakeDestination{}, newFakeIdempotent())

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{"total_amount": "1000.00"})
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	repo.exports[se.ID].Status = domain.ExportPosted
	repo.exports[se.ID].PostedAt = &old

	err = mgr.Rollback(context.Background(), se.ID, time.Now())
	assert.Error(t, err)
}

func TestRollbackWithinWindowInvokesReverse(t *testing.T) {
	repo := newFakeExportRepository()
	dest := &fakeDestination{}
	mgr := export.NewManager(repo, dest, newFakeIdempotent())

	se, err := mgr.Prepare(context.Background(), idgen.New(), "ledger", "json", "system", map[string]any{"total_amount": "1000.00"})
	require.NoError(t, err)
	recent := time.Now().Add(-time.Hour)
	repo.exports[se.ID].Status = domain.ExportPosted
	repo.exports[se.ID].PostedAt = &recent

	require.NoError(t, mgr.Rollback(context.Background(), se.ID, time.Now()))
	assert.Equal(t, domain.ExportRolledBack, repo.exports[se.ID].Status)
	assert.Equal(t, 1, dest.reverses)
}
