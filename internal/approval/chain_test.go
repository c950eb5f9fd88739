package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/approval"
	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

type fakeApprovalRepository struct {
	requests map[idgen.ID]*domain.ApprovalRequest
}

func newFakeApprovalRepository() *fakeApprovalRepository {
	return &fakeApprovalRepository{requests: map[idgen.ID]*domain.ApprovalRequest{}}
}

func (f *fakeApprovalRepository) Create(_ context.Context, req *domain.ApprovalRequest) error {
	req.ID = idgen.New()
	req.State = domain.ApprovalPending
	for i := range req.Steps {
		req.Steps[i].Status = domain.StepPending
	}
	f.requests[req.ID] = req
	return nil
}

func (f *fakeApprovalRepository) FindBySubjectRef(_ context.Context, subjectRef string) (*domain.ApprovalRequest, error) {
	for _, req := range f.requests {
		if req.SubjectRef == subjectRef {
			cp := *req
			cp.Steps = append([]domain.ApprovalStep{}, req.Steps...)
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeApprovalRepository) GetByID(_ context.Context, id idgen.ID) (*domain.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *req
	cp.Steps = append([]domain.ApprovalStep{}, req.Steps...)
	return &cp, nil
}

func (f *fakeApprovalRepository) RecordDecision(_ context.Context, req *domain.ApprovalRequest, stepIndex int, principal string, decision domain.StepStatus, comment, delegateTo string) error {
	stored := f.requests[req.ID]
	stored.Steps[stepIndex].Status = decision
	if delegateTo != "" {
		stored.Steps[stepIndex].DelegatedTo = delegateTo
	}
	switch {
	case decision == domain.StepRejected:
		stored.State = domain.ApprovalRejected
	case stored.AllApproved():
		stored.State = domain.ApprovalApproved
	}
	req.Steps = append([]domain.ApprovalStep{}, stored.Steps...)
	req.State = stored.State
	return nil
}

func (f *fakeApprovalRepository) PendingRequestIDs(_ context.Context) ([]idgen.ID, error) {
	var ids []idgen.ID
	for id, req := range f.requests {
		if req.State == domain.ApprovalPending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeRoleLevels struct {
	levels map[string]int
}

func (f *fakeRoleLevels) RoleLevel(_ context.Context, principal string) (int, error) {
	return f.levels[principal], nil
}

func twoStepChain() []domain.ApprovalStep {
	return []domain.ApprovalStep{
		{StepIndex: 0, ApproverPrincipal: "mgr1", RequiredRoleLevel: 2},
		{StepIndex: 1, ApproverPrincipal: "cfo1", RequiredRoleLevel: 4},
	}
}

func TestChainSequentialApproval(t *testing.T) {
	repo := newFakeApprovalRepository()
	chain := approval.NewChain(repo, &fakeRoleLevels{})

	req, err := chain.Start(context.Background(), "invoice:inv-1", domain.ApprovalKindInvoice, 1, twoStepChain(), nil)
	require.NoError(t, err)

	req, err = chain.Decide(context.Background(), req.ID, "mgr1", domain.StepApproved, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, req.State)

	req, err = chain.Decide(context.Background(), req.ID, "cfo1", domain.StepApproved, "approved")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, req.State)
}

func TestChainRejectionStopsTheChain(t *testing.T) {
	repo := newFakeApprovalRepository()
	chain := approval.NewChain(repo, &fakeRoleLevels{})

	req, err := chain.Start(context.Background(), "invoice:inv-2", domain.ApprovalKindInvoice, 1, twoStepChain(), nil)
	require.NoError(t, err)

	req, err = chain.Decide(context.Background(), req.ID, "mgr1", domain.StepRejected, "bad vendor")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, req.State)
}

func TestChainDelegateRequiresSufficientRoleLevel(t *testing.T) {
	repo := newFakeApprovalRepository()
	roles := &fakeRoleLevels{levels: map[string]int{"junior1": 1, "senior1": 3}}
	chain := approval.NewChain(repo, roles)

	req, err := chain.Start(context.Background(), "invoice:inv-3", domain.ApprovalKindInvoice, 1, twoStepChain(), nil)
	require.NoError(t, err)

	_, err = chain.Delegate(context.Background(), req.ID, "junior1")
	assert.Error(t, err)

	_, err = chain.Delegate(context.Background(), req.ID, "senior1")
	assert.NoError(t, err)
}

func TestDueForEscalationDetectsOverdueStep(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	req := &domain.ApprovalRequest{Steps: []domain.ApprovalStep{{StepIndex: 0, Status: domain.StepPending, DueAt: &past}}}

	step, escalate := approval.DueForEscalation(req, time.Now())
	assert.True(t, escalate)
	assert.Equal(t, 0, step.StepIndex)
}

func TestDueForEscalationFalseWhenNotYetDue(t *testing.T) {
	future := time.Now().Add(time.Hour)
	req := &domain.ApprovalRequest{Steps: []domain.ApprovalStep{{StepIndex: 0, Status: domain.StepPending, DueAt: &future}}}

	_, escalate := approval.DueForEscalation(req, time.Now())
	assert.False(t, escalate)
}

func TestRunEscalationSweepEscalatesOverdueStepsOnly(t *testing.T) {
	repo := newFakeApprovalRepository()
	roles := &fakeRoleLevels{levels: map[string]int{"mgr1": 2, "senior1": 3}}
	chain := approval.NewChain(repo, roles)

	overdue, err := chain.Start(context.Background(), "invoice:inv-4", domain.ApprovalKindInvoice, 1, twoStepChain(), nil)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	repo.requests[overdue.ID].Steps[0].DueAt = &past

	future := time.Now().Add(time.Hour)
	notYet, err := chain.Start(context.Background(), "invoice:inv-5", domain.ApprovalKindInvoice, 1, twoStepChain(), nil)
	require.NoError(t, err)
	repo.requests[notYet.ID].Steps[0].DueAt = &future

	count, err := chain.RunEscalationSweep(context.Background(), time.Now(), func(step domain.ApprovalStep) (string, bool) {
		return "senior1", true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "senior1", repo.requests[overdue.ID].Steps[0].DelegatedTo)
	assert.Empty(t, repo.requests[notYet.ID].Steps[0].DelegatedTo)
}
