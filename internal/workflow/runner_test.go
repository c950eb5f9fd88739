package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/approval"
	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/workflow"
)

type fakeInvoiceStore struct {
	invoices    map[idgen.ID]*domain.Invoice
	extractions map[idgen.ID]*domain.Extraction
}

func newFakeInvoiceStore(inv *domain.Invoice) *fakeInvoiceStore {
	return &fakeInvoiceStore{
		invoices:    map[idgen.ID]*domain.Invoice{inv.ID: inv},
		extractions: map[idgen.ID]*domain.Extraction{},
	}
}

func (f *fakeInvoiceStore) GetByID(_ context.Context, id idgen.ID) (*domain.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, apperr.NotFound("invoice", string(id))
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeInvoiceStore) TransitionState(_ context.Context, id idgen.ID, expectedVersion int64, newState domain.WorkflowState, _ string) error {
	inv := f.invoices[id]
	if inv.Version != expectedVersion {
		return apperr.Conflict("version mismatch")
	}
	inv.State = newState
	inv.Version++
	return nil
}

func (f *fakeInvoiceStore) SaveExtraction(_ context.Context, ext *domain.Extraction) error {
	f.extractions[ext.InvoiceID] = ext
	return nil
}

func (f *fakeInvoiceStore) CurrentExtraction(_ context.Context, invoiceID idgen.ID) (*domain.Extraction, error) {
	ext, ok := f.extractions[invoiceID]
	if !ok {
		return nil, apperr.NotFound("extraction", string(invoiceID))
	}
	return ext, nil
}

type fakeValidationStore struct {
	latest map[idgen.ID]*domain.Validation
}

func (f *fakeValidationStore) Save(_ context.Context, v *domain.Validation) error {
	if f.latest == nil {
		f.latest = map[idgen.ID]*domain.Validation{}
	}
	f.latest[v.InvoiceID] = v
	return nil
}

func (f *fakeValidationStore) Latest(_ context.Context, invoiceID idgen.ID) (*domain.Validation, error) {
	v, ok := f.latest[invoiceID]
	if !ok {
		return nil, apperr.NotFound("validation", string(invoiceID))
	}
	return v, nil
}

type fakeExtractor struct {
	ext *domain.Extraction
	err error
}

func (f *fakeExtractor) Extract(_ context.Context, inv *domain.Invoice) (*domain.Extraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.ext
	cp.InvoiceID = inv.ID
	return &cp, nil
}

type fakeEngine struct {
	result *domain.Validation
	// qualifies, when set, overrides the default passed-implies-qualifies
	// behavior so tests can exercise the low-confidence branch without a
	// real confidence computation.
	qualifies *bool
}

func (f *fakeEngine) Run(_ context.Context, invoiceID idgen.ID, _ *domain.Extraction) *domain.Validation {
	cp := *f.result
	cp.InvoiceID = invoiceID
	return &cp
}

func (f *fakeEngine) QualifiesForAutoApproval(v *domain.Validation, _ *domain.Extraction) bool {
	if f.qualifies != nil {
		return *f.qualifies
	}
	return v.Passed
}

func (f *fakeEngine) ConfidenceThreshold() float64 {
	return 0.85
}

type fakeExceptionManager struct {
	opened      int
	lowConf     int
	allResolved bool
}

func (f *fakeExceptionManager) OpenFromValidation(_ context.Context, _ idgen.ID, v *domain.Validation) ([]*domain.Exception, error) {
	f.opened += len(domain.FailedErrors(v.Checks))
	return nil, nil
}

func (f *fakeExceptionManager) OpenLowConfidence(_ context.Context, _ idgen.ID, _, _ float64) (*domain.Exception, error) {
	f.lowConf++
	return &domain.Exception{}, nil
}

func (f *fakeExceptionManager) AllResolved(_ context.Context, _ idgen.ID) (bool, error) {
	return f.allResolved, nil
}

type fakeGateEvaluator struct {
	decision approval.Decision
}

func (f *fakeGateEvaluator) Evaluate(_ context.Context, _ approval.EvalContext) (approval.Decision, error) {
	return f.decision, nil
}

type fakeApprovalChain struct {
	existing *domain.ApprovalRequest
	started  bool
}

func (f *fakeApprovalChain) Start(_ context.Context, subjectRef string, kind domain.ApprovalKind, priority int, steps []domain.ApprovalStep, _ *time.Time) (*domain.ApprovalRequest, error) {
	f.started = true
	req := &domain.ApprovalRequest{SubjectRef: subjectRef, Kind: kind, Priority: priority, Steps: steps, State: domain.ApprovalPending}
	f.existing = req
	return req, nil
}

func (f *fakeApprovalChain) FindBySubjectRef(_ context.Context, _ string) (*domain.ApprovalRequest, error) {
	return f.existing, nil
}

func passingValidation() *domain.Validation {
	return &domain.Validation{Passed: true, Checks: []domain.Check{{RuleName: "total_equals_sum", Passed: true, Severity: domain.SeverityError}}}
}

func failingValidation() *domain.Validation {
	return &domain.Validation{Passed: false, Checks: []domain.Check{{RuleName: "total_equals_sum", Passed: false, Severity: domain.SeverityError, ReasonCode: "MATH_MISMATCH"}}}
}

func newTestInvoice(state domain.WorkflowState) *domain.Invoice {
	return &domain.Invoice{ID: idgen.New(), State: state, Version: 1}
}

func TestAdvanceReceivedToParsedOnSuccessfulExtraction(t *testing.T) {
	inv := newTestInvoice(domain.StateReceived)
	invoices := newFakeInvoiceStore(inv)
	extractor := &fakeExtractor{ext: &domain.Extraction{Header: map[string]domain.Field{}}}

	r := workflow.New(invoices, &fakeValidationStore{}, extractor, &fakeEngine{}, &fakeExceptionManager{}, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateParsed, state)
}

func TestAdvanceReceivedToRejectedOnExtractionFailure(t *testing.T) {
	inv := newTestInvoice(domain.StateReceived)
	invoices := newFakeInvoiceStore(inv)
	extractor := &fakeExtractor{err: assert.AnError}

	r := workflow.New(invoices, &fakeValidationStore{}, extractor, &fakeEngine{}, &fakeExceptionManager{}, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, state)
}

func TestAdvanceValidatedPassThroughToReady(t *testing.T) {
	inv := newTestInvoice(domain.StateValidated)
	invoices := newFakeInvoiceStore(inv)
	invoices.extractions[inv.ID] = &domain.Extraction{InvoiceID: inv.ID, Header: map[string]domain.Field{}}
	validations := &fakeValidationStore{latest: map[idgen.ID]*domain.Validation{inv.ID: passingValidation()}}

	r := workflow.New(invoices, validations, &fakeExtractor{}, &fakeEngine{}, &fakeExceptionManager{}, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, state)
}

func TestAdvanceValidatedWithFailuresOpensExceptionState(t *testing.T) {
	inv := newTestInvoice(domain.StateValidated)
	invoices := newFakeInvoiceStore(inv)
	invoices.extractions[inv.ID] = &domain.Extraction{InvoiceID: inv.ID, Header: map[string]domain.Field{}}
	validations := &fakeValidationStore{latest: map[idgen.ID]*domain.Validation{inv.ID: failingValidation()}}
	excMgr := &fakeExceptionManager{}

	r := workflow.New(invoices, validations, &fakeExtractor{}, &fakeEngine{}, excMgr, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateException, state)
	assert.Equal(t, 1, excMgr.opened)
}

func TestAdvanceValidatedLowConfidenceOpensExceptionDespitePassing(t *testing.T) {
	inv := newTestInvoice(domain.StateValidated)
	invoices := newFakeInvoiceStore(inv)
	invoices.extractions[inv.ID] = &domain.Extraction{InvoiceID: inv.ID, Header: map[string]domain.Field{}}
	validations := &fakeValidationStore{latest: map[idgen.ID]*domain.Validation{inv.ID: passingValidation()}}
	unqualified := false
	engine := &fakeEngine{qualifies: &unqualified}
	excMgr := &fakeExceptionManager{}

	r := workflow.New(invoices, validations, &fakeExtractor{}, engine, excMgr, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateException, state)
	assert.Equal(t, 1, excMgr.lowConf)
	assert.Equal(t, 0, excMgr.opened)
}

func TestAdvanceExceptionStaysUntilAllResolved(t *testing.T) {
	inv := newTestInvoice(domain.StateException)
	invoices := newFakeInvoiceStore(inv)
	excMgr := &fakeExceptionManager{allResolved: false}

	r := workflow.New(invoices, &fakeValidationStore{}, &fakeExtractor{}, &fakeEngine{}, excMgr, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateException, state)

	excMgr.allResolved = true
	state, err = r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, state)
}

func TestAdvanceReadyAllowGatePassesThrough(t *testing.T) {
	inv := newTestInvoice(domain.StateReady)
	invoices := newFakeInvoiceStore(inv)
	invoices.extractions[inv.ID] = &domain.Extraction{InvoiceID: inv.ID, Header: map[string]domain.Field{}}
	gates := &fakeGateEvaluator{decision: approval.Decision{Action: domain.ActionAllow}}

	r := workflow.New(invoices, &fakeValidationStore{}, &fakeExtractor{}, &fakeEngine{}, &fakeExceptionManager{}, gates, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, state)
}

func TestAdvanceReadyRequireApprovalStartsChainAndStaysReady(t *testing.T) {
	inv := newTestInvoice(domain.StateReady)
	invoices := newFakeInvoiceStore(inv)
	invoices.extractions[inv.ID] = &domain.Extraction{InvoiceID: inv.ID, Header: map[string]domain.Field{}}
	gate := &domain.PolicyGate{Priority: 1, Action: domain.ActionRequireApproval, ApprovalWorkflowRef: "cfo_review"}
	gates := &fakeGateEvaluator{decision: approval.Decision{Action: domain.ActionRequireApproval, Gate: gate}}
	chain := &fakeApprovalChain{}
	templates := workflow.MapStepTemplates{"cfo_review": {{StepIndex: 0, ApproverPrincipal: "cfo1", RequiredRoleLevel: 4}}}

	r := workflow.New(invoices, &fakeValidationStore{}, &fakeExtractor{}, &fakeEngine{}, &fakeExceptionManager{}, gates, chain, templates)

	state, err := r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, state)
	assert.True(t, chain.started)

	chain.existing.State = domain.ApprovalApproved
	state, err = r.Advance(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, state)
}

func TestCancelMovesNonTerminalInvoiceToCancelled(t *testing.T) {
	inv := newTestInvoice(domain.StateException)
	invoices := newFakeInvoiceStore(inv)

	r := workflow.New(invoices, &fakeValidationStore{}, &fakeExtractor{}, &fakeEngine{}, &fakeExceptionManager{}, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	require.NoError(t, r.Cancel(context.Background(), inv.ID))
	updated, err := invoices.GetByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, updated.State)
}

func TestCancelRefusesTerminalInvoice(t *testing.T) {
	inv := newTestInvoice(domain.StateDone)
	invoices := newFakeInvoiceStore(inv)

	r := workflow.New(invoices, &fakeValidationStore{}, &fakeExtractor{}, &fakeEngine{}, &fakeExceptionManager{}, &fakeGateEvaluator{}, &fakeApprovalChain{}, workflow.MapStepTemplates{})

	err := r.Cancel(context.Background(), inv.ID)
	assert.Error(t, err)
}
