// Package workflow drives one invoice through its lifecycle (§4.7): a
// single-step state-machine runner that recomputes the next step from
// persisted Invoice.State on every call. No in-memory state is
// authoritative — a process restart mid-invoice simply calls Advance again
// and the runner picks up exactly where the database says it left off.
//
// Advance performs at most one transition per call; its caller (a job
// fabric handler, per spec §5) is responsible for re-enqueuing until the
// invoice reaches a terminal state or one requiring a human decision
// (Exception, or Ready pending an approval chain).
package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/approval"
	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// InvoiceStore is the persistence contract the runner needs for the
// invoice aggregate. *repository.InvoiceRepository satisfies it.
type InvoiceStore interface {
	GetByID(ctx context.Context, id idgen.ID) (*domain.Invoice, error)
	TransitionState(ctx context.Context, id idgen.ID, expectedVersion int64, newState domain.WorkflowState, eventName string) error
	SaveExtraction(ctx context.Context, ext *domain.Extraction) error
	CurrentExtraction(ctx context.Context, invoiceID idgen.ID) (*domain.Extraction, error)
}

// ValidationStore is the persistence contract for validation verdicts.
// *repository.ValidationRepository satisfies it.
type ValidationStore interface {
	Save(ctx context.Context, v *domain.Validation) error
	Latest(ctx context.Context, invoiceID idgen.ID) (*domain.Validation, error)
}

// Extractor runs document parsing for a received invoice. Implementations
// live in internal/connectors, wrapping an ExtractionProvider behind a
// circuit breaker.
type Extractor interface {
	Extract(ctx context.Context, inv *domain.Invoice) (*domain.Extraction, error)
}

// Engine is the subset of *validation.Engine the runner consults.
type Engine interface {
	Run(ctx context.Context, invoiceID idgen.ID, ext *domain.Extraction) *domain.Validation
	QualifiesForAutoApproval(v *domain.Validation, ext *domain.Extraction) bool
	ConfidenceThreshold() float64
}

// ExceptionManager is the subset of *exceptions.Manager the runner
// consults.
type ExceptionManager interface {
	OpenFromValidation(ctx context.Context, invoiceID idgen.ID, v *domain.Validation) ([]*domain.Exception, error)
	OpenLowConfidence(ctx context.Context, invoiceID idgen.ID, minConfidence, threshold float64) (*domain.Exception, error)
	AllResolved(ctx context.Context, invoiceID idgen.ID) (bool, error)
}

// GateEvaluator is the subset of *approval.GateEvaluator the runner
// consults.
type GateEvaluator interface {
	Evaluate(ctx context.Context, evalCtx approval.EvalContext) (approval.Decision, error)
}

// ApprovalChain is the subset of *approval.Chain the runner uses to start
// (but never decide) an approval request; decisions arrive out of band,
// through whatever surface a human or delegate acts against.
type ApprovalChain interface {
	Start(ctx context.Context, subjectRef string, kind domain.ApprovalKind, priority int, steps []domain.ApprovalStep, dueAt *time.Time) (*domain.ApprovalRequest, error)
	FindBySubjectRef(ctx context.Context, subjectRef string) (*domain.ApprovalRequest, error)
}

// StepTemplates resolves a PolicyGate's ApprovalWorkflowRef to the ordered
// steps a matching approval chain should run. Step composition is
// configuration, not code: operators register templates (role levels,
// approver principals) per workflow_ref at startup.
type StepTemplates interface {
	StepsFor(workflowRef string) ([]domain.ApprovalStep, bool)
}

// MapStepTemplates is the default, configuration-driven StepTemplates: a
// fixed map loaded once at process startup.
type MapStepTemplates map[string][]domain.ApprovalStep

// StepsFor returns a fresh copy of the registered template so callers never
// share backing arrays across invocations.
func (m MapStepTemplates) StepsFor(workflowRef string) ([]domain.ApprovalStep, bool) {
	steps, ok := m[workflowRef]
	if !ok {
		return nil, false
	}
	return append([]domain.ApprovalStep{}, steps...), true
}

// Runner ties together extraction, validation, exception management and
// policy-gated approval into the per-invoice processing pipeline.
type Runner struct {
	invoices    InvoiceStore
	validations ValidationStore
	extractor   Extractor
	engine      Engine
	exceptions  ExceptionManager
	gates       GateEvaluator
	chain       ApprovalChain
	templates   StepTemplates
}

// New constructs a Runner from its collaborators.
func New(invoices InvoiceStore, validations ValidationStore, extractor Extractor, engine Engine, exceptionMgr ExceptionManager, gates GateEvaluator, chain ApprovalChain, templates StepTemplates) *Runner {
	return &Runner{
		invoices:    invoices,
		validations: validations,
		extractor:   extractor,
		engine:      engine,
		exceptions:  exceptionMgr,
		gates:       gates,
		chain:       chain,
		templates:   templates,
	}
}

// Advance performs one state-machine step for invoiceID and returns the
// resulting state. Calling Advance on a terminal or blocked state is a
// no-op that returns the current state unchanged, so a caller may retry
// freely without checking first.
func (r *Runner) Advance(ctx context.Context, invoiceID idgen.ID) (domain.WorkflowState, error) {
	inv, err := r.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	if domain.IsTerminal(inv.State) {
		return inv.State, nil
	}

	switch inv.State {
	case domain.StateReceived:
		return r.stepReceived(ctx, inv)
	case domain.StateParsed:
		return r.stepParsed(ctx, inv)
	case domain.StateValidated:
		return r.stepValidated(ctx, inv)
	case domain.StateException:
		return r.stepException(ctx, inv)
	case domain.StateReady:
		return r.stepReady(ctx, inv)
	default:
		// Approved/Staged/Posted advance through internal/export's own
		// prepare/approve/post protocol, not through Advance.
		return inv.State, nil
	}
}

// Cancel moves a non-terminal invoice straight to cancelled, bypassing the
// normal transition table: cancellation is an operator action, not a
// workflow event. A step already in flight is not interrupted; its next
// state transition fails the version check, and work it already committed
// is not rolled back.
func (r *Runner) Cancel(ctx context.Context, invoiceID idgen.ID) error {
	inv, err := r.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(inv.State) {
		return apperr.Conflict("invoice is already in a terminal state")
	}
	return r.invoices.TransitionState(ctx, invoiceID, inv.Version, domain.StateCancelled, "cancelled")
}

func (r *Runner) stepReceived(ctx context.Context, inv *domain.Invoice) (domain.WorkflowState, error) {
	ext, err := r.extractor.Extract(ctx, inv)
	if err != nil {
		if ctx.Err() != nil {
			return inv.State, apperr.Wrap(ctx.Err(), apperr.KindCancelled, "extraction cancelled")
		}
		if tErr := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateRejected, "parse_failed"); tErr != nil {
			return inv.State, tErr
		}
		return domain.StateRejected, nil
	}

	ext.InvoiceID = inv.ID
	if err := r.invoices.SaveExtraction(ctx, ext); err != nil {
		return inv.State, err
	}
	if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateParsed, "parse_succeeded"); err != nil {
		return inv.State, err
	}
	return domain.StateParsed, nil
}

func (r *Runner) stepParsed(ctx context.Context, inv *domain.Invoice) (domain.WorkflowState, error) {
	ext, err := r.invoices.CurrentExtraction(ctx, inv.ID)
	if err != nil {
		return inv.State, err
	}

	v := r.engine.Run(ctx, inv.ID, ext)
	if err := r.validations.Save(ctx, v); err != nil {
		return inv.State, err
	}
	if ctx.Err() != nil {
		return inv.State, apperr.Wrap(ctx.Err(), apperr.KindCancelled, "validation cancelled before transition")
	}
	if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateValidated, "validate_succeeded"); err != nil {
		return inv.State, err
	}
	return domain.StateValidated, nil
}

// stepValidated routes a validated invoice per §4.7's confidence_ok
// transition: Ready only opens up automatically when every check passed
// *and* the extraction clears the §4.5.4 confidence gate
// (QualifiesForAutoApproval). A passed-but-low-confidence validation still
// requires a human decision, so it is routed through the exception path
// exactly like a failed one rather than auto-approved.
func (r *Runner) stepValidated(ctx context.Context, inv *domain.Invoice) (domain.WorkflowState, error) {
	v, err := r.validations.Latest(ctx, inv.ID)
	if err != nil {
		return inv.State, err
	}
	ext, err := r.invoices.CurrentExtraction(ctx, inv.ID)
	if err != nil {
		return inv.State, err
	}

	if r.engine.QualifiesForAutoApproval(v, ext) {
		if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateReady, "auto_approved"); err != nil {
			return inv.State, err
		}
		return domain.StateReady, nil
	}

	if v.Passed {
		if _, err := r.exceptions.OpenLowConfidence(ctx, inv.ID, ext.MinConfidence(), r.engine.ConfidenceThreshold()); err != nil {
			return inv.State, err
		}
	} else if _, err := r.exceptions.OpenFromValidation(ctx, inv.ID, v); err != nil {
		return inv.State, err
	}
	if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateException, "has_exception"); err != nil {
		return inv.State, err
	}
	return domain.StateException, nil
}

func (r *Runner) stepException(ctx context.Context, inv *domain.Invoice) (domain.WorkflowState, error) {
	resolved, err := r.exceptions.AllResolved(ctx, inv.ID)
	if err != nil {
		return inv.State, err
	}
	if !resolved {
		return inv.State, nil
	}
	if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateReady, "all_exceptions_resolved"); err != nil {
		return inv.State, err
	}
	return domain.StateReady, nil
}

// stepReady evaluates the policy gate list exactly once per invoice (an
// already-started approval request for this subject short-circuits
// re-evaluation, so a retried Advance can't fork two chains for the same
// invoice) and either clears the invoice straight through or starts the
// chain the matching gate names.
func (r *Runner) stepReady(ctx context.Context, inv *domain.Invoice) (domain.WorkflowState, error) {
	subjectRef := subjectRefFor(inv.ID)

	existing, err := r.chain.FindBySubjectRef(ctx, subjectRef)
	if err != nil {
		return inv.State, err
	}
	if existing != nil {
		return r.resolveExistingApproval(ctx, inv, existing)
	}

	ext, err := r.invoices.CurrentExtraction(ctx, inv.ID)
	if err != nil {
		return inv.State, err
	}

	decision, err := r.gates.Evaluate(ctx, evalContextFor(ext))
	if err != nil {
		return inv.State, err
	}

	switch decision.Action {
	case domain.ActionAllow:
		if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateApproved, "approval_not_required"); err != nil {
			return inv.State, err
		}
		return domain.StateApproved, nil

	case domain.ActionBlock:
		if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateRejected, "approval_rejected"); err != nil {
			return inv.State, err
		}
		return domain.StateRejected, nil

	case domain.ActionRequireApproval, domain.ActionFlag:
		steps, ok := r.templates.StepsFor(decision.Gate.ApprovalWorkflowRef)
		if !ok || len(steps) == 0 {
			// No chain configured for this gate: fail safe by blocking
			// rather than silently skipping approval.
			if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateRejected, "approval_rejected"); err != nil {
				return inv.State, err
			}
			return domain.StateRejected, nil
		}
		if _, err := r.chain.Start(ctx, subjectRef, domain.ApprovalKindInvoice, decision.Gate.Priority, steps, nil); err != nil {
			return inv.State, err
		}
		return domain.StateReady, nil

	default:
		return inv.State, apperr.New(apperr.KindInternal, "UNKNOWN_GATE_ACTION", "policy gate returned an unrecognized action")
	}
}

// resolveExistingApproval transitions Ready once an already-started
// approval chain has reached a final disposition, and is a no-op while the
// chain is still pending.
func (r *Runner) resolveExistingApproval(ctx context.Context, inv *domain.Invoice, req *domain.ApprovalRequest) (domain.WorkflowState, error) {
	switch req.State {
	case domain.ApprovalApproved:
		if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateApproved, "approval_granted"); err != nil {
			return inv.State, err
		}
		return domain.StateApproved, nil
	case domain.ApprovalRejected:
		if err := r.invoices.TransitionState(ctx, inv.ID, inv.Version, domain.StateRejected, "approval_rejected"); err != nil {
			return inv.State, err
		}
		return domain.StateRejected, nil
	default:
		return inv.State, nil
	}
}

func subjectRefFor(invoiceID idgen.ID) string {
	return "invoice:" + string(invoiceID)
}

// evalContextFor projects an extraction's header fields into the generic
// policy-condition field bag. The named predicates (is_duplicate,
// new_vendor, unusual_variance) are not populated here and stay at their
// zero value, including for an invoice that reached Ready through
// resolved exceptions.
func evalContextFor(ext *domain.Extraction) approval.EvalContext {
	fields := make(map[string]any, len(ext.Header))
	for name, f := range ext.Header {
		fields[name] = f.Value
	}
	if amount, ok := ext.Field("total_amount"); ok {
		if d, err := decimal.NewFromString(amount.Value); err == nil {
			fields["amount"] = d
		}
	}
	return approval.EvalContext{Fields: fields}
}
