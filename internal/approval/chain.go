package approval

import (
	"context"
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// ApprovalRepository is the persistence contract the chain orchestrator
// needs. *repository.ApprovalRepository satisfies it.
type ApprovalRepository interface {
	Create(ctx context.Context, req *domain.ApprovalRequest) error
	GetByID(ctx context.Context, id idgen.ID) (*domain.ApprovalRequest, error)
	FindBySubjectRef(ctx context.Context, subjectRef string) (*domain.ApprovalRequest, error)
	RecordDecision(ctx context.Context, req *domain.ApprovalRequest, stepIndex int, principal string, decision domain.StepStatus, comment, delegateTo string) error
	PendingRequestIDs(ctx context.Context) ([]idgen.ID, error)
}

// RoleLevels resolves a principal's numeric role level, used to enforce
// the no-privilege-escalation delegation rule.
type RoleLevels interface {
	RoleLevel(ctx context.Context, principal string) (int, error)
}

// Chain orchestrates sequential approval-chain execution (§4.8): only the
// current step may act, decisions are immutable once recorded, and
// delegation can only move responsibility to an equal-or-higher role.
type Chain struct {
	repo  ApprovalRepository
	roles RoleLevels
}

// NewChain constructs a Chain.
func NewChain(repo ApprovalRepository, roles RoleLevels) *Chain {
	return &Chain{repo: repo, roles: roles}
}

// Start creates a new approval chain for subjectRef with the given ordered
// steps.
func (c *Chain) Start(ctx context.Context, subjectRef string, kind domain.ApprovalKind, priority int, steps []domain.ApprovalStep, dueAt *time.Time) (*domain.ApprovalRequest, error) {
	req := &domain.ApprovalRequest{
		SubjectRef: subjectRef,
		Kind:       kind,
		Priority:   priority,
		Steps:      steps,
		DueAt:      dueAt,
	}
	if err := c.repo.Create(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Decide applies principal's decision to the current step of requestID.
// Only the step eligible to act (the first non-approved step) may be
// decided; anything else is a conflict, the same way an out-of-order
// transition is rejected elsewhere in this engine.
func (c *Chain) Decide(ctx context.Context, requestID idgen.ID, principal string, decision domain.StepStatus, comment string) (*domain.ApprovalRequest, error) {
	req, err := c.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	step, ok := req.CurrentStep()
	if !ok {
		return nil, apperr.Conflict("approval request has no pending step")
	}

	if err := c.repo.RecordDecision(ctx, req, step.StepIndex, principal, decision, comment, ""); err != nil {
		return nil, err
	}
	return req, nil
}

// Delegate reassigns the current step to delegateTo, enforcing that
// delegateTo's role level is at least the step's required level (no
// privilege escalation down the chain).
func (c *Chain) Delegate(ctx context.Context, requestID idgen.ID, delegateTo string) (*domain.ApprovalRequest, error) {
	req, err := c.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	step, ok := req.CurrentStep()
	if !ok {
		return nil, apperr.Conflict("approval request has no pending step")
	}

	level, err := c.roles.RoleLevel(ctx, delegateTo)
	if err != nil {
		return nil, err
	}
	if !domain.CanDelegate(level, step.RequiredRoleLevel) {
		return nil, apperr.Unauthorized("delegate's role level is below the step's required level")
	}

	if err := c.repo.RecordDecision(ctx, req, step.StepIndex, step.ApproverPrincipal, domain.StepDelegated, "", delegateTo); err != nil {
		return nil, err
	}
	return req, nil
}

// DueForEscalation reports whether req's current step is past its due_at
// and still pending, the condition the escalation scheduled task checks.
func DueForEscalation(req *domain.ApprovalRequest, now time.Time) (domain.ApprovalStep, bool) {
	step, ok := req.CurrentStep()
	if !ok || step.Status != domain.StepPending || step.DueAt == nil {
		return domain.ApprovalStep{}, false
	}
	if now.Before(*step.DueAt) {
		return domain.ApprovalStep{}, false
	}
	return step, true
}

// FindBySubjectRef delegates to the repository, letting callers (the
// workflow runner) tell "never started" from "already in flight" before
// deciding whether to start a new chain.
func (c *Chain) FindBySubjectRef(ctx context.Context, subjectRef string) (*domain.ApprovalRequest, error) {
	return c.repo.FindBySubjectRef(ctx, subjectRef)
}

// Escalate reassigns an overdue step to escalateTo (resolved by the caller
// per policy as "next role level"), recording the reassignment as a
// delegation so the audit trail shows who acted and why.
func (c *Chain) Escalate(ctx context.Context, requestID idgen.ID, escalateTo string) (*domain.ApprovalRequest, error) {
	return c.Delegate(ctx, requestID, escalateTo)
}

// ResolveEscalationTarget resolves the principal an overdue step should be
// escalated to, given that step. Returning ok=false skips escalating it
// (e.g. no configured next-level principal).
type ResolveEscalationTarget func(step domain.ApprovalStep) (principal string, ok bool)

// RunEscalationSweep is the §4.4 escalation sweep scheduled task's core
// loop: it walks every still-pending approval request, escalates the ones
// whose current step is DueForEscalation, and returns how many it
// escalated. A request whose resolveTarget has no candidate is left
// pending rather than erroring, since "no one more senior configured" is
// an operational gap, not a failure of this sweep.
func (c *Chain) RunEscalationSweep(ctx context.Context, now time.Time, resolveTarget ResolveEscalationTarget) (int, error) {
	ids, err := c.repo.PendingRequestIDs(ctx)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, id := range ids {
		req, err := c.repo.GetByID(ctx, id)
		if err != nil {
			return escalated, err
		}
		step, due := DueForEscalation(req, now)
		if !due {
			continue
		}
		target, ok := resolveTarget(step)
		if !ok {
			continue
		}
		if _, err := c.Escalate(ctx, req.ID, target); err != nil {
			return escalated, err
		}
		escalated++
	}
	return escalated, nil
}
