package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// ApprovalKind is the category of entity an ApprovalRequest gates.
type ApprovalKind string

const (
	ApprovalKindInvoice        ApprovalKind = "invoice"
	ApprovalKindExport         ApprovalKind = "export"
	ApprovalKindPolicyOverride ApprovalKind = "policy_override"
)

// ApprovalState is the overall disposition of an ApprovalRequest.
type ApprovalState string

const (
	ApprovalPending   ApprovalState = "pending"
	ApprovalApproved  ApprovalState = "approved"
	ApprovalRejected  ApprovalState = "rejected"
	ApprovalCancelled ApprovalState = "cancelled"
	ApprovalDelegated ApprovalState = "delegated"
)

// StepStatus is one ApprovalStep's disposition.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepDelegated StepStatus = "delegated"
)

// ApprovalStep is one sequential link in an approval chain (§3).
type ApprovalStep struct {
	StepIndex         int
	ApproverPrincipal string
	RequiredRoleLevel int
	Status            StepStatus
	ActedAt           *time.Time
	DelegatedTo       string
	Comment           string
	DueAt             *time.Time
}

// ApprovalRequest is a request to approve some entity (§3).
type ApprovalRequest struct {
	ID         idgen.ID
	SubjectRef string
	Kind       ApprovalKind
	State      ApprovalState
	Steps      []ApprovalStep
	Priority   int
	Version    int64
	CreatedAt  time.Time
	DueAt      *time.Time
}

// CurrentStep returns the first step not yet approved, i.e. the step
// eligible to act next, per the "steps execute in declared order" rule. It
// returns ok=false once every step has been approved.
func (r ApprovalRequest) CurrentStep() (ApprovalStep, bool) {
	for _, s := range r.Steps {
		if s.Status != StepApproved {
			return s, true
		}
	}
	return ApprovalStep{}, false
}

// AllApproved reports whether every step in the chain is approved, the
// condition under which the request itself becomes approved.
func (r ApprovalRequest) AllApproved() bool {
	for _, s := range r.Steps {
		if s.Status != StepApproved {
			return false
		}
	}
	return len(r.Steps) > 0
}

// AnyRejected reports whether any step has been rejected, which rejects
// the whole request immediately regardless of other steps' status.
func (r ApprovalRequest) AnyRejected() bool {
	for _, s := range r.Steps {
		if s.Status == StepRejected {
			return true
		}
	}
	return false
}

// ApprovalDecision is one immutable, append-only decision record (§4.8).
type ApprovalDecision struct {
	ID                idgen.ID
	ApprovalRequestID idgen.ID
	StepIndex         int
	Principal         string
	Decision          StepStatus
	Comment           string
	DecidedAt         time.Time
}

// CanDelegate enforces the no-privilege-escalation rule: a principal may
// only delegate to someone whose role level is at least as high as the
// step's required level.
func CanDelegate(delegateRoleLevel, requiredRoleLevel int) bool {
	return delegateRoleLevel >= requiredRoleLevel
}
