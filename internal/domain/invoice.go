// Package domain holds the engine's entity types, straight out of spec §3.
// These are plain structs with no persistence-framework tags; repositories
// in internal/repository map them to and from SQL rows by hand, the way
// the teacher's InvoiceRepository did.
package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// Source is how a document entered the system.
type Source string

const (
	SourceUpload Source = "upload"
	SourceEmail  Source = "email"
	SourceAPI    Source = "api"
)

// WorkflowState is one of the Invoice lifecycle states from §4.7.
type WorkflowState string

const (
	StateReceived  WorkflowState = "received"
	StateParsed    WorkflowState = "parsed"
	StateValidated WorkflowState = "validated"
	StateException WorkflowState = "exception"
	StateReady     WorkflowState = "ready"
	StateApproved  WorkflowState = "approved"
	StateStaged    WorkflowState = "staged"
	StatePosted    WorkflowState = "posted"
	StateDone      WorkflowState = "done"
	StateRejected  WorkflowState = "rejected"
	StateCancelled WorkflowState = "cancelled"
)

// Invoice is a submitted document under processing (§3).
type Invoice struct {
	ID             idgen.ID
	ContentHash    string
	Submitter      string
	SubmitterScope string
	Source         Source
	StorageRef     string
	State          WorkflowState
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// transitions enumerates the legal (from, event) -> to edges from §4.7. The
// workflow runner is the only caller that consults this table; nothing
// else is permitted to assign Invoice.State directly.
var transitions = map[WorkflowState]map[string]WorkflowState{
	StateReceived: {
		"parse_succeeded": StateParsed,
		"parse_failed":    StateRejected,
	},
	StateParsed: {
		"validate_succeeded": StateValidated,
	},
	StateValidated: {
		"auto_approved": StateReady,
		"has_exception": StateException,
	},
	StateException: {
		"all_exceptions_resolved": StateReady,
	},
	StateReady: {
		"approval_not_required": StateApproved,
		"approval_granted":      StateApproved,
		"approval_rejected":     StateRejected,
	},
	StateApproved: {
		"export_staged": StateStaged,
	},
	StateStaged: {
		"export_posted": StatePosted,
	},
	StatePosted: {
		"rollback_requested": StateRejected,
		"finalized":          StateDone,
	},
}

// Next looks up the destination state for (current, event), reporting ok=
// false for any edge not present in the transition table — callers treat
// that as an illegal transition and refuse to mutate state.
func Next(current WorkflowState, event string) (WorkflowState, bool) {
	edges, ok := transitions[current]
	if !ok {
		return "", false
	}
	to, ok := edges[event]
	return to, ok
}

// IsTerminal reports whether state has no outgoing transitions in the
// normal lifecycle (done, rejected, cancelled are all sinks).
func IsTerminal(state WorkflowState) bool {
	switch state {
	case StateDone, StateRejected, StateCancelled:
		return true
	default:
		return false
	}
}
