package domain

import "github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"

// GateAction is the disposition a PolicyGate assigns once its condition
// matches (§3).
type GateAction string

const (
	ActionAllow            GateAction = "allow"
	ActionRequireApproval  GateAction = "require_approval"
	ActionBlock            GateAction = "block"
	ActionFlag             GateAction = "flag"
)

// Condition is a boolean expression over invoice attributes. Operator is
// one of the named predicates or comparison kinds from §4.8; Field names
// the attribute being tested (amount, vendor_id, line_count, ...); Value
// is the operand, and And/Or let conditions compose.
type Condition struct {
	Operator string   `json:"operator"`
	Field    string   `json:"field,omitempty"`
	Value    any      `json:"value,omitempty"`
	And      []Condition `json:"and,omitempty"`
	Or       []Condition `json:"or,omitempty"`
}

// PolicyGate is a rule deciding whether an action requires approval, is
// blocked, or proceeds (§3). Gates are evaluated in Priority order (lower
// = higher precedence); the first match decides.
type PolicyGate struct {
	ID                  idgen.ID
	Priority            int
	Condition           Condition
	Action              GateAction
	ApprovalWorkflowRef string
}
