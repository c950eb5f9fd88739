package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// Severity classifies how serious a failed check is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Check is one rule's outcome within a Validation (§3). Indeterminate marks
// a check whose external lookup was unavailable (§4.5.3); such checks are
// recorded but never block the pass/fail verdict.
type Check struct {
	RuleName      string         `json:"rule_name"`
	Category      string         `json:"category"`
	Severity      Severity       `json:"severity"`
	Passed        bool           `json:"passed"`
	Indeterminate bool           `json:"indeterminate,omitempty"`
	ReasonCode    string         `json:"reason_code,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Validation is the rule engine's verdict on an extraction (§3).
type Validation struct {
	ID           idgen.ID
	InvoiceID    idgen.ID
	Passed       bool
	Checks       []Check
	RulesVersion string
	CreatedAt    time.Time
}

// ComputePassed derives the passed invariant: no check with severity=error
// failed outright. Warnings and info-level failures never block the
// verdict, and neither does an indeterminate check — a degraded lookup is
// not grounds for rejection.
func ComputePassed(checks []Check) bool {
	for _, c := range checks {
		if !c.Passed && !c.Indeterminate && c.Severity == SeverityError {
			return false
		}
	}
	return true
}

// HasCheck reports whether any check in the validation ran under the named
// rule, regardless of outcome — used to tell whether a duplicate check ran
// at all, distinct from whether it passed.
func (v Validation) HasCheck(ruleName string) bool {
	for _, c := range v.Checks {
		if c.RuleName == ruleName {
			return true
		}
	}
	return false
}

// FailedErrors returns the subset of checks that failed outright at error
// severity, the set the exception manager (C6) opens exceptions for.
// Indeterminate checks are excluded: they are surfaced as warnings, not
// exceptions.
func FailedErrors(checks []Check) []Check {
	var out []Check
	for _, c := range checks {
		if !c.Passed && !c.Indeterminate && c.Severity == SeverityError {
			out = append(out, c)
		}
	}
	return out
}
