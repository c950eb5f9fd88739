package validation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// Outcome is a rule's verdict: pass, fail with a reason code, or
// indeterminate when an external lookup the rule depends on is
// unavailable (§4.5.3's graceful-degradation requirement).
type Outcome struct {
	Passed        bool
	Indeterminate bool
	ReasonCode    ReasonCode
	Details       map[string]any
}

// Pass is the canonical passing outcome.
func Pass() Outcome { return Outcome{Passed: true} }

// Fail builds a failing outcome with a reason code and details.
func Fail(code ReasonCode, details map[string]any) Outcome {
	return Outcome{Passed: false, ReasonCode: code, Details: details}
}

// Indeterminate builds a degraded outcome: neither pass nor fail, recorded
// as a warning and excluded from the pass/fail verdict.
func Indeterminate(code ReasonCode, details map[string]any) Outcome {
	return Outcome{Indeterminate: true, ReasonCode: code, Details: details}
}

// Context carries everything a rule's Apply needs beyond the extraction
// itself: the invoice the extraction belongs to, configured tolerances,
// and the external-lookup collaborators business rules consult.
type Context struct {
	Invoice                 *domain.Invoice
	Tolerance               decimal.Decimal
	AutoApproveConfidence   float64
	Lookups                 Lookups
	DuplicateAmountVariance decimal.Decimal
	DuplicateDateWindowDays int
}

// Rule is one entry in the engine's configured rule set (§4.5).
type Rule struct {
	Name     string
	Category string
	Severity domain.Severity
	Apply    func(ctx context.Context, ext *domain.Extraction, rc Context) Outcome
}
