package validation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// DefaultTolerance is the symmetric epsilon (§4.5.2) applied to amount
// comparisons when no tighter tolerance is configured.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// DefaultAutoApproveConfidence is the §4.5.4 gate threshold.
const DefaultAutoApproveConfidence = 0.85

// DefaultDuplicateAmountVariance and DefaultDuplicateDateWindowDays bound
// the §4.5.3 DUPLICATE_INVOICE near-match mode when no tighter window is
// configured: two invoices sharing a vendor and invoice number collide as
// near-duplicates if their amounts are within this variance and their
// dates within this many days of each other.
var DefaultDuplicateAmountVariance = decimal.NewFromFloat(0.01)

const DefaultDuplicateDateWindowDays = 3

// RulesVersion identifies the configured rule set, recorded on every
// Validation so a later audit can tell which rules produced a verdict.
const RulesVersion = "v1"

// Engine runs a configured, ordered set of rules against an extraction and
// aggregates the outcomes into a domain.Validation (C5).
type Engine struct {
	rules   []Rule
	context Context
}

// NewEngine builds an engine from the default structural, mathematical and
// business rule sets in declaration order, using rc for tolerances and
// lookups. The order only fixes the order of the reported checks: Run
// applies every rule regardless of earlier failures, so each rule parses
// its own inputs and skips values it cannot parse.
func NewEngine(rc Context) *Engine {
	rules := make([]Rule, 0, 16)
	rules = append(rules, StructuralRules()...)
	rules = append(rules, MathematicalRules()...)
	rules = append(rules, BusinessRules()...)
	return &Engine{rules: rules, context: rc}
}

// WithRules overrides the configured rule set, for callers (tests, partial
// re-validation) that need a subset or custom ordering.
func (e *Engine) WithRules(rules []Rule) *Engine {
	e.rules = rules
	return e
}

// Run evaluates every configured rule against ext and returns the
// aggregated verdict. A structural failure does not short-circuit later
// rules: every rule always runs, so a single Validation reports every
// defect at once rather than one-at-a-time round trips.
func (e *Engine) Run(ctx context.Context, invoiceID idgen.ID, ext *domain.Extraction) *domain.Validation {
	rc := e.context
	rc.Invoice = e.context.Invoice

	checks := make([]domain.Check, 0, len(e.rules))
	for _, rule := range e.rules {
		outcome := rule.Apply(ctx, ext, rc)
		checks = append(checks, domain.Check{
			RuleName:      rule.Name,
			Category:      rule.Category,
			Severity:      rule.Severity,
			Passed:        outcome.Passed,
			Indeterminate: outcome.Indeterminate,
			ReasonCode:    string(outcome.ReasonCode),
			Details:       outcome.Details,
		})
	}

	return &domain.Validation{
		InvoiceID:    invoiceID,
		Passed:       domain.ComputePassed(checks),
		Checks:       checks,
		RulesVersion: RulesVersion,
		CreatedAt:    time.Now(),
	}
}

// QualifiesForAutoApproval reports whether v and ext together clear the
// §4.5.4 auto-approval gate: every check passed (or degraded, never
// failed) and the extraction's weakest field confidence meets rc's
// threshold.
func (e *Engine) QualifiesForAutoApproval(v *domain.Validation, ext *domain.Extraction) bool {
	return AutoApprovalGate(v.Passed, ext.MinConfidence(), e.ConfidenceThreshold())
}

// ConfidenceThreshold returns the configured §4.5.4 auto-approval
// confidence floor, falling back to DefaultAutoApproveConfidence when the
// engine's context left it unset.
func (e *Engine) ConfidenceThreshold() float64 {
	if e.context.AutoApproveConfidence <= 0 {
		return DefaultAutoApproveConfidence
	}
	return e.context.AutoApproveConfidence
}
