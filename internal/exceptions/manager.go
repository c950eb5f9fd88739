// Package exceptions implements the exception manager (C6): it turns a
// Validation's failed error-severity checks into resolvable Exception
// records, coalescing related failures by category, and drives the
// resolution protocol that eventually lets the workflow runner observe
// all_exceptions_resolved.
package exceptions

import (
	"context"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
)

// Repository is the persistence contract the manager needs.
// *repository.ExceptionRepository satisfies it.
type Repository interface {
	Open(ctx context.Context, exc *domain.Exception) error
	OpenForInvoice(ctx context.Context, invoiceID idgen.ID) ([]*domain.Exception, error)
	Resolve(ctx context.Context, ids []idgen.ID, resolvedBy, notes string) error
	CountOpen(ctx context.Context, invoiceID idgen.ID) (int, error)
}

// Manager is the C6 exception manager.
type Manager struct {
	repo Repository
}

// NewManager constructs a Manager over repo.
func NewManager(repo Repository) *Manager {
	return &Manager{repo: repo}
}

// OpenFromValidation opens one Exception per distinct category among v's
// failed error-severity checks, coalescing every check in a category into
// a single multi-issue record rather than one exception per check.
func (m *Manager) OpenFromValidation(ctx context.Context, invoiceID idgen.ID, v *domain.Validation) ([]*domain.Exception, error) {
	failed := domain.FailedErrors(v.Checks)
	if len(failed) == 0 {
		return nil, nil
	}

	byCategory := make(map[domain.ExceptionCategory][]domain.Check)
	order := make([]domain.ExceptionCategory, 0, 4)
	for _, check := range failed {
		cat := validation.CategoryFor(validation.ReasonCode(check.ReasonCode))
		if _, seen := byCategory[cat]; !seen {
			order = append(order, cat)
		}
		byCategory[cat] = append(byCategory[cat], check)
	}

	opened := make([]*domain.Exception, 0, len(order))
	for _, cat := range order {
		checks := byCategory[cat]
		primary := checks[0]

		actions := validation.SuggestedActions(validation.ReasonCode(primary.ReasonCode))
		details := map[string]any{"checks": checks}

		exc := &domain.Exception{
			InvoiceID:        invoiceID,
			Category:         cat,
			ReasonCode:       primary.ReasonCode,
			Severity:         domain.SeverityError,
			Details:          details,
			SuggestedActions: actions,
		}
		if err := m.repo.Open(ctx, exc); err != nil {
			return nil, err
		}
		opened = append(opened, exc)
	}
	return opened, nil
}

// OpenLowConfidence opens a single data-quality exception for an invoice
// whose checks all passed but whose extraction's weakest field confidence
// fell short of the §4.5.4 auto-approval threshold — the confidence_ok
// transition's negative branch routes here rather than through
// OpenFromValidation, since there is no failed check to coalesce.
func (m *Manager) OpenLowConfidence(ctx context.Context, invoiceID idgen.ID, minConfidence, threshold float64) (*domain.Exception, error) {
	exc := &domain.Exception{
		InvoiceID:        invoiceID,
		Category:         validation.CategoryFor(validation.LowExtractionConfidence),
		ReasonCode:       string(validation.LowExtractionConfidence),
		Severity:         domain.SeverityWarning,
		Details:          map[string]any{"min_confidence": minConfidence, "threshold": threshold},
		SuggestedActions: validation.SuggestedActions(validation.LowExtractionConfidence),
	}
	if err := m.repo.Open(ctx, exc); err != nil {
		return nil, err
	}
	return exc, nil
}

// AllResolved reports whether invoiceID has zero open exceptions, the
// all_exceptions_resolved condition the workflow runner checks before
// advancing exception → ready.
func (m *Manager) AllResolved(ctx context.Context, invoiceID idgen.ID) (bool, error) {
	n, err := m.repo.CountOpen(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Resolve resolves one or more exceptions with a single action and note in
// one transaction, the batch-resolution path §4.6 requires.
func (m *Manager) Resolve(ctx context.Context, ids []idgen.ID, resolvedBy, notes string) error {
	return m.repo.Resolve(ctx, ids, resolvedBy, notes)
}

// OpenForInvoice lists the currently open exceptions blocking an invoice.
func (m *Manager) OpenForInvoice(ctx context.Context, invoiceID idgen.ID) ([]*domain.Exception, error) {
	return m.repo.OpenForInvoice(ctx, invoiceID)
}
