package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// ValidationRepository persists the rule engine's verdicts (C5).
type ValidationRepository struct {
	db *store.DB
}

// NewValidationRepository constructs a ValidationRepository.
func NewValidationRepository(db *store.DB) *ValidationRepository {
	return &ValidationRepository{db: db}
}

// Save inserts v as the latest validation verdict for its invoice, emitting
// a "validation.completed" outbox event in the same transaction so the SLO
// core can compute validation_pass_rate and duplicate_recall from the
// outbox alone. A workflow restart recomputes and saves a fresh row rather
// than mutating an old one; validations are an append-only history, not a
// current pointer.
func (r *ValidationRepository) Save(ctx context.Context, v *domain.Validation) error {
	checksJSON, err := json.Marshal(v.Checks)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "marshalling validation checks")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		id := idgen.New()
		err := tx.QueryRow(ctx, `
			INSERT INTO validations (id, invoice_id, passed, checks, rules_version)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`, id, string(v.InvoiceID), v.Passed, checksJSON, v.RulesVersion).Scan(&id, &v.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting validation")
		}
		v.ID = id

		return store.AppendOutbox(ctx, tx, "invoice", string(v.InvoiceID), "validation.completed", map[string]any{
			"invoice_id":        v.InvoiceID,
			"passed":            v.Passed,
			"duplicate_flagged": v.HasCheck("DUPLICATE_INVOICE"),
		})
	})
}

// Latest loads the most recently saved validation for an invoice.
func (r *ValidationRepository) Latest(ctx context.Context, invoiceID idgen.ID) (*domain.Validation, error) {
	var v domain.Validation
	var rawID, invID string
	var checks []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, invoice_id, passed, checks, rules_version, created_at
		FROM validations WHERE invoice_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, string(invoiceID)).Scan(&rawID, &invID, &v.Passed, &checks, &v.RulesVersion, &v.CreatedAt)
	if err != nil {
		return nil, store.WrapQueryErr(err, "validation", string(invoiceID))
	}
	v.ID, v.InvoiceID = idgen.ID(rawID), idgen.ID(invID)
	if err := json.Unmarshal(checks, &v.Checks); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling validation checks")
	}
	return &v, nil
}
