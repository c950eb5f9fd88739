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

// ExceptionRepository manages Exception rows for the exception manager
// (C6). Resolution is always a single-row update plus an audit outbox
// event within one transaction.
type ExceptionRepository struct {
	db *store.DB
}

// NewExceptionRepository constructs an ExceptionRepository.
func NewExceptionRepository(db *store.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Open inserts a new Exception, appending an "exception.opened" outbox
// event in the same transaction.
func (r *ExceptionRepository) Open(ctx context.Context, exc *domain.Exception) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		details, err := json.Marshal(exc.Details)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling exception details")
		}
		actions, err := json.Marshal(exc.SuggestedActions)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling suggested actions")
		}

		id := idgen.New()
		err = tx.QueryRow(ctx, `
			INSERT INTO exceptions (id, invoice_id, category, reason_code, severity, status, details, suggested_actions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at
		`, id, string(exc.InvoiceID), exc.Category, exc.ReasonCode, exc.Severity, domain.ExceptionOpen, details, actions).
			Scan(&id, &exc.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting exception")
		}
		exc.ID = id
		exc.Status = domain.ExceptionOpen

		return store.AppendOutbox(ctx, tx, "exception", string(exc.ID), "exception.opened", map[string]any{
			"exception_id": exc.ID,
			"invoice_id":   exc.InvoiceID,
			"category":     exc.Category,
			"reason_code":  exc.ReasonCode,
		})
	})
}

// OpenForInvoice returns every open exception for an invoice.
func (r *ExceptionRepository) OpenForInvoice(ctx context.Context, invoiceID idgen.ID) ([]*domain.Exception, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, invoice_id, category, reason_code, severity, status, details, suggested_actions,
		       created_at, resolved_at, resolved_by, resolution_notes
		FROM exceptions WHERE invoice_id = $1 AND status = 'open'
		ORDER BY created_at
	`, string(invoiceID))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing open exceptions")
	}
	defer rows.Close()
	return scanExceptions(rows)
}

// Resolve atomically marks N exceptions resolved with the same action,
// supporting the batch-resolution requirement in one transaction.
func (r *ExceptionRepository) Resolve(ctx context.Context, ids []idgen.ID, resolvedBy, notes string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, id := range ids {
			tag, err := tx.Exec(ctx, `
				UPDATE exceptions SET status = 'resolved', resolved_at = now(), resolved_by = $1, resolution_notes = $2
				WHERE id = $3 AND status = 'open'
			`, resolvedBy, notes, string(id))
			if err != nil {
				return apperr.Wrap(err, apperr.KindUnavailable, "resolving exception")
			}
			if err := store.AssertUpdated(tag); err != nil {
				return err
			}
			if err := store.AppendOutbox(ctx, tx, "exception", string(id), "exception.resolved", map[string]any{
				"exception_id": id,
				"resolved_by":  resolvedBy,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountOpen returns the number of still-open exceptions for an invoice,
// used by the workflow runner to decide the all_exceptions_resolved edge.
func (r *ExceptionRepository) CountOpen(ctx context.Context, invoiceID idgen.ID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM exceptions WHERE invoice_id = $1 AND status = 'open'`, string(invoiceID)).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindUnavailable, "counting open exceptions")
	}
	return n, nil
}

func scanExceptions(rows pgx.Rows) ([]*domain.Exception, error) {
	var out []*domain.Exception
	for rows.Next() {
		exc := &domain.Exception{}
		var rawID, invID string
		var details, actions []byte
		if err := rows.Scan(&rawID, &invID, &exc.Category, &exc.ReasonCode, &exc.Severity, &exc.Status, &details, &actions,
			&exc.CreatedAt, &exc.ResolvedAt, &exc.ResolvedBy, &exc.ResolutionNotes); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning exception")
		}
		exc.ID, exc.InvoiceID = idgen.ID(rawID), idgen.ID(invID)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &exc.Details); err != nil {
				return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling exception details")
			}
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &exc.SuggestedActions); err != nil {
				return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling suggested actions")
			}
		}
		out = append(out, exc)
	}
	return out, rows.Err()
}
