// Package repository is the engine's data-access layer: thin, hand-mapped
// SQL wrappers over the durable store, one type per aggregate, in the
// shape the teacher's invoice_repository.go and approval_*_repository.go
// established (constructor takes *store.DB, methods take a context and
// return domain types or an *apperr.Error).
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

// InvoiceRepository handles invoice CRUD and the optimistic-concurrency
// state transition update used by the workflow runner (C7).
type InvoiceRepository struct {
	db *store.DB
}

// NewInvoiceRepository constructs an InvoiceRepository.
func NewInvoiceRepository(db *store.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts a new invoice row and its outbox "invoice.received" audit
// event in one transaction, returning the generated ID and timestamps.
func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		id := idgen.New()
		query := `
			INSERT INTO invoices (id, content_hash, submitter, submitter_scope, source, storage_ref, state, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			RETURNING id, version, created_at, updated_at
		`
		var returnedID string
		err := tx.QueryRow(ctx, query, id, inv.ContentHash, inv.Submitter, inv.SubmitterScope, inv.Source, inv.StorageRef, domain.StateReceived).
			Scan(&returnedID, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting invoice")
		}
		inv.ID = idgen.ID(returnedID)
		inv.State = domain.StateReceived

		return store.AppendOutbox(ctx, tx, "invoice", string(inv.ID), "invoice.received", map[string]any{
			"invoice_id":   inv.ID,
			"content_hash": inv.ContentHash,
			"submitter":    inv.Submitter,
		})
	})
}

// GetByID loads one invoice by ID.
func (r *InvoiceRepository) GetByID(ctx context.Context, id idgen.ID) (*domain.Invoice, error) {
	query := `
		SELECT id, content_hash, submitter, submitter_scope, source, storage_ref, state, version, created_at, updated_at
		FROM invoices WHERE id = $1
	`
	var inv domain.Invoice
	var rawID string
	err := r.db.QueryRow(ctx, query, string(id)).Scan(
		&rawID, &inv.ContentHash, &inv.Submitter, &inv.SubmitterScope, &inv.Source, &inv.StorageRef, &inv.State, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, store.WrapQueryErr(err, "invoice", string(id))
	}
	inv.ID = idgen.ID(rawID)
	return &inv, nil
}

// FindDuplicate looks up an existing invoice by exact content-hash match
// scoped to the submitter, grounding DUPLICATE_INVOICE's exact-match case.
func (r *InvoiceRepository) FindDuplicate(ctx context.Context, contentHash, submitterScope string) (*domain.Invoice, error) {
	query := `
		SELECT id, content_hash, submitter, submitter_scope, source, storage_ref, state, version, created_at, updated_at
		FROM invoices WHERE content_hash = $1 AND submitter_scope = $2
	`
	var inv domain.Invoice
	var rawID string
	err := r.db.QueryRow(ctx, query, contentHash, submitterScope).Scan(
		&rawID, &inv.ContentHash, &inv.Submitter, &inv.SubmitterScope, &inv.Source, &inv.StorageRef, &inv.State, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "looking up duplicate invoice")
	}
	inv.ID = idgen.ID(rawID)
	return &inv, nil
}

// TransitionState performs the one legal way to change Invoice.State: an
// optimistic-concurrency guarded UPDATE plus an audit outbox event, in one
// transaction, matching the workflow step's "atomic outcome" rule. The
// caller supplies the already-validated target state (via
// internal/workflow's transition table); TransitionState itself only
// enforces the version check, not the transition graph.
func (r *InvoiceRepository) TransitionState(ctx context.Context, id idgen.ID, expectedVersion int64, newState domain.WorkflowState, eventName string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE invoices SET state = $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND version = $3
		`, newState, string(id), expectedVersion)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "updating invoice state")
		}
		if err := store.AssertUpdated(tag); err != nil {
			return err
		}

		return store.AppendOutbox(ctx, tx, "invoice", string(id), "invoice.transitioned", map[string]any{
			"invoice_id": id,
			"event":      eventName,
			"new_state":  newState,
			"version":    expectedVersion + 1,
		})
	})
}

// SaveExtraction stores a parser result, marking any previous extraction
// for the invoice as superseded, atomically with the audit event.
func (r *InvoiceRepository) SaveExtraction(ctx context.Context, ext *domain.Extraction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE extractions SET is_current = false WHERE invoice_id = $1 AND is_current`, string(ext.InvoiceID)); err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "superseding prior extraction")
		}

		header, err := json.Marshal(ext.Header)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling extraction header")
		}
		lines, err := json.Marshal(ext.Lines)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling extraction lines")
		}

		id := idgen.New()
		err = tx.QueryRow(ctx, `
			INSERT INTO extractions (id, invoice_id, header, lines, parser_version, is_current)
			VALUES ($1, $2, $3, $4, $5, true)
			RETURNING id, created_at
		`, id, string(ext.InvoiceID), header, lines, ext.ParserVersion).Scan(&id, &ext.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting extraction")
		}
		ext.ID = id
		ext.IsCurrent = true

		return store.AppendOutbox(ctx, tx, "invoice", string(ext.InvoiceID), "extraction.created", map[string]any{
			"invoice_id":      ext.InvoiceID,
			"parser_version":  ext.ParserVersion,
			"mean_confidence": ext.MeanConfidence(),
		})
	})
}

// CurrentExtraction loads the current (non-superseded) extraction for an
// invoice.
func (r *InvoiceRepository) CurrentExtraction(ctx context.Context, invoiceID idgen.ID) (*domain.Extraction, error) {
	query := `
		SELECT id, invoice_id, header, lines, parser_version, is_current, created_at
		FROM extractions WHERE invoice_id = $1 AND is_current
	`
	var ext domain.Extraction
	var id, invID string
	var header, lines []byte
	err := r.db.QueryRow(ctx, query, string(invoiceID)).Scan(&id, &invID, &header, &lines, &ext.ParserVersion, &ext.IsCurrent, &ext.CreatedAt)
	if err != nil {
		return nil, store.WrapQueryErr(err, "extraction", string(invoiceID))
	}
	ext.ID, ext.InvoiceID = idgen.ID(id), idgen.ID(invID)
	if err := json.Unmarshal(header, &ext.Header); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling extraction header")
	}
	if err := json.Unmarshal(lines, &ext.Lines); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling extraction lines")
	}
	return &ext, nil
}
