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

// StagedExportRepository manages the prepare/approve/post/rollback
// lifecycle of StagedExport rows (C9). Every status transition asserts
// the monotonic lattice via optimistic concurrency and appends an audit
// outbox event in the same transaction.
type StagedExportRepository struct {
	db *store.DB
}

// NewStagedExportRepository constructs a StagedExportRepository.
func NewStagedExportRepository(db *store.DB) *StagedExportRepository {
	return &StagedExportRepository{db: db}
}

// Prepare inserts a new StagedExport in the "prepared" state.
func (r *StagedExportRepository) Prepare(ctx context.Context, se *domain.StagedExport) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		prepared, err := json.Marshal(se.PreparedData)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling prepared data")
		}

		id := idgen.New()
		err = tx.QueryRow(ctx, `
			INSERT INTO staged_exports (id, invoice_id, destination, format, status, prepared_data, quality_score, prepared_by, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			RETURNING id, created_at, prepared_at
		`, id, string(se.InvoiceID), se.Destination, se.Format, domain.ExportPrepared, prepared, se.QualityScore, se.PreparedBy).
			Scan(&id, &se.CreatedAt, &se.PreparedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting staged export")
		}
		se.ID = id
		se.Status = domain.ExportPrepared
		se.Version = 1

		return store.AppendOutbox(ctx, tx, "staged_export", string(se.ID), "export.prepared", map[string]any{
			"staged_export_id": se.ID,
			"invoice_id":       se.InvoiceID,
			"destination":      se.Destination,
			"quality_score":    se.QualityScore,
		})
	})
}

// GetByID loads a StagedExport by ID.
func (r *StagedExportRepository) GetByID(ctx context.Context, id idgen.ID) (*domain.StagedExport, error) {
	var se domain.StagedExport
	var rawID, invID string
	var prepared, approved, posted, diff []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, invoice_id, destination, format, status, prepared_data, approved_data, posted_data, diff,
		       quality_score, prepared_by, approved_by, posted_by, external_ref, version,
		       created_at, prepared_at, reviewed_at, posted_at, rolled_back_at
		FROM staged_exports WHERE id = $1
	`, string(id)).Scan(&rawID, &invID, &se.Destination, &se.Format, &se.Status, &prepared, &approved, &posted, &diff,
		&se.QualityScore, &se.PreparedBy, &se.ApprovedBy, &se.PostedBy, &se.ExternalRef, &se.Version,
		&se.CreatedAt, &se.PreparedAt, &se.ReviewedAt, &se.PostedAt, &se.RolledBackAt)
	if err != nil {
		return nil, store.WrapQueryErr(err, "staged_export", string(id))
	}
	se.ID, se.InvoiceID = idgen.ID(rawID), idgen.ID(invID)
	if err := unmarshalIfPresent(prepared, &se.PreparedData); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(approved, &se.ApprovedData); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(posted, &se.PostedData); err != nil {
		return nil, err
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &se.Diff); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling export diff")
		}
	}
	return &se, nil
}

// TransitionReview moves a prepared export to under_review, then the
// approver's decision (approved/rejected), storing approved_data and the
// computed diff — one optimistic-concurrency guarded transaction.
func (r *StagedExportRepository) TransitionReview(ctx context.Context, se *domain.StagedExport, newStatus domain.ExportStatus, approvedBy string, approvedData map[string]any, diff []domain.FieldDiff) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		approvedJSON, err := json.Marshal(approvedData)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling approved data")
		}
		diffJSON, err := json.Marshal(diff)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling export diff")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE staged_exports
			SET status = $1, approved_data = $2, diff = $3, approved_by = $4, reviewed_at = now(), version = version + 1
			WHERE id = $5 AND version = $6
		`, newStatus, approvedJSON, diffJSON, approvedBy, string(se.ID), se.Version)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "updating staged export review")
		}
		if err := store.AssertUpdated(tag); err != nil {
			return err
		}
		se.Status, se.ApprovedData, se.Diff, se.ApprovedBy, se.Version = newStatus, approvedData, diff, approvedBy, se.Version+1

		return store.AppendOutbox(ctx, tx, "staged_export", string(se.ID), "export.reviewed", map[string]any{
			"staged_export_id": se.ID,
			"new_status":       newStatus,
			"approved_by":      approvedBy,
		})
	})
}

// TransitionPost records the destination connector's result: posted with
// an external_ref on success, or failed with no external_ref. The
// connector's error itself is not stored; the caller returns it.
func (r *StagedExportRepository) TransitionPost(ctx context.Context, se *domain.StagedExport, postedBy string, postedData map[string]any, externalRef string, newStatus domain.ExportStatus) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		postedJSON, err := json.Marshal(postedData)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "marshalling posted data")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE staged_exports
			SET status = $1, posted_data = $2, posted_by = $3, external_ref = NULLIF($4, ''), posted_at = now(), version = version + 1
			WHERE id = $5 AND version = $6
		`, newStatus, postedJSON, postedBy, externalRef, string(se.ID), se.Version)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "updating staged export post result")
		}
		if err := store.AssertUpdated(tag); err != nil {
			return err
		}
		se.Status, se.PostedData, se.PostedBy, se.ExternalRef, se.Version = newStatus, postedData, postedBy, externalRef, se.Version+1

		return store.AppendOutbox(ctx, tx, "staged_export", string(se.ID), "export.posted", map[string]any{
			"staged_export_id": se.ID,
			"status":           newStatus,
			"external_ref":     externalRef,
		})
	})
}

// Rollback transitions a posted export to rolled_back, only legal within
// the caller-enforced rollback window; the window check itself lives in
// internal/export since it depends on configuration, not storage.
func (r *StagedExportRepository) Rollback(ctx context.Context, se *domain.StagedExport) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE staged_exports SET status = $1, rolled_back_at = now(), version = version + 1
			WHERE id = $2 AND version = $3 AND status = $4
		`, domain.ExportRolledBack, string(se.ID), se.Version, domain.ExportPosted)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "rolling back staged export")
		}
		if err := store.AssertUpdated(tag); err != nil {
			return err
		}
		se.Status, se.Version = domain.ExportRolledBack, se.Version+1

		return store.AppendOutbox(ctx, tx, "staged_export", string(se.ID), "export.rolled_back", map[string]any{
			"staged_export_id": se.ID,
		})
	})
}

func unmarshalIfPresent(raw []byte, dest *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "unmarshalling export payload")
	}
	return nil
}
