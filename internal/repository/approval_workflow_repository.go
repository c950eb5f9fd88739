package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// ApprovalRepository manages ApprovalRequests and their step chains.
// Request + step creation is always done together in a single transaction,
// mirroring the teacher's workflow+steps insert pattern.
type ApprovalRepository struct {
	db *store.DB
}

// NewApprovalRepository constructs an ApprovalRepository.
func NewApprovalRepository(db *store.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts an ApprovalRequest and its ordered steps in one
// transaction, plus an "approval.requested" outbox event.
func (r *ApprovalRepository) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		id := idgen.New()
		err := tx.QueryRow(ctx, `
			INSERT INTO approval_requests (id, subject_ref, kind, state, priority, version, due_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6)
			RETURNING id, version, created_at
		`, id, req.SubjectRef, req.Kind, domain.ApprovalPending, req.Priority, req.DueAt).
			Scan(&id, &req.Version, &req.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "inserting approval request")
		}
		req.ID = id
		req.State = domain.ApprovalPending

		for i := range req.Steps {
			s := &req.Steps[i]
			_, err := tx.Exec(ctx, `
				INSERT INTO approval_steps (id, approval_request_id, step_index, approver_principal, required_role_level, status, due_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, idgen.New(), string(req.ID), s.StepIndex, s.ApproverPrincipal, s.RequiredRoleLevel, domain.StepPending, s.DueAt)
			if err != nil {
				return apperr.Wrap(err, apperr.KindUnavailable, "inserting approval step")
			}
			s.Status = domain.StepPending
		}

		return store.AppendOutbox(ctx, tx, "approval_request", string(req.ID), "approval.requested", map[string]any{
			"approval_request_id": req.ID,
			"subject_ref":         req.SubjectRef,
			"kind":                req.Kind,
			"step_count":          len(req.Steps),
		})
	})
}

// GetByID loads an ApprovalRequest with its steps, ordered.
func (r *ApprovalRepository) GetByID(ctx context.Context, id idgen.ID) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var rawID string
	err := r.db.QueryRow(ctx, `
		SELECT id, subject_ref, kind, state, priority, version, created_at, due_at
		FROM approval_requests WHERE id = $1
	`, string(id)).Scan(&rawID, &req.SubjectRef, &req.Kind, &req.State, &req.Priority, &req.Version, &req.CreatedAt, &req.DueAt)
	if err != nil {
		return nil, store.WrapQueryErr(err, "approval_request", string(id))
	}
	req.ID = idgen.ID(rawID)

	rows, err := r.db.Query(ctx, `
		SELECT step_index, approver_principal, required_role_level, status, acted_at, delegated_to, comment, due_at
		FROM approval_steps WHERE approval_request_id = $1 ORDER BY step_index
	`, string(id))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "loading approval steps")
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.ApprovalStep
		var delegatedTo, comment *string
		if err := rows.Scan(&s.StepIndex, &s.ApproverPrincipal, &s.RequiredRoleLevel, &s.Status, &s.ActedAt, &delegatedTo, &comment, &s.DueAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning approval step")
		}
		if delegatedTo != nil {
			s.DelegatedTo = *delegatedTo
		}
		if comment != nil {
			s.Comment = *comment
		}
		req.Steps = append(req.Steps, s)
	}
	return &req, rows.Err()
}

// FindBySubjectRef loads the ApprovalRequest for subjectRef, if one
// exists, so a caller (the workflow runner) can tell "never started" from
// "already in flight" before deciding whether to start a new chain.
func (r *ApprovalRepository) FindBySubjectRef(ctx context.Context, subjectRef string) (*domain.ApprovalRequest, error) {
	var id string
	err := r.db.QueryRow(ctx, `SELECT id FROM approval_requests WHERE subject_ref = $1 ORDER BY created_at DESC LIMIT 1`, subjectRef).Scan(&id)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "looking up approval request by subject")
	}
	return r.GetByID(ctx, idgen.ID(id))
}

// PendingRequestIDs lists every approval request still awaiting a
// decision, for the escalation sweep to check each one's current step
// against DueForEscalation.
func (r *ApprovalRepository) PendingRequestIDs(ctx context.Context) ([]idgen.ID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM approval_requests WHERE state = $1`, domain.ApprovalPending)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing pending approval requests")
	}
	defer rows.Close()

	var ids []idgen.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning pending approval request id")
		}
		ids = append(ids, idgen.ID(id))
	}
	return ids, rows.Err()
}

// RecordDecision applies a decision to one step (approve/reject/delegate),
// appends the immutable ApprovalDecision row, and — if the decision
// completes or rejects the whole chain — updates the request's overall
// state, all within one transaction guarded by the request's version.
func (r *ApprovalRepository) RecordDecision(ctx context.Context, req *domain.ApprovalRequest, stepIndex int, principal string, decision domain.StepStatus, comment, delegateTo string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE approval_steps SET status = $1, acted_at = now(), comment = $2, delegated_to = NULLIF($3, '')
			WHERE approval_request_id = $4 AND step_index = $5 AND status = 'pending'
		`, decision, comment, delegateTo, string(req.ID), stepIndex)
		if err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "updating approval step")
		}
		if err := store.AssertUpdated(tag); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO approval_decisions (id, approval_request_id, step_index, principal, decision, comment)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, idgen.New(), string(req.ID), stepIndex, principal, decision, comment); err != nil {
			return apperr.Wrap(err, apperr.KindUnavailable, "recording approval decision")
		}

		req.Steps[stepIndex].Status = decision
		var newState domain.ApprovalState
		switch {
		case decision == domain.StepRejected:
			newState = domain.ApprovalRejected
		case req.AllApproved():
			newState = domain.ApprovalApproved
		default:
			newState = req.State
		}

		if newState != req.State {
			tag, err := tx.Exec(ctx, `UPDATE approval_requests SET state = $1, version = version + 1 WHERE id = $2 AND version = $3`,
				newState, string(req.ID), req.Version)
			if err != nil {
				return apperr.Wrap(err, apperr.KindUnavailable, "updating approval request state")
			}
			if err := store.AssertUpdated(tag); err != nil {
				return err
			}
			req.Version++
			req.State = newState
		}

		return store.AppendOutbox(ctx, tx, "approval_request", string(req.ID), "approval.decided", map[string]any{
			"approval_request_id": req.ID,
			"step_index":          stepIndex,
			"principal":           principal,
			"decision":            decision,
			"new_state":           newState,
		})
	})
}
