package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

// PolicyGateRepository handles CRUD for policy_gates and the
// priority-ordered evaluation used by the policy engine (C8).
type PolicyGateRepository struct {
	db *store.DB
}

// NewPolicyGateRepository constructs a PolicyGateRepository.
func NewPolicyGateRepository(db *store.DB) *PolicyGateRepository {
	return &PolicyGateRepository{db: db}
}

// Create inserts a new policy gate.
func (r *PolicyGateRepository) Create(ctx context.Context, gate *domain.PolicyGate) error {
	condJSON, err := json.Marshal(gate.Condition)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "marshalling gate condition")
	}

	id := idgen.New()
	err = r.db.QueryRow(ctx, `
		INSERT INTO policy_gates (id, priority, condition, action, approval_workflow_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, id, gate.Priority, condJSON, gate.Action, nullableString(gate.ApprovalWorkflowRef)).Scan(&id)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "inserting policy gate")
	}
	gate.ID = id
	return nil
}

// ListOrdered returns every gate in ascending priority order — the order
// the policy engine must evaluate them in, since the first match wins.
func (r *PolicyGateRepository) ListOrdered(ctx context.Context) ([]*domain.PolicyGate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, priority, condition, action, approval_workflow_ref
		FROM policy_gates ORDER BY priority ASC
	`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "listing policy gates")
	}
	defer rows.Close()

	var gates []*domain.PolicyGate
	for rows.Next() {
		gate := &domain.PolicyGate{}
		var rawID string
		var condJSON []byte
		var workflowRef *string
		if err := rows.Scan(&rawID, &gate.Priority, &condJSON, &gate.Action, &workflowRef); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scanning policy gate")
		}
		gate.ID = idgen.ID(rawID)
		if err := json.Unmarshal(condJSON, &gate.Condition); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "unmarshalling gate condition")
		}
		if workflowRef != nil {
			gate.ApprovalWorkflowRef = *workflowRef
		}
		gates = append(gates, gate)
	}
	return gates, rows.Err()
}

// Delete removes a policy gate by ID.
func (r *PolicyGateRepository) Delete(ctx context.Context, id idgen.ID) error {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM policy_gates WHERE id = $1`, string(id))
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "deleting policy gate")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("policy_gate", string(id))
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
