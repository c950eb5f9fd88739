package approval

import (
	"context"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// GateRepository is the persistence contract the gate evaluator needs.
// *repository.PolicyGateRepository satisfies it.
type GateRepository interface {
	ListOrdered(ctx context.Context) ([]*domain.PolicyGate, error)
}

// GateEvaluator runs the configured gate list in priority order against an
// EvalContext (§4.8). Evaluation is deterministic: the same (gates, ctx)
// pair always yields the same decision, since gates are a pure function of
// their Condition and the list is a fixed, ordered snapshot.
type GateEvaluator struct {
	repo GateRepository
}

// NewGateEvaluator constructs a GateEvaluator over repo.
func NewGateEvaluator(repo GateRepository) *GateEvaluator {
	return &GateEvaluator{repo: repo}
}

// Decision is the outcome of evaluating the gate list: the action to take,
// and which gate (if any) produced it. A nil Gate with ActionAllow means no
// gate matched and the default applied.
type Decision struct {
	Action GateAction
	Gate   *domain.PolicyGate
}

// GateAction re-exports domain.GateAction so callers of this package don't
// need a second import for a type they already got from Evaluate.
type GateAction = domain.GateAction

// Evaluate loads the gate list and returns the first matching gate's
// action, defaulting to allow per §4.8.
func (e *GateEvaluator) Evaluate(ctx context.Context, evalCtx EvalContext) (Decision, error) {
	gates, err := e.repo.ListOrdered(ctx)
	if err != nil {
		return Decision{}, err
	}
	for _, gate := range gates {
		if Evaluate(gate.Condition, evalCtx) {
			return Decision{Action: gate.Action, Gate: gate}, nil
		}
	}
	return Decision{Action: domain.ActionAllow}, nil
}
