package approval_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/approval"
	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

type fakeGateRepository struct {
	gates []*domain.PolicyGate
}

func (f *fakeGateRepository) ListOrdered(context.Context) ([]*domain.PolicyGate, error) {
	return f.gates, nil
}

func TestGateEvaluatorFirstMatchWins(t *testing.T) {
	repo := &fakeGateRepository{gates: []*domain.PolicyGate{
		{Priority: 1, Condition: domain.Condition{Operator: "amount_exceeds", Value: 10000}, Action: domain.ActionBlock},
		{Priority: 2, Condition: domain.Condition{Operator: "amount_exceeds", Value: 1000}, Action: domain.ActionRequireApproval},
	}}
	evaluator := approval.NewGateEvaluator(repo)

	decision, err := evaluator.Evaluate(context.Background(), approval.EvalContext{Fields: map[string]any{"amount": decimal.NewFromInt(5000)}})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRequireApproval, decision.Action)
}

func TestGateEvaluatorDefaultsToAllow(t *testing.T) {
	repo := &fakeGateRepository{gates: []*domain.PolicyGate{
		{Priority: 1, Condition: domain.Condition{Operator: "amount_exceeds", Value: 10000}, Action: domain.ActionBlock},
	}}
	evaluator := approval.NewGateEvaluator(repo)

	decision, err := evaluator.Evaluate(context.Background(), approval.EvalContext{Fields: map[string]any{"amount": decimal.NewFromInt(50)}})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAllow, decision.Action)
	assert.Nil(t, decision.Gate)
}
