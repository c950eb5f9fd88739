package approval_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/ap-invoice-engine/internal/approval"
	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

func TestEvaluateEquality(t *testing.T) {
	cond := domain.Condition{Operator: "eq", Field: "currency", Value: "USD"}
	assert.True(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"currency": "USD"}}))
	assert.False(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"currency": "EUR"}}))
}

func TestEvaluateAmountExceeds(t *testing.T) {
	cond := domain.Condition{Operator: "amount_exceeds", Value: 1000}
	assert.True(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"amount": decimal.NewFromInt(5000)}}))
	assert.False(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"amount": decimal.NewFromInt(500)}}))
}

func TestEvaluateNamedPredicates(t *testing.T) {
	assert.True(t, approval.Evaluate(domain.Condition{Operator: "is_duplicate"}, approval.EvalContext{IsDuplicate: true}))
	assert.True(t, approval.Evaluate(domain.Condition{Operator: "new_vendor"}, approval.EvalContext{NewVendor: true}))
	assert.True(t, approval.Evaluate(domain.Condition{Operator: "unusual_variance", Value: 10.0}, approval.EvalContext{VariancePercent: 25.0}))
	assert.False(t, approval.Evaluate(domain.Condition{Operator: "unusual_variance", Value: 10.0}, approval.EvalContext{VariancePercent: 5.0}))
}

func TestEvaluateSetMembership(t *testing.T) {
	cond := domain.Condition{Operator: "in", Field: "country", Value: []any{"US", "CA"}}
	assert.True(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"country": "CA"}}))
	assert.False(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"country": "DE"}}))
}

func TestEvaluateRegex(t *testing.T) {
	cond := domain.Condition{Operator: "regex", Field: "invoice_number", Value: `^INV-\d+$`}
	assert.True(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"invoice_number": "INV-1001"}}))
	assert.False(t, approval.Evaluate(cond, approval.EvalContext{Fields: map[string]any{"invoice_number": "BAD"}}))
}

func TestEvaluateAndOrComposition(t *testing.T) {
	cond := domain.Condition{
		And: []domain.Condition{
			{Operator: "amount_exceeds", Value: 1000},
			{Or: []domain.Condition{
				{Operator: "is_duplicate"},
				{Operator: "new_vendor"},
			}},
		},
	}
	ctx := approval.EvalContext{Fields: map[string]any{"amount": decimal.NewFromInt(5000)}, NewVendor: true}
	assert.True(t, approval.Evaluate(cond, ctx))

	ctx2 := approval.EvalContext{Fields: map[string]any{"amount": decimal.NewFromInt(5000)}}
	assert.False(t, approval.Evaluate(cond, ctx2))
}
