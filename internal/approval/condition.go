// Package approval implements the policy + approval engine (C8): gate
// evaluation over an ordered rule list, and sequential approval-chain
// execution with delegation and due-date escalation.
package approval

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// EvalContext is the set of invoice-derived attributes a gate Condition is
// evaluated against. Fields holds the generic attribute bag (amount,
// vendor_id, line_count, currency, ...); the named-predicate fields below
// are populated by the caller from business-rule lookups the condition
// evaluator itself has no access to.
type EvalContext struct {
	Fields          map[string]any
	IsDuplicate     bool
	NewVendor       bool
	VariancePercent float64
}

// Evaluate recursively evaluates a Condition tree against ctx. And/Or
// compose like a boolean expression tree; a leaf condition dispatches on
// Operator.
func Evaluate(cond domain.Condition, ctx EvalContext) bool {
	if len(cond.And) > 0 {
		for _, c := range cond.And {
			if !Evaluate(c, ctx) {
				return false
			}
		}
		return true
	}
	if len(cond.Or) > 0 {
		for _, c := range cond.Or {
			if Evaluate(c, ctx) {
				return true
			}
		}
		return false
	}

	switch cond.Operator {
	case "eq":
		return fmt.Sprintf("%v", ctx.Fields[cond.Field]) == fmt.Sprintf("%v", cond.Value)
	case "neq":
		return fmt.Sprintf("%v", ctx.Fields[cond.Field]) != fmt.Sprintf("%v", cond.Value)
	case "gt", "gte", "lt", "lte":
		return compareNumeric(cond.Operator, ctx.Fields[cond.Field], cond.Value)
	case "in":
		return memberOf(ctx.Fields[cond.Field], cond.Value)
	case "regex":
		pattern, ok := cond.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", ctx.Fields[cond.Field]))
	case "is_duplicate":
		return ctx.IsDuplicate
	case "new_vendor":
		return ctx.NewVendor
	case "amount_exceeds":
		return compareNumeric("gt", ctx.Fields["amount"], cond.Value)
	case "unusual_variance":
		threshold, ok := toFloat(cond.Value)
		return ok && ctx.VariancePercent > threshold
	default:
		return false
	}
}

func compareNumeric(op string, actual, want any) bool {
	a, aok := toDecimal(actual)
	b, bok := toDecimal(want)
	if !aok || !bok {
		return false
	}
	switch op {
	case "gt":
		return a.GreaterThan(b)
	case "gte":
		return a.GreaterThanOrEqual(b)
	case "lt":
		return a.LessThan(b)
	case "lte":
		return a.LessThanOrEqual(b)
	default:
		return false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func memberOf(actual, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	needle := fmt.Sprintf("%v", actual)
	for _, item := range items {
		if fmt.Sprintf("%v", item) == needle {
			return true
		}
	}
	return false
}
