package validation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// MathematicalRules returns the exact-arithmetic checks from §4.5.2. All
// comparisons use decimal arithmetic with a symmetric closed-interval
// tolerance [-ε, +ε], and round amounts banker's-style (round-half-to-
// even) to 4 fractional digits to resolve rounding-boundary ties the same
// way regardless of which side of .5 a value approaches from.
func MathematicalRules() []Rule {
	return []Rule{
		{Name: "invalid_amount", Category: "mathematical", Severity: domain.SeverityError, Apply: checkInvalidAmounts},
		{Name: "line_math_mismatch", Category: "mathematical", Severity: domain.SeverityError, Apply: checkLineMath},
		{Name: "subtotal_mismatch", Category: "mathematical", Severity: domain.SeverityError, Apply: checkSubtotal},
		{Name: "total_mismatch", Category: "mathematical", Severity: domain.SeverityError, Apply: checkTotal},
	}
}

// withinTolerance reports whether |a-b| <= ε, the closed-interval
// tolerance check from §4.5.2's tie-break rule.
func withinTolerance(a, b, epsilon decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	return diff.LessThanOrEqual(epsilon)
}

// round4 applies banker's rounding to 4 fractional digits, matching the
// fixed-point precision spec.md §3 mandates for money fields.
func round4(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(4)
}

func amountField(ext *domain.Extraction, name string) (decimal.Decimal, bool) {
	f, ok := ext.Field(name)
	if !ok || f.Value == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(f.Value)
	if err != nil {
		return decimal.Zero, false
	}
	return round4(d), true
}

func checkInvalidAmounts(_ context.Context, ext *domain.Extraction, _ Context) Outcome {
	for _, name := range []string{"total_amount", "subtotal", "tax_amount"} {
		f, ok := ext.Field(name)
		if !ok || f.Value == "" {
			continue
		}
		d, err := decimal.NewFromString(f.Value)
		if err != nil || d.IsNegative() {
			return Fail(InvalidAmount, map[string]any{"field": name, "value": f.Value})
		}
	}
	return Pass()
}

func checkLineMath(_ context.Context, ext *domain.Extraction, rc Context) Outcome {
	for _, line := range ext.Lines {
		qtyField, hasQty := line.Fields["quantity"]
		priceField, hasPrice := line.Fields["unit_price"]
		amountField, hasAmount := line.Fields["amount"]
		if !hasQty || !hasPrice || !hasAmount {
			continue
		}

		qty, err1 := decimal.NewFromString(qtyField.Value)
		price, err2 := decimal.NewFromString(priceField.Value)
		amount, err3 := decimal.NewFromString(amountField.Value)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		expected := round4(qty.Mul(price))
		if !withinTolerance(round4(amount), expected, rc.Tolerance) {
			return Fail(LineMathMismatch, map[string]any{
				"line_number": line.LineNumber,
				"expected":    expected.String(),
				"actual":      amount.String(),
			})
		}
	}
	return Pass()
}

func checkSubtotal(_ context.Context, ext *domain.Extraction, rc Context) Outcome {
	subtotal, ok := amountField(ext, "subtotal")
	if !ok {
		return Pass()
	}

	sum := decimal.Zero
	for _, line := range ext.Lines {
		f, ok := line.Fields["amount"]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(f.Value)
		if err != nil {
			continue
		}
		sum = sum.Add(d)
	}
	sum = round4(sum)

	if !withinTolerance(subtotal, sum, rc.Tolerance) {
		return Fail(SubtotalMismatch, map[string]any{
			"subtotal":   subtotal.String(),
			"line_sum":   sum.String(),
			"difference": subtotal.Sub(sum).String(),
		})
	}
	return Pass()
}

func checkTotal(_ context.Context, ext *domain.Extraction, rc Context) Outcome {
	total, hasTotal := amountField(ext, "total_amount")
	subtotal, hasSubtotal := amountField(ext, "subtotal")
	tax, hasTax := amountField(ext, "tax_amount")
	if !hasTotal || !hasSubtotal {
		return Pass()
	}
	if !hasTax {
		tax = decimal.Zero
	}

	expected := round4(subtotal.Add(tax))
	if !withinTolerance(total, expected, rc.Tolerance) {
		return Fail(TotalMismatch, map[string]any{
			"total":    total.String(),
			"expected": expected.String(),
			"detail":   fmt.Sprintf("subtotal %s + tax %s", subtotal.String(), tax.String()),
		})
	}
	return Pass()
}
