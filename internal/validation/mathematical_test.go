package validation_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
)

func rcWithTolerance() validation.Context {
	return validation.Context{Tolerance: decimal.NewFromFloat(0.01)}
}

func TestLineMathMismatch(t *testing.T) {
	ext := completeExtraction()
	ext.Lines[0].Fields["amount"] = field("999.00")

	out := runRule(t, "line_math_mismatch", validation.MathematicalRules(), ext, rcWithTolerance())
	assert.False(t, out.Passed)
	assert.Equal(t, validation.LineMathMismatch, out.ReasonCode)
}

func TestLineMathWithinTolerance(t *testing.T) {
	ext := completeExtraction()
	ext.Lines[0].Fields["amount"] = field("100.005")

	out := runRule(t, "line_math_mismatch", validation.MathematicalRules(), ext, validation.Context{Tolerance: decimal.NewFromFloat(0.01)})
	assert.True(t, out.Passed)
}

func TestSubtotalMismatch(t *testing.T) {
	ext := completeExtraction()
	ext.Header["subtotal"] = field("500.00")

	out := runRule(t, "subtotal_mismatch", validation.MathematicalRules(), ext, rcWithTolerance())
	assert.False(t, out.Passed)
	assert.Equal(t, validation.SubtotalMismatch, out.ReasonCode)
}

func TestSubtotalMatchesLineSum(t *testing.T) {
	ext := completeExtraction()
	ext.Header["subtotal"] = field("100.00")

	out := runRule(t, "subtotal_mismatch", validation.MathematicalRules(), ext, rcWithTolerance())
	assert.True(t, out.Passed)
}

func TestTotalMismatch(t *testing.T) {
	ext := completeExtraction()
	ext.Header["subtotal"] = field("100.00")
	ext.Header["tax_amount"] = field("10.00")
	ext.Header["total_amount"] = field("999.00")

	out := runRule(t, "total_mismatch", validation.MathematicalRules(), ext, rcWithTolerance())
	assert.False(t, out.Passed)
	assert.Equal(t, validation.TotalMismatch, out.ReasonCode)
}

func TestTotalMatchesSubtotalPlusTax(t *testing.T) {
	ext := completeExtraction()
	ext.Header["subtotal"] = field("100.00")
	ext.Header["tax_amount"] = field("10.00")
	ext.Header["total_amount"] = field("110.00")

	out := runRule(t, "total_mismatch", validation.MathematicalRules(), ext, rcWithTolerance())
	assert.True(t, out.Passed)
}

func TestInvalidAmountRejectsNegative(t *testing.T) {
	ext := completeExtraction()
	ext.Header["total_amount"] = field("-5.00")

	out := runRule(t, "invalid_amount", validation.MathematicalRules(), ext, rcWithTolerance())
	assert.False(t, out.Passed)
	assert.Equal(t, validation.InvalidAmount, out.ReasonCode)
}

func TestRound4BankersRoundingTieBreak(t *testing.T) {
	// 0.00005 is exactly halfway between 0.0000 and 0.0001; banker's
	// rounding resolves ties toward the even digit (0.0000).
	d, err := decimal.NewFromString("0.00005")
	assert.NoError(t, err)
	assert.True(t, d.RoundBank(4).Equal(decimal.Zero))
}
