// Package validation is the rule engine (C5): a configured, ordered set of
// rules run against an Extraction to produce a domain.Validation. Every
// failure emits a code from the closed taxonomy below; anything else maps
// to SystemValidationError.
package validation

import "github.com/pesio-ai/ap-invoice-engine/internal/domain"

// ReasonCode is a member of the closed failure-reason taxonomy.
type ReasonCode string

const (
	// Structural (§4.5.1)
	MissingRequiredField ReasonCode = "MISSING_REQUIRED_FIELD"
	InvalidFieldFormat   ReasonCode = "INVALID_FIELD_FORMAT"
	NoLineItems          ReasonCode = "NO_LINE_ITEMS"

	// Mathematical (§4.5.2)
	LineMathMismatch ReasonCode = "LINE_MATH_MISMATCH"
	SubtotalMismatch ReasonCode = "SUBTOTAL_MISMATCH"
	TotalMismatch    ReasonCode = "TOTAL_MISMATCH"
	InvalidAmount    ReasonCode = "INVALID_AMOUNT"

	// Business (§4.5.3)
	DuplicateInvoice       ReasonCode = "DUPLICATE_INVOICE"
	PONotFound             ReasonCode = "PO_NOT_FOUND"
	POMismatch             ReasonCode = "PO_MISMATCH"
	POAmountMismatch       ReasonCode = "PO_AMOUNT_MISMATCH"
	POQuantityMismatch     ReasonCode = "PO_QUANTITY_MISMATCH"
	GRNNotFound            ReasonCode = "GRN_NOT_FOUND"
	GRNMismatch            ReasonCode = "GRN_MISMATCH"
	InactiveVendor         ReasonCode = "INACTIVE_VENDOR"
	InvalidCurrency        ReasonCode = "INVALID_CURRENCY"
	InvalidTaxID           ReasonCode = "INVALID_TAX_ID"
	SpendLimitExceeded     ReasonCode = "SPEND_LIMIT_EXCEEDED"
	PaymentTermsViolation  ReasonCode = "PAYMENT_TERMS_VIOLATION"

	// Confidence gate (§4.5.4): every check passed but the extraction's
	// weakest field confidence fell short of the auto-approval threshold.
	LowExtractionConfidence ReasonCode = "LOW_EXTRACTION_CONFIDENCE"

	// System catch-all for unmapped conditions.
	SystemValidationError ReasonCode = "SYSTEM.VALIDATION_ERROR"
)

// RequiredFields is the default required-field set for structural checks.
var RequiredFields = []string{"vendor_name", "invoice_number", "invoice_date", "total_amount", "lines"}

// categoryByReasonCode groups each reason code under the exception
// category it belongs to (§4.6), the key the exception manager coalesces
// related failures on.
var categoryByReasonCode = map[ReasonCode]domain.ExceptionCategory{
	MissingRequiredField:    domain.CategoryDataQuality,
	InvalidFieldFormat:      domain.CategoryDataQuality,
	NoLineItems:             domain.CategoryDataQuality,
	LineMathMismatch:        domain.CategoryMath,
	SubtotalMismatch:        domain.CategoryMath,
	TotalMismatch:           domain.CategoryMath,
	InvalidAmount:           domain.CategoryMath,
	DuplicateInvoice:        domain.CategoryDuplicate,
	PONotFound:              domain.CategoryMatching,
	POMismatch:              domain.CategoryMatching,
	POAmountMismatch:        domain.CategoryMatching,
	POQuantityMismatch:      domain.CategoryMatching,
	GRNNotFound:             domain.CategoryMatching,
	GRNMismatch:             domain.CategoryMatching,
	InactiveVendor:          domain.CategoryVendorPolicy,
	InvalidCurrency:         domain.CategoryVendorPolicy,
	InvalidTaxID:            domain.CategoryVendorPolicy,
	SpendLimitExceeded:      domain.CategoryVendorPolicy,
	PaymentTermsViolation:   domain.CategoryVendorPolicy,
	LowExtractionConfidence: domain.CategoryDataQuality,
	SystemValidationError:   domain.CategorySystem,
}

// CategoryFor returns the exception category a reason code coalesces
// under, defaulting to CategorySystem for any code not in the table (which
// should only happen for a genuinely unmapped condition).
func CategoryFor(code ReasonCode) domain.ExceptionCategory {
	if cat, ok := categoryByReasonCode[code]; ok {
		return cat
	}
	return domain.CategorySystem
}

// SuggestedActions returns the default suggested-action set offered to a
// resolving principal for a given reason code (§4.6's "resolution action
// from the exception's suggested-action set").
func SuggestedActions(code ReasonCode) []string {
	switch code {
	case LineMathMismatch, SubtotalMismatch, TotalMismatch, InvalidAmount:
		return []string{"RECALCULATE", "OVERRIDE", "REJECT"}
	case DuplicateInvoice:
		return []string{"CONFIRM_DUPLICATE", "OVERRIDE_NOT_DUPLICATE", "REJECT"}
	case PONotFound, POMismatch, POAmountMismatch, POQuantityMismatch, GRNNotFound, GRNMismatch:
		return []string{"LINK_CORRECT_PO", "OVERRIDE", "REJECT"}
	case InactiveVendor, InvalidTaxID, SpendLimitExceeded, PaymentTermsViolation, InvalidCurrency:
		return []string{"OVERRIDE", "REJECT", "ESCALATE"}
	case LowExtractionConfidence:
		return []string{"MANUAL_REVIEW", "OVERRIDE", "REJECT"}
	default:
		return []string{"OVERRIDE", "REJECT"}
	}
}
