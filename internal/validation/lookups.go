package validation

import (
	"context"

	"github.com/shopspring/decimal"
)

// Lookups is the set of external collaborators business rules (§4.5.3)
// consult. Every method returns (result, error); a non-nil error is
// treated by the calling rule as "lookup unavailable" and degrades to
// Indeterminate rather than a spurious failure — the one correction this
// engine makes relative to the legacy behavior of rejecting on lookup
// failure.
type Lookups interface {
	FindDuplicateInvoice(ctx context.Context, contentHash, vendorID, invoiceNumber, invoiceDate string, amount decimal.Decimal) (*DuplicateMatch, error)
	FindPurchaseOrder(ctx context.Context, poNumber string) (*PurchaseOrder, error)
	FindGoodsReceiptNote(ctx context.Context, grnNumber string) (*GoodsReceiptNote, error)
	VendorStatus(ctx context.Context, vendorID string) (*VendorRecord, error)
}

// DuplicateMatchKind identifies which of §4.5.3's three detection modes
// classified a DuplicateMatch: an exact content-hash collision, a
// structural match on (vendor_id, invoice_number, invoice_date), or a
// near-match within the configured amount/date windows.
type DuplicateMatchKind string

const (
	DuplicateMatchExact      DuplicateMatchKind = "exact_hash"
	DuplicateMatchStructural DuplicateMatchKind = "structural"
	DuplicateMatchNear       DuplicateMatchKind = "near"
)

// DuplicateMatch describes a prior invoice the lookup considers a
// candidate collision with the one under validation. The lookup only
// needs to surface the candidate and its own identity fields; checkDuplicate
// classifies which of the three detection modes actually fired.
type DuplicateMatch struct {
	InvoiceID     string
	ExactHash     bool
	VendorID      string
	InvoiceNumber string
	InvoiceDate   string
	Amount        decimal.Decimal
}

// PurchaseOrder is the subset of PO data needed for the PO_* rules.
type PurchaseOrder struct {
	Number   string
	VendorID string
	Amount   decimal.Decimal
	Quantity decimal.Decimal
}

// GoodsReceiptNote is the subset of GRN data needed for the GRN_* rules.
type GoodsReceiptNote struct {
	Number   string
	POID     string
	Quantity decimal.Decimal
}

// VendorRecord is the subset of vendor master data needed for
// INACTIVE_VENDOR / INVALID_TAX_ID / SPEND_LIMIT_EXCEEDED /
// PAYMENT_TERMS_VIOLATION.
type VendorRecord struct {
	ID                string
	Active            bool
	TaxID             string
	SpendLimit        decimal.Decimal
	SpendToDate       decimal.Decimal
	MaxPaymentTermDays int
}
