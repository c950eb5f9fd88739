package validation

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

// BusinessRules returns the §4.5.3 rules that consult external lookups:
// duplicate detection, PO/GRN three-way match, and vendor master checks.
// Every rule here degrades to Indeterminate (never to a hard failure) when
// its lookup returns an error, per the Lookups contract.
func BusinessRules() []Rule {
	return []Rule{
		{Name: "duplicate_invoice", Category: "business", Severity: domain.SeverityError, Apply: checkDuplicate},
		{Name: "purchase_order_match", Category: "business", Severity: domain.SeverityError, Apply: checkPurchaseOrder},
		{Name: "goods_receipt_match", Category: "business", Severity: domain.SeverityWarning, Apply: checkGoodsReceipt},
		{Name: "vendor_master", Category: "business", Severity: domain.SeverityError, Apply: checkVendor},
		{Name: "currency_code", Category: "business", Severity: domain.SeverityError, Apply: checkCurrency},
	}
}

var validCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true, "JPY": true, "CHF": true, "CNY": true,
}

// checkCurrency enforces a closed ISO-4217 allow-list; it is purely local
// and never degrades to Indeterminate, unlike the lookup-backed rules below.
func checkCurrency(_ context.Context, ext *domain.Extraction, _ Context) Outcome {
	f, ok := ext.Field("currency")
	if !ok || f.Value == "" {
		return Pass()
	}
	if !validCurrencies[f.Value] {
		return Fail(InvalidCurrency, map[string]any{"currency": f.Value})
	}
	return Pass()
}

// checkDuplicate runs §4.5.3's DUPLICATE_INVOICE rule across all three
// detection modes: an exact content-hash collision, a structural match on
// (vendor_id, invoice_number, invoice_date), and a near-match within a
// configurable amount/date window. The lookup only needs to surface a
// plausible candidate (matching hash or vendor+number); classifyDuplicate
// decides locally which mode, if any, actually fired.
func checkDuplicate(ctx context.Context, ext *domain.Extraction, rc Context) Outcome {
	if rc.Lookups == nil || rc.Invoice == nil {
		return Pass()
	}
	vendorID, _ := ext.Field("vendor_id")
	invoiceNumber, _ := ext.Field("invoice_number")
	invoiceDate, _ := ext.Field("invoice_date")
	amount, _ := amountField(ext, "total_amount")

	match, err := rc.Lookups.FindDuplicateInvoice(ctx, rc.Invoice.ContentHash, vendorID.Value, invoiceNumber.Value, invoiceDate.Value, amount)
	if err != nil {
		return Indeterminate(DuplicateInvoice, map[string]any{"reason": "lookup_unavailable"})
	}
	if match == nil {
		return Pass()
	}

	kind, matched := classifyDuplicate(match, vendorID.Value, invoiceNumber.Value, invoiceDate.Value, amount, rc)
	if !matched {
		return Pass()
	}
	return Fail(DuplicateInvoice, map[string]any{
		"matched_invoice_id": match.InvoiceID,
		"match_kind":         string(kind),
	})
}

// classifyDuplicate checks the three §4.5.3 detection modes in order of
// strictest match first. A candidate whose hash, structural key, and
// amount/date window all miss is not actually a duplicate — the lookup may
// legitimately surface near misses that don't clear any mode.
func classifyDuplicate(match *DuplicateMatch, vendorID, invoiceNumber, invoiceDate string, amount decimal.Decimal, rc Context) (DuplicateMatchKind, bool) {
	if match.ExactHash {
		return DuplicateMatchExact, true
	}

	sameStructuralKey := match.VendorID == vendorID && match.InvoiceNumber == invoiceNumber
	if sameStructuralKey && match.InvoiceDate == invoiceDate {
		return DuplicateMatchStructural, true
	}

	variance := rc.DuplicateAmountVariance
	if variance.IsZero() {
		variance = DefaultDuplicateAmountVariance
	}
	windowDays := rc.DuplicateDateWindowDays
	if windowDays <= 0 {
		windowDays = DefaultDuplicateDateWindowDays
	}

	if sameStructuralKey && withinTolerance(amount, match.Amount, variance) && withinDateWindow(invoiceDate, match.InvoiceDate, windowDays) {
		return DuplicateMatchNear, true
	}
	return "", false
}

// withinDateWindow reports whether two §4.5.2-format (YYYY-MM-DD) dates
// fall within windowDays of each other. An unparseable date never matches,
// the same conservative posture structural.go takes for a malformed
// invoice_date.
func withinDateWindow(a, b string, windowDays int) bool {
	da, err := time.Parse("2006-01-02", a)
	if err != nil {
		return false
	}
	db, err := time.Parse("2006-01-02", b)
	if err != nil {
		return false
	}
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(windowDays)*24*time.Hour
}

func checkPurchaseOrder(ctx context.Context, ext *domain.Extraction, rc Context) Outcome {
	poField, ok := ext.Field("po_number")
	if !ok || poField.Value == "" {
		return Pass()
	}
	if rc.Lookups == nil {
		return Pass()
	}

	po, err := rc.Lookups.FindPurchaseOrder(ctx, poField.Value)
	if err != nil {
		return Indeterminate(PONotFound, map[string]any{"po_number": poField.Value, "reason": "lookup_unavailable"})
	}
	if po == nil {
		return Fail(PONotFound, map[string]any{"po_number": poField.Value})
	}

	vendorID, _ := ext.Field("vendor_id")
	if vendorID.Value != "" && po.VendorID != vendorID.Value {
		return Fail(POMismatch, map[string]any{"po_number": poField.Value, "po_vendor_id": po.VendorID, "invoice_vendor_id": vendorID.Value})
	}

	totalAmount, hasTotal := amountField(ext, "total_amount")
	if hasTotal && !withinTolerance(totalAmount, round4(po.Amount), rc.Tolerance) {
		return Fail(POAmountMismatch, map[string]any{"po_number": poField.Value, "po_amount": po.Amount.String(), "invoice_amount": totalAmount.String()})
	}

	return Pass()
}

func checkGoodsReceipt(ctx context.Context, ext *domain.Extraction, rc Context) Outcome {
	grnField, ok := ext.Field("grn_number")
	if !ok || grnField.Value == "" {
		return Pass()
	}
	if rc.Lookups == nil {
		return Pass()
	}

	grn, err := rc.Lookups.FindGoodsReceiptNote(ctx, grnField.Value)
	if err != nil {
		return Indeterminate(GRNNotFound, map[string]any{"grn_number": grnField.Value, "reason": "lookup_unavailable"})
	}
	if grn == nil {
		return Fail(GRNNotFound, map[string]any{"grn_number": grnField.Value})
	}

	totalQty := sumQuantities(ext)
	if !totalQty.IsZero() && !grn.Quantity.Equal(totalQty) {
		return Fail(GRNMismatch, map[string]any{"grn_number": grnField.Value, "grn_quantity": grn.Quantity.String(), "invoice_quantity": totalQty.String()})
	}
	return Pass()
}

func checkVendor(ctx context.Context, ext *domain.Extraction, rc Context) Outcome {
	vendorID, ok := ext.Field("vendor_id")
	if !ok || vendorID.Value == "" {
		return Pass()
	}
	if rc.Lookups == nil {
		return Pass()
	}

	vendor, err := rc.Lookups.VendorStatus(ctx, vendorID.Value)
	if err != nil {
		return Indeterminate(InactiveVendor, map[string]any{"vendor_id": vendorID.Value, "reason": "lookup_unavailable"})
	}
	if vendor == nil || !vendor.Active {
		return Fail(InactiveVendor, map[string]any{"vendor_id": vendorID.Value})
	}

	if taxID, ok := ext.Field("tax_id"); ok && taxID.Value != "" && vendor.TaxID != "" && taxID.Value != vendor.TaxID {
		return Fail(InvalidTaxID, map[string]any{"vendor_id": vendorID.Value, "expected": vendor.TaxID, "actual": taxID.Value})
	}

	if total, hasTotal := amountField(ext, "total_amount"); hasTotal && !vendor.SpendLimit.IsZero() {
		projected := vendor.SpendToDate.Add(total)
		if projected.GreaterThan(vendor.SpendLimit) {
			return Fail(SpendLimitExceeded, map[string]any{
				"vendor_id":     vendorID.Value,
				"spend_limit":   vendor.SpendLimit.String(),
				"spend_to_date": vendor.SpendToDate.String(),
				"invoice_total": total.String(),
			})
		}
	}

	if termsField, ok := ext.Field("payment_terms_days"); ok && termsField.Value != "" && vendor.MaxPaymentTermDays > 0 {
		days, err := strconv.Atoi(termsField.Value)
		if err == nil && days > vendor.MaxPaymentTermDays {
			return Fail(PaymentTermsViolation, map[string]any{
				"vendor_id":     vendorID.Value,
				"requested":     days,
				"max_permitted": vendor.MaxPaymentTermDays,
			})
		}
	}

	return Pass()
}

func sumQuantities(ext *domain.Extraction) decimal.Decimal {
	total := decimal.Zero
	for _, line := range ext.Lines {
		f, ok := line.Fields["quantity"]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(f.Value)
		if err != nil {
			continue
		}
		total = total.Add(d)
	}
	return total
}
