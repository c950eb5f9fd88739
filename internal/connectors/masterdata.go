package connectors

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
)

// MasterDataClient is the vendor/PO/GRN master-data collaborator the
// business rule set (§4.5.3) consults. Like the extraction and destination
// interfaces, the concrete master-data system is out of scope for this
// engine; this is the seam it plugs in through.
type MasterDataClient interface {
	FindDuplicateInvoice(ctx context.Context, contentHash, vendorID, invoiceNumber, invoiceDate string, amount decimal.Decimal) (*validation.DuplicateMatch, error)
	FindPurchaseOrder(ctx context.Context, poNumber string) (*validation.PurchaseOrder, error)
	FindGoodsReceiptNote(ctx context.Context, grnNumber string) (*validation.GoodsReceiptNote, error)
	VendorStatus(ctx context.Context, vendorID string) (*validation.VendorRecord, error)
}

// MasterDataAdapter wraps a MasterDataClient behind validation.Lookups,
// behind a circuit breaker. An open breaker surfaces as a lookup error,
// which the calling rule already treats as Indeterminate rather than a
// hard failure.
type MasterDataAdapter struct {
	client  MasterDataClient
	breaker *gobreaker.CircuitBreaker
}

// NewMasterDataAdapter constructs a MasterDataAdapter.
func NewMasterDataAdapter(client MasterDataClient) *MasterDataAdapter {
	return &MasterDataAdapter{client: client, breaker: newBreaker("master_data")}
}

// FindDuplicateInvoice satisfies validation.Lookups.
func (a *MasterDataAdapter) FindDuplicateInvoice(ctx context.Context, contentHash, vendorID, invoiceNumber, invoiceDate string, amount decimal.Decimal) (*validation.DuplicateMatch, error) {
	result, err := a.breaker.Execute(func() (any, error) {
		return a.client.FindDuplicateInvoice(ctx, contentHash, vendorID, invoiceNumber, invoiceDate, amount)
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "duplicate lookup failed")
	}
	match, _ := result.(*validation.DuplicateMatch)
	return match, nil
}

// FindPurchaseOrder satisfies validation.Lookups.
func (a *MasterDataAdapter) FindPurchaseOrder(ctx context.Context, poNumber string) (*validation.PurchaseOrder, error) {
	result, err := a.breaker.Execute(func() (any, error) {
		return a.client.FindPurchaseOrder(ctx, poNumber)
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "purchase order lookup failed")
	}
	po, _ := result.(*validation.PurchaseOrder)
	return po, nil
}

// FindGoodsReceiptNote satisfies validation.Lookups.
func (a *MasterDataAdapter) FindGoodsReceiptNote(ctx context.Context, grnNumber string) (*validation.GoodsReceiptNote, error) {
	result, err := a.breaker.Execute(func() (any, error) {
		return a.client.FindGoodsReceiptNote(ctx, grnNumber)
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "goods receipt note lookup failed")
	}
	grn, _ := result.(*validation.GoodsReceiptNote)
	return grn, nil
}

// VendorStatus satisfies validation.Lookups.
func (a *MasterDataAdapter) VendorStatus(ctx context.Context, vendorID string) (*validation.VendorRecord, error) {
	result, err := a.breaker.Execute(func() (any, error) {
		return a.client.VendorStatus(ctx, vendorID)
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "vendor status lookup failed")
	}
	vendor, _ := result.(*validation.VendorRecord)
	return vendor, nil
}
