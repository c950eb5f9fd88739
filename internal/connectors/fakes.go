package connectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
)

// InMemoryExtractionProvider is a deterministic ExtractionProvider for
// environments with no real OCR/parser wired in: it returns whatever
// Extraction was registered for a storage_ref, or a not-found error.
type InMemoryExtractionProvider struct {
	mu         sync.RWMutex
	extractions map[string]*domain.Extraction
}

// NewInMemoryExtractionProvider constructs an empty provider; call Seed to
// register fixtures.
func NewInMemoryExtractionProvider() *InMemoryExtractionProvider {
	return &InMemoryExtractionProvider{extractions: map[string]*domain.Extraction{}}
}

// Seed registers the extraction result for a storage_ref.
func (p *InMemoryExtractionProvider) Seed(storageRef string, ext *domain.Extraction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extractions[storageRef] = ext
}

// Extract satisfies ExtractionProvider.
func (p *InMemoryExtractionProvider) Extract(_ context.Context, storageRef string) (*domain.Extraction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ext, ok := p.extractions[storageRef]
	if !ok {
		return nil, fmt.Errorf("no extraction fixture registered for storage_ref %q", storageRef)
	}
	cp := *ext
	return &cp, nil
}

// ThresholdConfidencePatcher is a deterministic ConfidencePatcher: it lifts
// every field below threshold to exactly threshold, simulating a patching
// pass without calling out to a real model.
type ThresholdConfidencePatcher struct{}

// PatchLowConfidence satisfies ConfidencePatcher.
func (ThresholdConfidencePatcher) PatchLowConfidence(_ context.Context, ext *domain.Extraction, threshold float64) (*domain.Extraction, error) {
	patched := *ext
	patched.Header = make(map[string]domain.Field, len(ext.Header))
	for k, f := range ext.Header {
		if f.Confidence < threshold {
			f.Confidence = threshold
		}
		patched.Header[k] = f
	}
	patched.Lines = make([]domain.LineItem, len(ext.Lines))
	for i, line := range ext.Lines {
		patchedLine := domain.LineItem{LineNumber: line.LineNumber, Fields: make(map[string]domain.Field, len(line.Fields))}
		for k, f := range line.Fields {
			if f.Confidence < threshold {
				f.Confidence = threshold
			}
			patchedLine.Fields[k] = f
		}
		patched.Lines[i] = patchedLine
	}
	return &patched, nil
}

// InMemoryDestinationConnector is a deterministic DestinationConnector: it
// records every post/reverse call and hands back a counter-derived
// external_ref, for environments with no real accounting system wired in.
type InMemoryDestinationConnector struct {
	mu       sync.Mutex
	posted   []map[string]any
	reversed []string
	counter  int
}

// NewInMemoryDestinationConnector constructs an empty connector.
func NewInMemoryDestinationConnector() *InMemoryDestinationConnector {
	return &InMemoryDestinationConnector{}
}

// Post satisfies DestinationConnector.
func (c *InMemoryDestinationConnector) Post(_ context.Context, payload map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.posted = append(c.posted, payload)
	return fmt.Sprintf("ext-%06d", c.counter), nil
}

// Reverse satisfies DestinationConnector.
func (c *InMemoryDestinationConnector) Reverse(_ context.Context, externalRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reversed = append(c.reversed, externalRef)
	return nil
}

// InMemoryMasterData is a deterministic MasterDataClient backed by fixed
// lookup tables, for environments with no real vendor/PO/GRN master data
// service wired in.
type InMemoryMasterData struct {
	Vendors         map[string]*validation.VendorRecord
	PurchaseOrders  map[string]*validation.PurchaseOrder
	GoodsReceipts   map[string]*validation.GoodsReceiptNote
	DuplicatesByKey map[string]*validation.DuplicateMatch
}

// NewInMemoryMasterData constructs an empty InMemoryMasterData.
func NewInMemoryMasterData() *InMemoryMasterData {
	return &InMemoryMasterData{
		Vendors:         map[string]*validation.VendorRecord{},
		PurchaseOrders:  map[string]*validation.PurchaseOrder{},
		GoodsReceipts:   map[string]*validation.GoodsReceiptNote{},
		DuplicatesByKey: map[string]*validation.DuplicateMatch{},
	}
}

// FindDuplicateInvoice satisfies MasterDataClient; a nil, nil result means
// no candidate collision was found. It returns the fixture keyed by
// contentHash when present (the exact-hash case), and otherwise falls back
// to any fixture sharing the candidate's vendor_id/invoice_number so the
// caller's structural and near-match classification has something to
// compare against.
func (m *InMemoryMasterData) FindDuplicateInvoice(_ context.Context, contentHash, vendorID, invoiceNumber, _ string, _ decimal.Decimal) (*validation.DuplicateMatch, error) {
	if match, ok := m.DuplicatesByKey[contentHash]; ok {
		return match, nil
	}
	for _, match := range m.DuplicatesByKey {
		if match.VendorID == vendorID && match.InvoiceNumber == invoiceNumber {
			return match, nil
		}
	}
	return nil, nil
}

// FindPurchaseOrder satisfies MasterDataClient.
func (m *InMemoryMasterData) FindPurchaseOrder(_ context.Context, poNumber string) (*validation.PurchaseOrder, error) {
	return m.PurchaseOrders[poNumber], nil
}

// FindGoodsReceiptNote satisfies MasterDataClient.
func (m *InMemoryMasterData) FindGoodsReceiptNote(_ context.Context, grnNumber string) (*validation.GoodsReceiptNote, error) {
	return m.GoodsReceipts[grnNumber], nil
}

// VendorStatus satisfies MasterDataClient.
func (m *InMemoryMasterData) VendorStatus(_ context.Context, vendorID string) (*validation.VendorRecord, error) {
	return m.Vendors[vendorID], nil
}
