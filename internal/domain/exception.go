package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// ExceptionCategory groups related failed checks (§3).
type ExceptionCategory string

const (
	CategoryMath          ExceptionCategory = "math"
	CategoryDuplicate     ExceptionCategory = "duplicate"
	CategoryMatching      ExceptionCategory = "matching"
	CategoryVendorPolicy  ExceptionCategory = "vendor_policy"
	CategoryDataQuality   ExceptionCategory = "data_quality"
	CategorySystem        ExceptionCategory = "system"
)

// ExceptionStatus is the resolution lifecycle of an Exception.
type ExceptionStatus string

const (
	ExceptionOpen      ExceptionStatus = "open"
	ExceptionInReview  ExceptionStatus = "in_review"
	ExceptionResolved  ExceptionStatus = "resolved"
	ExceptionCancelled ExceptionStatus = "cancelled"
)

// Exception is a failed validation check elevated to a resolvable work
// item (§3). Exceptions sharing a category MAY be coalesced by the
// exception manager into a single multi-issue record.
type Exception struct {
	ID               idgen.ID
	InvoiceID        idgen.ID
	Category         ExceptionCategory
	ReasonCode       string
	Severity         Severity
	Status           ExceptionStatus
	Details          map[string]any
	SuggestedActions []string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
	ResolvedBy       string
	ResolutionNotes  string
}

// IsResolved reports the resolved_at-iff-status=resolved invariant.
func (e Exception) IsResolved() bool {
	return e.Status == ExceptionResolved && e.ResolvedAt != nil
}
