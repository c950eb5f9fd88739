package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// ExportStatus is one point along the staging lattice (§4.9).
type ExportStatus string

const (
	ExportPrepared    ExportStatus = "prepared"
	ExportUnderReview ExportStatus = "under_review"
	ExportApproved    ExportStatus = "approved"
	ExportRejected    ExportStatus = "rejected"
	ExportPosted      ExportStatus = "posted"
	ExportFailed      ExportStatus = "failed"
	ExportRolledBack  ExportStatus = "rolled_back"
)

// exportEdges enumerates the legal monotonic transitions of the staging
// lattice: prepared -> under_review -> {approved|rejected} ->
// {posted|failed} -> [rolled_back].
var exportEdges = map[ExportStatus][]ExportStatus{
	ExportPrepared:    {ExportUnderReview},
	ExportUnderReview: {ExportApproved, ExportRejected},
	ExportApproved:    {ExportPosted, ExportFailed},
	ExportFailed:      {ExportPosted, ExportFailed},
	ExportPosted:      {ExportRolledBack},
}

// CanTransitionExport reports whether to is a legal next status from.
func CanTransitionExport(from, to ExportStatus) bool {
	for _, candidate := range exportEdges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Significance classifies a field-level change's impact (§4.9).
type Significance string

const (
	SignificanceLow      Significance = "low"
	SignificanceMedium   Significance = "medium"
	SignificanceHigh     Significance = "high"
	SignificanceCritical Significance = "critical"
)

// FieldDiff is one field-level change between prepared, approved, and
// posted payloads.
type FieldDiff struct {
	Path         string       `json:"path"`
	Before       any          `json:"before"`
	After        any          `json:"after"`
	Significance Significance `json:"significance"`
}

// StagedExport is a materialized export payload under the
// prepare/approve/post protocol (§3).
type StagedExport struct {
	ID            idgen.ID
	InvoiceID     idgen.ID
	Destination   string
	Format        string
	Status        ExportStatus
	PreparedData  map[string]any
	ApprovedData  map[string]any
	PostedData    map[string]any
	Diff          []FieldDiff
	QualityScore  int
	PreparedBy    string
	ApprovedBy    string
	PostedBy      string
	ExternalRef   string
	Version       int64
	CreatedAt     time.Time
	PreparedAt    time.Time
	ReviewedAt    *time.Time
	PostedAt      *time.Time
	RolledBackAt  *time.Time
}

// RequiresElevatedApproval reports whether any diff entry reaches critical
// significance, which per §4.9 requires a higher approval level.
func (s StagedExport) RequiresElevatedApproval() bool {
	for _, d := range s.Diff {
		if d.Significance == SignificanceCritical {
			return true
		}
	}
	return false
}
