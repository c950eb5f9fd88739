// Package export implements the staging/export pipeline (C9): the
// prepare -> under_review -> {approved|rejected} -> {posted|failed} ->
// [rolled_back] protocol of §4.9, with field-level diffing and an
// idempotent destination post.
package export

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/idempotency"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// RollbackWindow is the §4.9 default window, from posted_at, within which a
// rollback remains legal.
const RollbackWindow = 24 * time.Hour

// ElevatedApprovalRoleLevel is the minimum principal role level §4.9
// requires to approve an export whose diff reaches critical significance
// (e.g. total_amount, gl_account, destination_account).
const ElevatedApprovalRoleLevel = 3

// RoleLevels resolves a principal's numeric role level. approval.
// StaticRoleLevels (or a repository-backed implementation) satisfies it.
type RoleLevels interface {
	RoleLevel(ctx context.Context, principal string) (int, error)
}

// Repository is the persistence contract the manager needs.
// *repository.StagedExportRepository satisfies it.
type Repository interface {
	Prepare(ctx context.Context, se *domain.StagedExport) error
	GetByID(ctx context.Context, id idgen.ID) (*domain.StagedExport, error)
	TransitionReview(ctx context.Context, se *domain.StagedExport, newStatus domain.ExportStatus, approvedBy string, approvedData map[string]any, diff []domain.FieldDiff) error
	TransitionPost(ctx context.Context, se *domain.StagedExport, postedBy string, postedData map[string]any, externalRef string, newStatus domain.ExportStatus) error
	Rollback(ctx context.Context, se *domain.StagedExport) error
}

// Destination posts and reverses a staged export against an external AP
// ledger (§4.9's "destination connector"). Implementations live in
// internal/connectors, wrapped in a circuit breaker.
type Destination interface {
	Post(ctx context.Context, se *domain.StagedExport) (externalRef string, err error)
	Reverse(ctx context.Context, se *domain.StagedExport) error
}

// Idempotent is the subset of *idempotency.Manager Post uses to make the
// destination call exactly-once per staged export.
type Idempotent interface {
	Execute(ctx context.Context, key, opType, principal string, ttl time.Duration, body idempotency.Body) (json.RawMessage, error)
}

// Manager orchestrates the staging lattice.
type Manager struct {
	repo        Repository
	destination Destination
	idem        Idempotent
	roles       RoleLevels
}

// NewManager constructs a Manager from its collaborators.
func NewManager(repo Repository, destination Destination, idem Idempotent) *Manager {
	return &Manager{repo: repo, destination: destination, idem: idem}
}

// WithRoleLevels attaches the role-level resolver Decide consults before
// accepting an approval on a critical-significance diff. Without one
// attached, Decide accepts any approver's decision regardless of diff
// significance (no enforcement point configured).
func (m *Manager) WithRoleLevels(roles RoleLevels) *Manager {
	m.roles = roles
	return m
}

// Prepare produces a new StagedExport in the "prepared" state from an
// approved invoice's destination payload, computing its quality score.
func (m *Manager) Prepare(ctx context.Context, invoiceID idgen.ID, destination, format, preparedBy string, preparedData map[string]any) (*domain.StagedExport, error) {
	se := &domain.StagedExport{
		InvoiceID:    invoiceID,
		Destination:  destination,
		Format:       format,
		PreparedData: preparedData,
		QualityScore: computeQualityScore(preparedData),
		PreparedBy:   preparedBy,
	}
	if err := m.repo.Prepare(ctx, se); err != nil {
		return nil, err
	}
	return se, nil
}

// BeginReview moves a prepared export into under_review, the state in
// which an approver's Decide call is legal.
func (m *Manager) BeginReview(ctx context.Context, id idgen.ID) (*domain.StagedExport, error) {
	se, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransitionExport(se.Status, domain.ExportUnderReview) {
		return nil, apperr.Conflict("staged export is not in a reviewable state")
	}
	if err := m.repo.TransitionReview(ctx, se, domain.ExportUnderReview, "", nil, nil); err != nil {
		return nil, err
	}
	return se, nil
}

// Decide records an approver's verdict on an under-review export. A nil
// approvedData reuses the prepared payload unchanged (no diff). An approval
// whose diff reaches critical significance is rejected unless approvedBy's
// role level meets ElevatedApprovalRoleLevel (§4.9); a rejection decision is
// never gated, since rejecting never posts the change.
func (m *Manager) Decide(ctx context.Context, id idgen.ID, approvedBy string, approved bool, approvedData map[string]any) (*domain.StagedExport, error) {
	se, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if se.Status != domain.ExportUnderReview {
		return nil, apperr.Conflict("staged export is not under review")
	}

	newStatus := domain.ExportRejected
	if approved {
		newStatus = domain.ExportApproved
	}
	if !domain.CanTransitionExport(se.Status, newStatus) {
		return nil, apperr.Conflict("illegal export review transition")
	}

	if approvedData == nil {
		approvedData = se.PreparedData
	}
	diff := DiffFields(se.PreparedData, approvedData)
	se.Diff = diff

	if approved && se.RequiresElevatedApproval() {
		if err := m.requireElevatedApproval(ctx, approvedBy); err != nil {
			return nil, err
		}
	}

	if err := m.repo.TransitionReview(ctx, se, newStatus, approvedBy, approvedData, diff); err != nil {
		return nil, err
	}
	return se, nil
}

// requireElevatedApproval rejects principal's decision unless its resolved
// role level meets ElevatedApprovalRoleLevel. A Manager with no RoleLevels
// attached has no enforcement point, so it allows the decision through
// rather than failing closed against an unconfigured collaborator.
func (m *Manager) requireElevatedApproval(ctx context.Context, principal string) error {
	if m.roles == nil {
		return nil
	}
	level, err := m.roles.RoleLevel(ctx, principal)
	if err != nil {
		return err
	}
	if level < ElevatedApprovalRoleLevel {
		return apperr.Unauthorized("critical-significance export changes require elevated approval")
	}
	return nil
}

// Post invokes the destination connector exactly once per staged export,
// guarded by the idempotency manager keyed on the staged export ID. Posting
// an export that is already posted is a no-op returning it unchanged. A
// connector failure transitions the export to failed and returns the error,
// so the job fabric's retry policy can re-drive Post later.
func (m *Manager) Post(ctx context.Context, id idgen.ID, postedBy string) (*domain.StagedExport, error) {
	se, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if se.Status == domain.ExportPosted {
		return se, nil
	}
	if se.Status != domain.ExportApproved && se.Status != domain.ExportFailed {
		return nil, apperr.Conflict("staged export is not postable")
	}

	key := idempotency.PostExportKey(string(se.ID))
	_, err = m.idem.Execute(ctx, key, "post_export", postedBy, 0, func(ctx context.Context) (any, error) {
		externalRef, postErr := m.destination.Post(ctx, se)
		if postErr != nil {
			if tErr := m.repo.TransitionPost(ctx, se, postedBy, se.ApprovedData, "", domain.ExportFailed); tErr != nil {
				return nil, tErr
			}
			return nil, postErr
		}
		if tErr := m.repo.TransitionPost(ctx, se, postedBy, se.ApprovedData, externalRef, domain.ExportPosted); tErr != nil {
			return nil, tErr
		}
		return se, nil
	})
	if err != nil {
		return nil, err
	}
	return se, nil
}

// Rollback reverses a posted export's destination effect and marks it
// rolled_back, refusing once the configured window from posted_at has
// elapsed.
func (m *Manager) Rollback(ctx context.Context, id idgen.ID, now time.Time) error {
	se, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if se.Status != domain.ExportPosted {
		return apperr.Conflict("only a posted export can be rolled back")
	}
	if se.PostedAt == nil || now.Sub(*se.PostedAt) > RollbackWindow {
		return apperr.New(apperr.KindInvalid, "ROLLBACK_WINDOW_EXPIRED", "rollback window has elapsed")
	}
	if err := m.destination.Reverse(ctx, se); err != nil {
		return err
	}
	return m.repo.Rollback(ctx, se)
}

// fieldSignificance classifies the impact of a changed field path (§4.9).
// Fields not listed default to low significance.
var fieldSignificance = map[string]domain.Significance{
	"total_amount":        domain.SignificanceCritical,
	"gl_account":          domain.SignificanceCritical,
	"destination_account": domain.SignificanceCritical,
	"vendor_id":           domain.SignificanceHigh,
	"currency":            domain.SignificanceHigh,
	"due_date":            domain.SignificanceMedium,
	"payment_terms":       domain.SignificanceMedium,
}

func classifyField(path string) domain.Significance {
	if sig, ok := fieldSignificance[path]; ok {
		return sig
	}
	return domain.SignificanceLow
}

// DiffFields computes the field-by-field difference between a prepared and
// an approved payload, in deterministic path order.
func DiffFields(before, after map[string]any) []domain.FieldDiff {
	seen := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		seen[k] = struct{}{}
	}
	for k := range after {
		seen[k] = struct{}{}
	}

	diffs := make([]domain.FieldDiff, 0, len(seen))
	for path := range seen {
		b, a := before[path], after[path]
		if cmp.Equal(b, a) {
			continue
		}
		diffs = append(diffs, domain.FieldDiff{Path: path, Before: b, After: a, Significance: classifyField(path)})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs
}

// computeQualityScore scores a prepared payload in [0, 100] as the
// percentage of fields carrying a non-empty value.
func computeQualityScore(data map[string]any) int {
	if len(data) == 0 {
		return 0
	}
	populated := 0
	for _, v := range data {
		if s, ok := v.(string); ok {
			if s != "" {
				populated++
			}
			continue
		}
		if v != nil {
			populated++
		}
	}
	return populated * 100 / len(data)
}
