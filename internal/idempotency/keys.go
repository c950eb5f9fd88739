package idempotency

import "fmt"

// Key builders for the canonical recipes in §4.3. Key construction is the
// caller's responsibility; these just centralize the fingerprint format so
// every caller that builds, say, a process-invoice key agrees on its shape.

// UploadKey is the dedup key for an invoice upload.
func UploadKey(contentHash, submitterScope string) string {
	return fmt.Sprintf("upload:%s:%s", contentHash, submitterScope)
}

// ProcessKey is the dedup key for a processing run over a given extraction
// version of an invoice.
func ProcessKey(invoiceID string, extractionVersion int) string {
	return fmt.Sprintf("process:%s:%d", invoiceID, extractionVersion)
}

// StageExportKey is the dedup key for preparing a staged export.
func StageExportKey(invoiceID, destination, format string) string {
	return fmt.Sprintf("stage_export:%s:%s:%s", invoiceID, destination, format)
}

// PostExportKey is the dedup key for posting a staged export.
func PostExportKey(stagedExportID string) string {
	return fmt.Sprintf("post_export:%s", stagedExportID)
}

// ApprovalDecisionKey is the dedup key for one approver's decision on one
// step of an approval request.
func ApprovalDecisionKey(approvalRequestID string, stepIndex int, approver string) string {
	return fmt.Sprintf("approval_decision:%s:%d:%s", approvalRequestID, stepIndex, approver)
}
