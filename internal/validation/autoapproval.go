package validation

// AutoApprovalGate reports whether an invoice qualifies for automatic
// approval per §4.5.4: the validation must have passed (no failed
// error-severity check; indeterminate and warning checks do not count
// against it) and the extraction's lowest field confidence must meet the
// configured threshold.
func AutoApprovalGate(checksPassed bool, minConfidence float64, threshold float64) bool {
	return checksPassed && minConfidence >= threshold
}
