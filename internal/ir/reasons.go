package ir

// ReasonCode is a human-readable explanation attached to candidates and pairs.
type ReasonCode string

// Supplier component reasons.
const (
	ReasonSupplierExact    ReasonCode = "SUPPLIER_EXACT"
	ReasonSupplierAlias    ReasonCode = "SUPPLIER_ALIAS"
	ReasonSupplierFuzzy    ReasonCode = "SUPPLIER_FUZZY"
	ReasonSupplierMismatch ReasonCode = "SUPPLIER_MISMATCH"
	ReasonSupplierMissing  ReasonCode = "SUPPLIER_MISSING"
)

// Date component reasons.
const (
	ReasonDateSame    ReasonCode = "DATE_SAME"
	ReasonDateWithin1 ReasonCode = "DATE_WITHIN_1"
	ReasonDateWithin3 ReasonCode = "DATE_WITHIN_3"
	ReasonDateOutside ReasonCode = "DATE_OUTSIDE"
	ReasonDateMissing ReasonCode = "DATE_MISSING"
)

// Line-item component reasons.
const (
	ReasonLinesFullOverlap    ReasonCode = "LINES_FULL_OVERLAP"
	ReasonLinesPartialOverlap ReasonCode = "LINES_PARTIAL_OVERLAP"
	ReasonLinesNoOverlap      ReasonCode = "LINES_NO_OVERLAP"
	ReasonLinesMissing        ReasonCode = "LINES_MISSING"
)

// Value component reasons.
const (
	ReasonValueMatch    ReasonCode = "VALUE_MATCH"
	ReasonValueNear     ReasonCode = "VALUE_NEAR"
	ReasonValueMismatch ReasonCode = "VALUE_MISMATCH"
	ReasonValueMissing  ReasonCode = "VALUE_MISSING"
)

// Candidate and pair reasons.
const (
	ReasonMultiCandidateTie       ReasonCode = "MULTI_CANDIDATE_TIE"
	ReasonConflictValueContradict ReasonCode = "CONFLICT_VALUE_CONTRADICTS"
	ReasonLowConfidence           ReasonCode = "LOW_CONFIDENCE"
	ReasonReconcileDrift          ReasonCode = "RECONCILE_DRIFT"
	ReasonLowLineCoverage         ReasonCode = "LOW_LINE_COVERAGE"
	ReasonManyMismatches          ReasonCode = "MANY_MISMATCHES"
	ReasonDispatchFailed          ReasonCode = "DISPATCH_FAILED"
	ReasonRejected                ReasonCode = "REJECTED"
	ReasonOverridden              ReasonCode = "OVERRIDDEN"
	ReasonAutoMatched             ReasonCode = "AUTO_MATCHED"
	ReasonAutoApplied             ReasonCode = "AUTO_APPLIED"
)

func containsReason(reasons []ReasonCode, code ReasonCode) bool {
	for _, r := range reasons {
		if r == code {
			return true
		}
	}
	return false
}

// AppendReason appends code unless it is already present.
func AppendReason(reasons []ReasonCode, code ReasonCode) []ReasonCode {
	if containsReason(reasons, code) {
		return reasons
	}
	return append(reasons, code)
}
