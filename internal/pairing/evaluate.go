package pairing

import (
	"slices"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/policy"
	"github.com/roach88/pairwise/internal/reconcile"
	"github.com/roach88/pairwise/internal/scoring"
)

// Config tunes status evaluation.
type Config struct {
	// ConfirmThreshold is the confidence at or above which a pair with
	// discrepancies is partial rather than conflict.
	ConfirmThreshold float64 `json:"confirm_threshold" yaml:"confirm_threshold"`
	// MinLineCoverage is the matched share of invoice lines below which
	// LOW_LINE_COVERAGE is reported.
	MinLineCoverage float64 `json:"min_line_coverage" yaml:"min_line_coverage"`
	// MaxMismatchRate is the discrepant share of matched lines above which
	// MANY_MISMATCHES is reported.
	MaxMismatchRate float64 `json:"max_mismatch_rate" yaml:"max_mismatch_rate"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ConfirmThreshold: 60,
		MinLineCoverage:  0.7,
		MaxMismatchRate:  0.3,
	}
}

// Contradiction thresholds: a hard value failure only contradicts the pairing
// when supplier and date evidence are both strong.
const (
	contradictSupplier = 36
	contradictDate     = 20
)

// Evaluate derives a pair status and its reasons from a score and the
// policy-applied line diffs.
//
//  1. every diff effectively ok: matched
//  2. value hard-failed against strong supplier and date: conflict
//  3. confidence at or above the threshold: partial
//  4. otherwise: conflict
func Evaluate(cfg Config, score scoring.Result, diffs []ir.LineDiff) (ir.PairStatus, []ir.ReasonCode) {
	reasons := slices.Clone(score.Reasons)

	cov := reconcile.Summarize(diffs)
	if cov.InvoiceLines > 0 && cov.LineCoverage() < cfg.MinLineCoverage {
		reasons = ir.AppendReason(reasons, ir.ReasonLowLineCoverage)
	}
	if cov.MismatchRate() > cfg.MaxMismatchRate {
		reasons = ir.AppendReason(reasons, ir.ReasonManyMismatches)
	}
	if policy.AnyAutoApplied(diffs) {
		reasons = ir.AppendReason(reasons, ir.ReasonAutoApplied)
	}

	switch {
	case policy.AllOK(diffs):
		return ir.StatusMatched, reasons
	case contradicts(score):
		return ir.StatusConflict, ir.AppendReason(reasons, ir.ReasonConflictValueContradict)
	case score.Confidence >= cfg.ConfirmThreshold:
		return ir.StatusPartial, reasons
	default:
		return ir.StatusConflict, ir.AppendReason(reasons, ir.ReasonLowConfidence)
	}
}

func contradicts(score scoring.Result) bool {
	return slices.Contains(score.Reasons, ir.ReasonValueMismatch) &&
		score.Breakdown.Supplier >= contradictSupplier &&
		score.Breakdown.Date >= contradictDate
}
