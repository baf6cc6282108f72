// Package ir provides the shared record types for the pairwise matching engine.
//
// This package contains the vocabulary every other internal package speaks:
// documents (Invoice, DeliveryNote, LineItem), scoring output (MatchCandidate,
// ScoreBreakdown), reconciliation state (MatchingPair, LineDiff), queued user
// decisions (QueuedAction) and audit records. ir imports nothing internal, so
// it stays the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Money and quantities are decimal.Decimal, never float64
//   - Scores are float64 in [0, 100], rounded to two decimal places
//   - Document dates are calendar days in UTC
//   - All JSON tags use snake_case
//   - Errors crossing package boundaries are *ir.Error with a Kind
package ir
