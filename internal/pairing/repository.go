package pairing

import (
	"context"

	"github.com/roach88/pairwise/internal/ir"
)

// Repository persists pairs, rejections and audit records.
//
// Read methods return empty slices rather than nil. Commit applies a whole
// Transition atomically: either every pair, rejection and audit record in it
// is stored, or none is.
type Repository interface {
	// CurrentPair returns the invoice's non-superseded pair, if any.
	CurrentPair(ctx context.Context, invoiceID string) (ir.MatchingPair, bool, error)

	// Pair returns a pair by id, or a NOT_FOUND error.
	Pair(ctx context.Context, pairID string) (ir.MatchingPair, error)

	// PairHistory returns every pair of an invoice, oldest first.
	PairHistory(ctx context.Context, invoiceID string) ([]ir.MatchingPair, error)

	// PairsByAction returns the pairs created by a queued action.
	PairsByAction(ctx context.Context, actionID string) ([]ir.MatchingPair, error)

	// PairsSupersededByAction returns the pairs a queued action superseded.
	PairsSupersededByAction(ctx context.Context, actionID string) ([]ir.MatchingPair, error)

	// ClaimingPair returns the current matched pair that uses a delivery
	// note, if any.
	ClaimingPair(ctx context.Context, deliveryNoteID string) (ir.MatchingPair, bool, error)

	// Rejections returns the rejections recorded for an invoice.
	Rejections(ctx context.Context, invoiceID string) ([]ir.Rejection, error)

	// RejectionsByAction returns the rejections recorded by a queued action.
	RejectionsByAction(ctx context.Context, actionID string) ([]ir.Rejection, error)

	// ListPairs returns pairs matching the filter ordered by creation.
	ListPairs(ctx context.Context, filter Filter) ([]ir.MatchingPair, error)

	// Counts returns the number of current pairs per status.
	Counts(ctx context.Context) (map[ir.PairStatus]int, error)

	// AuditLog returns the audit records of an invoice in sequence order.
	AuditLog(ctx context.Context, invoiceID string) ([]ir.AuditRecord, error)

	// Commit stores a transition atomically and assigns audit sequence
	// numbers in place.
	Commit(ctx context.Context, tx *Transition) error
}

// RejectionKey identifies a rejection.
type RejectionKey struct {
	InvoiceID      string
	DeliveryNoteID string
}

// Transition is the unit of atomic change produced by the machine.
type Transition struct {
	// Pairs are inserted or replaced by id.
	Pairs []ir.MatchingPair

	AddRejections    []ir.Rejection
	RemoveRejections []RejectionKey

	// Audit records are appended; Commit sets their Seq.
	Audit []ir.AuditRecord
}

// Empty reports whether the transition changes nothing.
func (tx *Transition) Empty() bool {
	return len(tx.Pairs) == 0 && len(tx.AddRejections) == 0 &&
		len(tx.RemoveRejections) == 0 && len(tx.Audit) == 0
}

// Filter selects pairs for ListPairs.
type Filter struct {
	Status            ir.PairStatus
	InvoiceID         string
	IncludeSuperseded bool
	Limit             int
	Offset            int
}

// Matches reports whether p passes the filter, ignoring paging.
func (f Filter) Matches(p ir.MatchingPair) bool {
	if !f.IncludeSuperseded && p.Superseded {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.InvoiceID != "" && p.InvoiceID != f.InvoiceID {
		return false
	}
	return true
}
