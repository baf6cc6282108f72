package engine

import (
	"context"
	"fmt"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
)

// Reconcile recomputes a pair's line diffs from the current documents and
// policy. It is idempotent and safe to re-run after data changes. A
// delivered, current pair is written back to the document store before the
// ledger changes; when that write fails the ledger is left as it was and the
// DISPATCH error is returned.
func (e *Engine) Reconcile(ctx context.Context, pairID string) ([]ir.LineDiff, error) {
	const op = "Reconcile"
	if pairID == "" {
		return nil, ir.Errorf(ir.KindInput, op, "pair id must not be empty")
	}
	p, err := e.ledger.Pair(ctx, pairID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, invoiceLockKey(p.InvoiceID))
	if err != nil {
		return nil, fmt.Errorf("lock invoice %s: %w", p.InvoiceID, err)
	}
	updated, err := e.machine.Reconcile(ctx, pairID, pairing.Meta{Actor: ActorFrom(ctx)})
	unlock()
	if err != nil {
		return nil, err
	}
	if updated.LineDiffs == nil {
		return []ir.LineDiff{}, nil
	}
	return updated.LineDiffs, nil
}

// Pair returns a pair by id.
func (e *Engine) Pair(ctx context.Context, pairID string) (ir.MatchingPair, error) {
	return e.ledger.Pair(ctx, pairID)
}

// CurrentPair returns the invoice's current pair, if any.
func (e *Engine) CurrentPair(ctx context.Context, invoiceID string) (ir.MatchingPair, bool, error) {
	return e.ledger.CurrentPair(ctx, invoiceID)
}

// PairHistory returns every pair an invoice has had, oldest first.
func (e *Engine) PairHistory(ctx context.Context, invoiceID string) ([]ir.MatchingPair, error) {
	return e.ledger.PairHistory(ctx, invoiceID)
}

// AuditLog returns an invoice's audit trail in sequence order.
func (e *Engine) AuditLog(ctx context.Context, invoiceID string) ([]ir.AuditRecord, error) {
	return e.ledger.AuditLog(ctx, invoiceID)
}

// Summary is the matching overview: current pairs per status, queue depth
// and one page of pairs.
type Summary struct {
	Counts         map[ir.PairStatus]int `json:"counts"`
	PendingActions int                   `json:"pending_actions"`
	FailedActions  int                   `json:"failed_actions"`
	Pairs          []ir.MatchingPair     `json:"pairs"`
}

// Summary returns counts and the pairs selected by filter.
func (e *Engine) Summary(ctx context.Context, filter pairing.Filter) (Summary, error) {
	counts, err := e.ledger.Counts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: counts: %w", err)
	}
	pairs, err := e.ledger.ListPairs(ctx, filter)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: pairs: %w", err)
	}
	return Summary{
		Counts:         counts,
		PendingActions: e.queue.Len(),
		FailedActions:  len(e.queue.Failed()),
		Pairs:          pairs,
	}, nil
}
