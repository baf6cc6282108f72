package engine

import (
	"context"
	"fmt"

	"github.com/roach88/pairwise/internal/candidate"
	"github.com/roach88/pairwise/internal/ir"
)

// CandidateOption adjusts one GenerateCandidates call.
type CandidateOption = candidate.Option

// WithWindow sets the date window in days around the invoice date.
func WithWindow(days int) CandidateOption { return candidate.WithWindow(days) }

// WithMinConfidence drops candidates scoring below floor.
func WithMinConfidence(floor float64) CandidateOption { return candidate.WithFloor(floor) }

// WithLimit caps the number of candidates.
func WithLimit(limit int) CandidateOption { return candidate.WithLimit(limit) }

// GenerateCandidates ranks delivery notes for an invoice, best first.
// Notes the invoice has rejected and notes matched by other invoices are
// never offered.
func (e *Engine) GenerateCandidates(ctx context.Context, invoiceID string, opts ...CandidateOption) ([]ir.MatchCandidate, error) {
	if invoiceID == "" {
		return nil, ir.Errorf(ir.KindInput, "GenerateCandidates", "invoice id must not be empty")
	}
	inv, err := e.docs.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return e.generate(ctx, inv, opts...)
}

// RetryCandidates forgets the invoice's rejections and generates its
// candidates again.
func (e *Engine) RetryCandidates(ctx context.Context, invoiceID string, opts ...CandidateOption) ([]ir.MatchCandidate, error) {
	if invoiceID == "" {
		return nil, ir.Errorf(ir.KindInput, "RetryCandidates", "invoice id must not be empty")
	}
	inv, err := e.docs.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, invoiceLockKey(invoiceID))
	if err != nil {
		return nil, fmt.Errorf("lock invoice %s: %w", invoiceID, err)
	}
	n, err := e.machine.ClearRejections(ctx, invoiceID)
	unlock()
	if err != nil {
		return nil, err
	}
	e.log.WithField("invoice_id", invoiceID).WithField("cleared", n).Info("rejections cleared")
	return e.generate(ctx, inv, opts...)
}

func (e *Engine) generate(ctx context.Context, inv ir.Invoice, opts ...CandidateOption) ([]ir.MatchCandidate, error) {
	rejections, err := e.ledger.Rejections(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("generate candidates: rejections: %w", err)
	}
	rejected := make(map[string]bool, len(rejections))
	for _, rj := range rejections {
		rejected[rj.DeliveryNoteID] = true
	}

	var claimErr error
	exclude := func(deliveryNoteID string) bool {
		if rejected[deliveryNoteID] {
			return true
		}
		claim, claimed, err := e.ledger.ClaimingPair(ctx, deliveryNoteID)
		if err != nil {
			if claimErr == nil {
				claimErr = err
			}
			return true
		}
		return claimed && claim.InvoiceID != inv.ID
	}

	all := make([]CandidateOption, 0, len(opts)+1)
	all = append(all, opts...)
	all = append(all, candidate.WithExclude(exclude))
	candidates, err := e.candidates.Generate(ctx, inv, all...)
	if err != nil {
		return nil, fmt.Errorf("generate candidates: %w", err)
	}
	if claimErr != nil {
		return nil, fmt.Errorf("generate candidates: claims: %w", claimErr)
	}
	return candidates, nil
}
