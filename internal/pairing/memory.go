package pairing

import (
	"context"
	"sync"

	"github.com/roach88/pairwise/internal/ir"
)

// MemoryRepository is an in-process Repository for tests and ephemeral runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryRepository struct {
	mu         sync.RWMutex
	pairs      map[string]ir.MatchingPair
	order      []string
	rejections []ir.Rejection
	audit      []ir.AuditRecord
	seq        int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{pairs: make(map[string]ir.MatchingPair)}
}

func (r *MemoryRepository) CurrentPair(_ context.Context, invoiceID string) (ir.MatchingPair, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.pairs[r.order[i]]
		if p.InvoiceID == invoiceID && !p.Superseded {
			return clonePair(p), true, nil
		}
	}
	return ir.MatchingPair{}, false, nil
}

func (r *MemoryRepository) Pair(_ context.Context, pairID string) (ir.MatchingPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[pairID]
	if !ok {
		return ir.MatchingPair{}, ir.NotFound("Pair", "pair", pairID)
	}
	return clonePair(p), nil
}

func (r *MemoryRepository) PairHistory(_ context.Context, invoiceID string) ([]ir.MatchingPair, error) {
	return r.collect(func(p ir.MatchingPair) bool { return p.InvoiceID == invoiceID }), nil
}

func (r *MemoryRepository) PairsByAction(_ context.Context, actionID string) ([]ir.MatchingPair, error) {
	return r.collect(func(p ir.MatchingPair) bool { return actionID != "" && p.ActionID == actionID }), nil
}

func (r *MemoryRepository) PairsSupersededByAction(_ context.Context, actionID string) ([]ir.MatchingPair, error) {
	return r.collect(func(p ir.MatchingPair) bool {
		return actionID != "" && p.SupersededByAction == actionID
	}), nil
}

func (r *MemoryRepository) ClaimingPair(_ context.Context, deliveryNoteID string) (ir.MatchingPair, bool, error) {
	found := r.collect(func(p ir.MatchingPair) bool {
		return p.DeliveryNoteID == deliveryNoteID && !p.Superseded && p.Status == ir.StatusMatched
	})
	if len(found) == 0 {
		return ir.MatchingPair{}, false, nil
	}
	return found[0], true, nil
}

func (r *MemoryRepository) Rejections(_ context.Context, invoiceID string) ([]ir.Rejection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []ir.Rejection{}
	for _, rj := range r.rejections {
		if rj.InvoiceID == invoiceID {
			out = append(out, rj)
		}
	}
	return out, nil
}

func (r *MemoryRepository) RejectionsByAction(_ context.Context, actionID string) ([]ir.Rejection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []ir.Rejection{}
	for _, rj := range r.rejections {
		if actionID != "" && rj.ActionID == actionID {
			out = append(out, rj)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListPairs(_ context.Context, filter Filter) ([]ir.MatchingPair, error) {
	all := r.collect(filter.Matches)
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return []ir.MatchingPair{}, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (r *MemoryRepository) Counts(_ context.Context) (map[ir.PairStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[ir.PairStatus]int)
	for _, p := range r.pairs {
		if !p.Superseded {
			counts[p.Status]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) AuditLog(_ context.Context, invoiceID string) ([]ir.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []ir.AuditRecord{}
	for _, a := range r.audit {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Commit(_ context.Context, tx *Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range tx.Pairs {
		if _, ok := r.pairs[p.ID]; !ok {
			r.order = append(r.order, p.ID)
		}
		r.pairs[p.ID] = clonePair(p)
	}
	for _, key := range tx.RemoveRejections {
		kept := r.rejections[:0]
		for _, rj := range r.rejections {
			if rj.InvoiceID != key.InvoiceID || rj.DeliveryNoteID != key.DeliveryNoteID {
				kept = append(kept, rj)
			}
		}
		r.rejections = kept
	}
	for _, rj := range tx.AddRejections {
		if !r.hasRejection(rj.InvoiceID, rj.DeliveryNoteID) {
			r.rejections = append(r.rejections, rj)
		}
	}
	for i := range tx.Audit {
		r.seq++
		tx.Audit[i].Seq = r.seq
		r.audit = append(r.audit, tx.Audit[i])
	}
	return nil
}

// hasRejection: caller holds r.mu.
func (r *MemoryRepository) hasRejection(invoiceID, deliveryNoteID string) bool {
	for _, rj := range r.rejections {
		if rj.InvoiceID == invoiceID && rj.DeliveryNoteID == deliveryNoteID {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) collect(keep func(ir.MatchingPair) bool) []ir.MatchingPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []ir.MatchingPair{}
	for _, id := range r.order {
		if p := r.pairs[id]; keep(p) {
			out = append(out, clonePair(p))
		}
	}
	return out
}

func clonePair(p ir.MatchingPair) ir.MatchingPair {
	p.LineDiffs = append([]ir.LineDiff(nil), p.LineDiffs...)
	p.Reasons = append([]ir.ReasonCode(nil), p.Reasons...)
	return p
}
