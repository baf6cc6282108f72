package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
)

// Operation names accepted by MemoryDocStore.FailNext.
const (
	OpGetInvoice        = "GetInvoice"
	OpGetDeliveryNote   = "GetDeliveryNote"
	OpFindDeliveryNotes = "FindDeliveryNotesBySupplierAndWindow"
	OpListInvoices      = "ListInvoices"
	OpPersistPair       = "PersistPair"
	OpPersistLineDiffs  = "PersistLineDiffs"
	OpApplyDecision     = "ApplyDecision"
)

// MemoryDocStore is an in-memory document store adapter.
//
// Failures can be scripted per operation with FailNext; each scripted error
// is returned once, in order. Every call is counted, including failed ones.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryDocStore struct {
	mu        sync.Mutex
	invoices  map[string]ir.Invoice
	notes     map[string]ir.DeliveryNote
	pairs     map[string]ir.MatchingPair
	diffs     map[string][]ir.LineDiff
	decisions map[string]ir.NaturalKey
	applied   []ir.QueuedAction
	failures  map[string][]error
	calls     map[string]int
}

// NewMemoryDocStore creates an empty store.
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{
		invoices:  make(map[string]ir.Invoice),
		notes:     make(map[string]ir.DeliveryNote),
		pairs:     make(map[string]ir.MatchingPair),
		diffs:     make(map[string][]ir.LineDiff),
		decisions: make(map[string]ir.NaturalKey),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// AddInvoice stores or replaces an invoice.
func (s *MemoryDocStore) AddInvoice(inv ir.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

// AddDeliveryNote stores or replaces a delivery note. Replacing a note
// simulates an upstream edit.
func (s *MemoryDocStore) AddDeliveryNote(dn ir.DeliveryNote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[dn.ID] = dn
}

// FailNext scripts err as the result of the next call to op.
func (s *MemoryDocStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns how many times op was called.
func (s *MemoryDocStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts the call and pops a scripted failure. Caller holds s.mu.
func (s *MemoryDocStore) enter(op string) error {
	s.calls[op]++
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[op] = queue[1:]
	return err
}

// GetInvoice returns the invoice or a NOT_FOUND error.
func (s *MemoryDocStore) GetInvoice(_ context.Context, id string) (ir.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetInvoice); err != nil {
		return ir.Invoice{}, err
	}
	inv, ok := s.invoices[id]
	if !ok {
		return ir.Invoice{}, ir.NotFound(OpGetInvoice, "invoice", id)
	}
	return inv, nil
}

// GetDeliveryNote returns the delivery note or a NOT_FOUND error.
func (s *MemoryDocStore) GetDeliveryNote(_ context.Context, id string) (ir.DeliveryNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetDeliveryNote); err != nil {
		return ir.DeliveryNote{}, err
	}
	dn, ok := s.notes[id]
	if !ok {
		return ir.DeliveryNote{}, ir.NotFound(OpGetDeliveryNote, "delivery note", id)
	}
	return dn, nil
}

// FindDeliveryNotesBySupplierAndWindow matches suppliers by normalized name
// and dates inclusively. Results are ordered by id.
func (s *MemoryDocStore) FindDeliveryNotesBySupplierAndWindow(_ context.Context, supplier string, start, end time.Time) ([]ir.DeliveryNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFindDeliveryNotes); err != nil {
		return nil, err
	}
	key := normalize.SupplierName(supplier)
	out := []ir.DeliveryNote{}
	for _, dn := range s.notes {
		if normalize.SupplierName(dn.SupplierName) != key {
			continue
		}
		if !inWindow(dn.Date, start, end) {
			continue
		}
		out = append(out, dn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListInvoices returns invoices dated within [from, to], ordered by id.
func (s *MemoryDocStore) ListInvoices(_ context.Context, from, to time.Time) ([]ir.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListInvoices); err != nil {
		return nil, err
	}
	out := []ir.Invoice{}
	for _, inv := range s.invoices {
		if inWindow(inv.Date, from, to) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func inWindow(d, start, end time.Time) bool {
	if d.IsZero() {
		return start.IsZero() && end.IsZero()
	}
	day := ir.Day(d)
	if !start.IsZero() && day.Before(ir.Day(start)) {
		return false
	}
	if !end.IsZero() && day.After(ir.Day(end)) {
		return false
	}
	return true
}

// PersistPair records the latest version of a pair.
func (s *MemoryDocStore) PersistPair(_ context.Context, pair ir.MatchingPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPersistPair); err != nil {
		return err
	}
	s.pairs[pair.ID] = pair
	return nil
}

// PersistLineDiffs replaces the diffs stored for a pair.
func (s *MemoryDocStore) PersistLineDiffs(_ context.Context, pairID string, diffs []ir.LineDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPersistLineDiffs); err != nil {
		return err
	}
	s.diffs[pairID] = append([]ir.LineDiff(nil), diffs...)
	return nil
}

// ApplyDecision keeps the latest decision per invoice. Replaying the
// invoice's latest decision is a no-op.
func (s *MemoryDocStore) ApplyDecision(_ context.Context, action ir.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpApplyDecision); err != nil {
		return err
	}
	key := action.NaturalKey()
	if latest, ok := s.decisions[action.InvoiceID]; ok && latest == key {
		return nil
	}
	s.decisions[action.InvoiceID] = key
	s.applied = append(s.applied, action)
	return nil
}

// Pair returns a persisted pair.
func (s *MemoryDocStore) Pair(id string) (ir.MatchingPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[id]
	return p, ok
}

// LineDiffs returns the persisted diffs of a pair.
func (s *MemoryDocStore) LineDiffs(pairID string) []ir.LineDiff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.LineDiff(nil), s.diffs[pairID]...)
}

// Decision returns the latest decision applied for an invoice.
func (s *MemoryDocStore) Decision(invoiceID string) (ir.NaturalKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.decisions[invoiceID]
	return k, ok
}

// Applied returns every decision that changed state, in order.
func (s *MemoryDocStore) Applied() []ir.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.QueuedAction(nil), s.applied...)
}
