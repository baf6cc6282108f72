package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/pairwise/internal/ir"
)

// Persister stores queued actions durably. The queue keeps every live and
// failed action persisted; acknowledged and cancelled actions are deleted.
type Persister interface {
	SaveAction(ctx context.Context, action ir.QueuedAction) error
	DeleteAction(ctx context.Context, id string) error
	// LoadActions returns every stored action ordered by Seq.
	LoadActions(ctx context.Context) ([]ir.QueuedAction, error)
}

// MemoryPersister keeps actions in memory. Used in tests and for ephemeral
// runs without a ledger.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryPersister struct {
	mu      sync.Mutex
	actions map[string]ir.QueuedAction
}

// NewMemoryPersister creates an empty persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{actions: make(map[string]ir.QueuedAction)}
}

func (p *MemoryPersister) SaveAction(_ context.Context, action ir.QueuedAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions[action.ID] = action
	return nil
}

func (p *MemoryPersister) DeleteAction(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.actions, id)
	return nil
}

func (p *MemoryPersister) LoadActions(_ context.Context) ([]ir.QueuedAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ir.QueuedAction, 0, len(p.actions))
	for _, a := range p.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
