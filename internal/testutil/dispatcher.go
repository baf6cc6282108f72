package testutil

import (
	"context"
	"sync"

	"github.com/roach88/pairwise/internal/ir"
)

// RecordingDispatcher records every dispatched action in call order.
//
// Scripted errors are returned one per call, in order; once they run out
// calls succeed (or are forwarded to Next when set).
type RecordingDispatcher struct {
	mu    sync.Mutex
	calls []ir.QueuedAction
	errs  []error
	block chan struct{}

	// Next, when set, handles calls that have no scripted error.
	Next func(ctx context.Context, action ir.QueuedAction) error
}

// NewRecordingDispatcher creates a dispatcher that succeeds by default.
func NewRecordingDispatcher() *RecordingDispatcher {
	return &RecordingDispatcher{}
}

// FailWith scripts errors for the next calls.
func (d *RecordingDispatcher) FailWith(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// BlockUntilContextDone makes every call wait for its context to end and
// return the context error, simulating an unresponsive server.
func (d *RecordingDispatcher) BlockUntilContextDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = make(chan struct{})
}

// Unblock restores normal behaviour after BlockUntilContextDone.
func (d *RecordingDispatcher) Unblock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

// Dispatch records the action and returns the next scripted result.
func (d *RecordingDispatcher) Dispatch(ctx context.Context, action ir.QueuedAction) error {
	d.mu.Lock()
	d.calls = append(d.calls, action)
	block := d.block
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	next := d.Next
	d.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return err
	}
	if next != nil {
		return next(ctx, action)
	}
	return nil
}

// Calls returns the dispatched actions in call order.
func (d *RecordingDispatcher) Calls() []ir.QueuedAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ir.QueuedAction(nil), d.calls...)
}

// CallIDs returns the ids of dispatched actions in call order.
func (d *RecordingDispatcher) CallIDs() []string {
	calls := d.Calls()
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	return ids
}

// CallsFor returns the ids dispatched for one invoice, in call order.
func (d *RecordingDispatcher) CallsFor(invoiceID string) []string {
	var ids []string
	for _, c := range d.Calls() {
		if c.InvoiceID == invoiceID {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
