package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pairwise/internal/ir"
)

// DrainResult counts dispatch outcomes of one Drain.
type DrainResult struct {
	// Succeeded counts acknowledged actions.
	Succeeded int `json:"succeeded"`
	// Failed counts actions that became failed during the drain.
	Failed int `json:"failed"`
	// Retrying counts actions left queued after a retryable failure.
	Retrying int `json:"retrying"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Retrying += o.Retrying
}

// Flush dispatches an invoice's ready actions in order when the queue is
// online. It stops at the first action that is backing off. If another
// goroutine is already flushing the invoice, Flush returns at once; that
// goroutine picks up anything queued meanwhile.
func (q *Queue) Flush(ctx context.Context, invoiceID string) (DrainResult, error) {
	if !q.Online() {
		return DrainResult{}, nil
	}
	return q.flush(ctx, invoiceID)
}

// Drain dispatches the ready actions of every invoice regardless of the
// online flag. Invoices run concurrently up to Config.Concurrency; each
// invoice is dispatched sequentially.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var (
		mu    sync.Mutex
		total DrainResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, invoiceID := range q.readyInvoices() {
		g.Go(func() error {
			r, err := q.flush(gctx, invoiceID)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}

// Run dispatches in the background until ctx ends. It wakes on Enqueue,
// SetOnline(true), RetryFailed and when the earliest backoff expires, and
// drains only while online.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("action queue starting")
	for {
		if q.Online() {
			r, err := q.Drain(ctx)
			if err != nil && ctx.Err() != nil {
				q.log.Info("action queue stopping")
				return ctx.Err()
			}
			if r.Succeeded+r.Failed+r.Retrying > 0 {
				q.log.WithFields(logrus.Fields{
					"succeeded": r.Succeeded,
					"failed":    r.Failed,
					"retrying":  r.Retrying,
				}).Debug("drained action queue")
			}
		}

		var timer *time.Timer
		var expired <-chan time.Time
		if d, ok := q.nextWake(); ok {
			timer = time.NewTimer(d)
			expired = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			q.log.Info("action queue stopping")
			return ctx.Err()
		case <-q.wake.wait():
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextWake returns the delay until the earliest backing-off head is ready.
func (q *Queue) nextWake() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	for _, ids := range q.fifo {
		if len(ids) == 0 {
			continue
		}
		at := q.arena[ids[0]].NextAttemptAt
		if at.IsZero() {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	d := earliest.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// readyInvoices lists invoices whose head action may be dispatched now.
func (q *Queue) readyInvoices() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []string
	for invoiceID, ids := range q.fifo {
		if len(ids) > 0 && ready(q.arena[ids[0]], now) {
			out = append(out, invoiceID)
		}
	}
	sort.Strings(out)
	return out
}

func ready(a *ir.QueuedAction, now time.Time) bool {
	return a.NextAttemptAt.IsZero() || !now.Before(a.NextAttemptAt)
}

// flush owns the invoice while it runs.
func (q *Queue) flush(ctx context.Context, invoiceID string) (DrainResult, error) {
	q.mu.Lock()
	if q.busy[invoiceID] {
		q.mu.Unlock()
		return DrainResult{}, nil
	}
	q.busy[invoiceID] = true
	q.mu.Unlock()

	var result DrainResult
	for {
		if err := ctx.Err(); err != nil {
			q.release(invoiceID)
			return result, err
		}

		action, ok := q.claimHead(invoiceID)
		if !ok {
			return result, nil
		}

		outcome, err := q.dispatch(ctx, action)
		if err != nil {
			q.release(invoiceID)
			return result, err
		}
		switch outcome {
		case outcomeAcked:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		case outcomeRetry:
			result.Retrying++
			q.release(invoiceID)
			return result, nil
		}
	}
}

// claimHead marks the invoice's ready head as dispatching. When there is
// none it releases the invoice in the same critical section, so an Enqueue
// racing with the end of a flush is never stranded.
func (q *Queue) claimHead(invoiceID string) (ir.QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.fifo[invoiceID]
	if len(ids) == 0 || !ready(q.arena[ids[0]], q.now()) {
		delete(q.busy, invoiceID)
		if len(ids) == 0 {
			delete(q.fifo, invoiceID)
		}
		return ir.QueuedAction{}, false
	}
	a := q.arena[ids[0]]
	a.State = ir.ActionDispatching
	return *a, true
}

func (q *Queue) release(invoiceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, invoiceID)
}

type outcome int

const (
	outcomeAcked outcome = iota + 1
	outcomeFailed
	outcomeRetry
)

// dispatch sends one action and records the result. It returns an error
// only when ctx ended; the action is then pending again without a retry
// charged against it.
func (q *Queue) dispatch(ctx context.Context, action ir.QueuedAction) (outcome, error) {
	log := q.log.WithFields(logrus.Fields{
		"invoice_id": action.InvoiceID,
		"action_id":  action.ID,
		"kind":       action.Kind,
		"attempt":    action.RetryCount + 1,
	})

	dctx := ctx
	cancel := func() {}
	if q.cfg.DispatchTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, q.cfg.DispatchTimeout)
	}
	err := q.dispatcher.Dispatch(dctx, action)
	cancel()

	if err == nil {
		q.remove(action)
		if err := q.persist.DeleteAction(ctx, action.ID); err != nil {
			log.WithError(err).Warn("delete acknowledged action")
		}
		log.Debug("action dispatched")
		if h := q.hookSet().OnAcked; h != nil {
			h(ctx, action)
		}
		return outcomeAcked, nil
	}

	if ctx.Err() != nil {
		q.update(action.ID, func(a *ir.QueuedAction) { a.State = ir.ActionPending })
		return 0, ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = ir.WrapError(ir.KindDispatch, "Dispatch", err)
	}
	if permanent(err) {
		return q.fail(ctx, action, err, log), nil
	}

	action.RetryCount++
	if action.RetryCount > q.cfg.MaxRetries {
		return q.fail(ctx, action, err, log), nil
	}
	action.State = ir.ActionPending
	action.LastError = err.Error()
	action.NextAttemptAt = q.now().Add(q.cfg.Backoff(action.RetryCount))
	q.update(action.ID, func(a *ir.QueuedAction) { *a = action })
	if err := q.persist.SaveAction(ctx, action); err != nil {
		log.WithError(err).Warn("save retrying action")
	}
	log.WithError(err).WithField("next_attempt_at", action.NextAttemptAt).Warn("dispatch failed, will retry")
	return outcomeRetry, nil
}

// fail marks the action failed, keeps it in the arena and takes it out of
// its invoice's FIFO so later actions can proceed.
func (q *Queue) fail(ctx context.Context, action ir.QueuedAction, cause error, log logrus.FieldLogger) outcome {
	exhausted := ir.WrapError(ir.KindExhausted, "Dispatch", cause)
	exhausted.ActionID, exhausted.InvoiceID = action.ID, action.InvoiceID

	action.State = ir.ActionFailed
	action.LastError = cause.Error()
	action.NextAttemptAt = time.Time{}

	q.mu.Lock()
	if a, ok := q.arena[action.ID]; ok {
		*a = action
	}
	q.dropFromFIFO(action)
	q.mu.Unlock()

	if err := q.persist.SaveAction(ctx, action); err != nil {
		log.WithError(err).Warn("save failed action")
	}
	log.WithError(cause).Error("action failed permanently")
	if h := q.hookSet().OnFailed; h != nil {
		h(ctx, action, exhausted)
	}
	return outcomeFailed
}

// permanent reports whether a dispatch error can never succeed on retry.
// Untyped errors are treated as network failures and retried.
func permanent(err error) bool {
	switch ir.KindOf(err) {
	case ir.KindInput, ir.KindNotFound, ir.KindStateConflict, ir.KindExhausted:
		return true
	}
	return false
}

func (q *Queue) remove(action ir.QueuedAction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.arena, action.ID)
	q.dropFromFIFO(action)
}

// dropFromFIFO: caller holds q.mu.
func (q *Queue) dropFromFIFO(action ir.QueuedAction) {
	ids := q.fifo[action.InvoiceID]
	for i, id := range ids {
		if id == action.ID {
			q.fifo[action.InvoiceID] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}

func (q *Queue) update(id string, fn func(*ir.QueuedAction)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if a, ok := q.arena[id]; ok {
		fn(a)
	}
}

func (q *Queue) hookSet() Hooks {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hooks
}
