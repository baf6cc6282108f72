package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
	"github.com/roach88/pairwise/internal/queue"
)

// DrainQueue dispatches every ready queued action, oldest first per
// invoice, whether or not the engine is online.
func (e *Engine) DrainQueue(ctx context.Context) (queue.DrainResult, error) {
	r, err := e.queue.Drain(ctx)
	if err != nil {
		return r, fmt.Errorf("drain queue: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"retrying":  r.Retrying,
	}).Info("queue drained")
	return r, nil
}

// PendingActions returns queued actions in enqueue order.
func (e *Engine) PendingActions() []ir.QueuedAction {
	return e.queue.Pending()
}

// FailedActions returns actions that exhausted their retries.
func (e *Engine) FailedActions() []ir.QueuedAction {
	return e.queue.Failed()
}

// SetOnline switches immediate dispatch on or off. Offline decisions are
// applied locally and queued until the queue is drained or the engine goes
// online again.
func (e *Engine) SetOnline(online bool) {
	e.queue.SetOnline(online)
	e.log.WithField("online", online).Info("connectivity changed")
}

// Online reports whether decisions are dispatched immediately.
func (e *Engine) Online() bool {
	return e.queue.Online()
}

// Run dispatches queued actions in the background until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	return e.queue.Run(ctx)
}

func (e *Engine) flush(ctx context.Context, invoiceID string) {
	if _, err := e.queue.Flush(ctx, invoiceID); err != nil {
		e.log.WithError(err).WithField("invoice_id", invoiceID).Debug("flush interrupted")
	}
}

func (e *Engine) onAcked(ctx context.Context, action ir.QueuedAction) {
	log := e.hookLogger(action)
	unlock, err := e.locks.Lock(ctx, invoiceLockKey(action.InvoiceID))
	if err != nil {
		log.WithError(err).Error("acknowledge: lock invoice")
		return
	}
	defer unlock()
	if err := e.machine.Acknowledge(ctx, action.ID); err != nil {
		log.WithError(err).Error("acknowledge delivered action")
	}
}

func (e *Engine) onFailed(ctx context.Context, action ir.QueuedAction, cause error) {
	log := e.hookLogger(action).WithError(cause)
	unlock, err := e.locks.Lock(ctx, invoiceLockKey(action.InvoiceID))
	if err != nil {
		log.WithField("lock_error", err.Error()).Error("revert: lock invoice")
		return
	}
	defer unlock()
	if err := e.machine.Revert(ctx, action, pairing.Meta{Actor: pairing.SystemActor}); err != nil {
		log.WithField("revert_error", err.Error()).Error("revert failed action")
	}
}

// onCancelled hands the cancelled action's pairs to the action that
// cancelled it, so they are delivered, acknowledged or reverted with it. It
// runs inside Enqueue, where submit already holds the invoice lock.
func (e *Engine) onCancelled(ctx context.Context, action, by ir.QueuedAction) {
	if err := e.machine.Adopt(ctx, action.ID, by.ID); err != nil {
		e.hookLogger(action).WithError(err).WithField("by_action_id", by.ID).Error("adopt cancelled action")
	}
}

func (e *Engine) hookLogger(action ir.QueuedAction) logrus.FieldLogger {
	return e.log.WithFields(logrus.Fields{
		"invoice_id": action.InvoiceID,
		"action_id":  action.ID,
		"kind":       action.Kind,
	})
}

// docDispatcher delivers a decision to the document store: the decision
// itself when the store records decisions, then every pair the action
// created or superseded, with the line diffs of the pairs still current.
type docDispatcher struct {
	docs   DocumentStore
	ledger pairing.Repository
}

func (d *docDispatcher) Dispatch(ctx context.Context, action ir.QueuedAction) error {
	if applier, ok := d.docs.(DecisionApplier); ok {
		if err := applier.ApplyDecision(ctx, action); err != nil {
			return dispatchError("apply decision", err)
		}
	}
	superseded, err := d.ledger.PairsSupersededByAction(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("dispatch: superseded pairs: %w", err)
	}
	created, err := d.ledger.PairsByAction(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("dispatch: created pairs: %w", err)
	}
	seen := make(map[string]bool, len(superseded)+len(created))
	for _, p := range append(superseded, created...) {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		if err := persistPair(ctx, d.docs, p); err != nil {
			return err
		}
	}
	return nil
}

// persistPair writes the authoritative form of a pair: the pending marker is
// local state and is never persisted.
func persistPair(ctx context.Context, docs DocumentStore, p ir.MatchingPair) error {
	p.Pending = false
	if err := docs.PersistPair(ctx, p); err != nil {
		return dispatchError("persist pair "+p.ID, err)
	}
	if p.Superseded {
		return nil
	}
	if err := docs.PersistLineDiffs(ctx, p.ID, p.LineDiffs); err != nil {
		return dispatchError("persist line diffs "+p.ID, err)
	}
	return nil
}

// dispatchError keeps typed errors and marks the rest retryable.
func dispatchError(what string, err error) error {
	if ir.KindOf(err) != "" {
		return fmt.Errorf("%s: %w", what, err)
	}
	return ir.WrapError(ir.KindDispatch, "Dispatch", fmt.Errorf("%s: %w", what, err))
}
