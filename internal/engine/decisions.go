package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
	"github.com/roach88/pairwise/internal/queue"
)

// ConfirmPair associates an invoice with a delivery note.
//
// Confirming the invoice's current pair again returns it unchanged and
// queues nothing. Confirming over a matched pair is a STATE_CONFLICT; use
// OverridePair. The returned pair is Pending until its action is delivered.
func (e *Engine) ConfirmPair(ctx context.Context, invoiceID, deliveryNoteID string) (ir.MatchingPair, error) {
	pair, _, err := e.submit(ctx, ir.QueuedAction{
		Kind:           ir.ActionConfirm,
		InvoiceID:      invoiceID,
		DeliveryNoteID: deliveryNoteID,
		Actor:          ActorFrom(ctx),
	}, "")
	return pair, err
}

// RejectCandidate records that a delivery note is not the invoice's match.
// Rejected notes are no longer offered as candidates. Rejecting the note of
// the current pair returns the invoice to unmatched.
func (e *Engine) RejectCandidate(ctx context.Context, invoiceID, deliveryNoteID string) error {
	_, _, err := e.submit(ctx, ir.QueuedAction{
		Kind:           ir.ActionReject,
		InvoiceID:      invoiceID,
		DeliveryNoteID: deliveryNoteID,
		Actor:          ActorFrom(ctx),
	}, "")
	return err
}

// OverridePair replaces the delivery note of a current pair. The old pair is
// superseded, not deleted, and every not-yet-dispatched action of the
// invoice is cancelled.
func (e *Engine) OverridePair(ctx context.Context, pairID, newDeliveryNoteID string) (ir.MatchingPair, error) {
	if pairID == "" {
		return ir.MatchingPair{}, ir.Errorf(ir.KindInput, "OverridePair", "pair id must not be empty")
	}
	old, err := e.ledger.Pair(ctx, pairID)
	if err != nil {
		return ir.MatchingPair{}, err
	}
	pair, _, err := e.submit(ctx, ir.QueuedAction{
		Kind:           ir.ActionOverride,
		InvoiceID:      old.InvoiceID,
		DeliveryNoteID: newDeliveryNoteID,
		PairID:         pairID,
		Actor:          ActorFrom(ctx),
	}, "")
	return pair, err
}

// EnqueueAction applies a decision given as a queued action and returns the
// id it was queued under. A decision that changes nothing, such as a
// repeated confirm, is not queued and yields an empty id.
func (e *Engine) EnqueueAction(ctx context.Context, action ir.QueuedAction) (string, error) {
	if action.Actor == "" {
		action.Actor = ActorFrom(ctx)
	}
	if action.Kind == ir.ActionOverride && action.InvoiceID == "" && action.PairID != "" {
		old, err := e.ledger.Pair(ctx, action.PairID)
		if err != nil {
			return "", err
		}
		action.InvoiceID = old.InvoiceID
	}
	_, queued, err := e.submit(ctx, action, "")
	if err != nil {
		return "", err
	}
	return queued.ID, nil
}

// submit runs one decision through lock, optimistic apply, enqueue and
// flush. It returns the resulting pair (zero for rejects) and the queued
// action (zero when nothing changed).
func (e *Engine) submit(ctx context.Context, action ir.QueuedAction, cause ir.AuditAction) (ir.MatchingPair, ir.QueuedAction, error) {
	if err := queue.Validate(action); err != nil {
		return ir.MatchingPair{}, ir.QueuedAction{}, err
	}
	if action.Kind == ir.ActionOverride {
		old, err := e.ledger.Pair(ctx, action.PairID)
		if err != nil {
			return ir.MatchingPair{}, ir.QueuedAction{}, err
		}
		if old.InvoiceID != action.InvoiceID {
			mismatch := ir.Errorf(ir.KindInput, "EnqueueAction", "pair %s belongs to invoice %s", old.ID, old.InvoiceID)
			mismatch.InvoiceID, mismatch.PairID = action.InvoiceID, old.ID
			return ir.MatchingPair{}, ir.QueuedAction{}, mismatch
		}
	}

	unlock, err := e.lockAll(ctx, decisionLockKeys(action)...)
	if err != nil {
		return ir.MatchingPair{}, ir.QueuedAction{}, fmt.Errorf("lock invoice %s: %w", action.InvoiceID, err)
	}

	action = e.queue.Prepare(action)
	pair, changed, err := e.apply(ctx, action, cause)
	if err != nil || !changed {
		unlock()
		return pair, ir.QueuedAction{}, err
	}

	queued, cancelled, err := e.queue.Enqueue(ctx, action)
	if err != nil {
		if rerr := e.machine.Revert(ctx, action, pairing.Meta{Actor: action.Actor}); rerr != nil {
			e.log.WithError(rerr).WithField("action_id", action.ID).Error("undo unqueued decision")
		}
		unlock()
		return ir.MatchingPair{}, ir.QueuedAction{}, err
	}
	unlock()

	e.log.WithFields(logrus.Fields{
		"invoice_id": action.InvoiceID,
		"pair_id":    pair.ID,
		"action_id":  queued.ID,
		"kind":       action.Kind,
		"cancelled":  len(cancelled),
	}).Info("decision queued")

	e.flush(ctx, action.InvoiceID)
	if pair.ID != "" {
		if fresh, err := e.ledger.Pair(ctx, pair.ID); err == nil {
			pair = fresh
		}
	}
	return pair, queued, nil
}

// apply makes the decision's optimistic change to the ledger. Callers hold
// the decision's locks.
func (e *Engine) apply(ctx context.Context, action ir.QueuedAction, cause ir.AuditAction) (ir.MatchingPair, bool, error) {
	meta := pairing.Meta{
		Actor:    action.Actor,
		ActionID: action.ID,
		Pending:  true,
		Cause:    cause,
	}
	switch action.Kind {
	case ir.ActionConfirm:
		pair, err := e.machine.Confirm(ctx, action.InvoiceID, action.DeliveryNoteID, meta)
		if err != nil {
			return ir.MatchingPair{}, false, err
		}
		return pair, pair.ActionID == action.ID, nil
	case ir.ActionReject:
		changed, err := e.machine.Reject(ctx, action.InvoiceID, action.DeliveryNoteID, meta)
		return ir.MatchingPair{}, changed, err
	case ir.ActionOverride:
		pair, err := e.machine.Override(ctx, action.PairID, action.DeliveryNoteID, meta)
		if err != nil {
			return ir.MatchingPair{}, false, err
		}
		return pair, true, nil
	}
	return ir.MatchingPair{}, false, ir.Errorf(ir.KindInput, "EnqueueAction", "unknown action kind %q", action.Kind)
}

// reapply restores the optimistic state of a failed action before it is
// retried. Its revert may have replaced the pair an override named, so an
// override targets the invoice's current pair, or confirms when there is
// none.
func (e *Engine) reapply(ctx context.Context, action ir.QueuedAction) error {
	if action.Kind == ir.ActionOverride {
		cur, ok, err := e.ledger.CurrentPair(ctx, action.InvoiceID)
		if err != nil {
			return fmt.Errorf("reapply: current pair: %w", err)
		}
		switch {
		case !ok:
			action.Kind = ir.ActionConfirm
		case cur.DeliveryNoteID == action.DeliveryNoteID:
			return nil
		default:
			action.PairID = cur.ID
		}
	}
	_, _, err := e.apply(ctx, action, "")
	return err
}

// RetryFailedAction re-applies a failed action's decision and queues it
// again with a fresh retry budget.
func (e *Engine) RetryFailedAction(ctx context.Context, actionID string) (ir.QueuedAction, error) {
	const op = "RetryFailedAction"
	var failed ir.QueuedAction
	for _, a := range e.queue.Failed() {
		if a.ID == actionID {
			failed = a
			break
		}
	}
	if failed.ID == "" {
		return ir.QueuedAction{}, ir.NotFound(op, "action", actionID)
	}

	unlock, err := e.lockAll(ctx, decisionLockKeys(failed)...)
	if err != nil {
		return ir.QueuedAction{}, fmt.Errorf("lock invoice %s: %w", failed.InvoiceID, err)
	}
	if err := e.reapply(ctx, failed); err != nil {
		unlock()
		return ir.QueuedAction{}, err
	}
	retried, err := e.queue.RetryFailed(ctx, actionID)
	unlock()
	if err != nil {
		return ir.QueuedAction{}, err
	}
	e.flush(ctx, retried.InvoiceID)
	return retried, nil
}

// decisionLockKeys locks the invoice, and the delivery note for decisions
// that can claim it.
func decisionLockKeys(action ir.QueuedAction) []string {
	keys := []string{invoiceLockKey(action.InvoiceID)}
	if action.Kind != ir.ActionReject {
		keys = append(keys, noteLockKey(action.DeliveryNoteID))
	}
	return keys
}
