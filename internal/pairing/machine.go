// Package pairing owns the MatchingPair lifecycle.
//
// A Machine turns user decisions (confirm, reject, override) and maintenance
// operations (reconcile, acknowledge, revert) into Transitions committed
// atomically through a Repository. Pairs are never deleted: every change of
// association supersedes the prior pair and appends an audit record.
//
// The Machine takes no locks. Callers must serialize calls per invoice.
package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/policy"
	"github.com/roach88/pairwise/internal/reconcile"
	"github.com/roach88/pairwise/internal/scoring"
)

// SystemActor is recorded when no actor is supplied.
const SystemActor = "system"

// Documents reads raw documents by id.
type Documents interface {
	GetInvoice(ctx context.Context, id string) (ir.Invoice, error)
	GetDeliveryNote(ctx context.Context, id string) (ir.DeliveryNote, error)
}

// AuditSink receives audit records after they are committed.
type AuditSink interface {
	Publish(ctx context.Context, records []ir.AuditRecord) error
}

// Meta describes who caused a transition and how.
type Meta struct {
	Actor string
	// ActionID links created pairs and rejections to a queued action.
	ActionID string
	// Pending marks created pairs as awaiting server acknowledgement.
	Pending bool
	// Cause overrides the audit action, e.g. auto_match for a confirm made
	// by the late-match retry.
	Cause ir.AuditAction
}

func (m Meta) actor() string {
	if m.Actor == "" {
		return SystemActor
	}
	return m.Actor
}

func (m Meta) cause(fallback ir.AuditAction) ir.AuditAction {
	if m.Cause == "" {
		return fallback
	}
	return m.Cause
}

// Machine applies pair transitions.
type Machine struct {
	repo   Repository
	docs   Documents
	scorer *scoring.Scorer
	policy *policy.Policy
	cfg    Config
	ids    ir.IDGenerator
	now    func() time.Time
	sink   AuditSink
	log    logrus.FieldLogger

	// unsettled reports whether an action is still queued or failed.
	unsettled func(actionID string) bool
	writeBack WriteBack
}

// WriteBack writes a reconciled pair to the authoritative store.
type WriteBack func(ctx context.Context, p ir.MatchingPair) error

// Option configures a Machine.
type Option func(*Machine)

// WithIDGenerator sets the pair and audit id generator.
func WithIDGenerator(ids ir.IDGenerator) Option {
	return func(m *Machine) {
		m.ids = ids
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithAuditSink sets the sink that receives committed audit records.
func WithAuditSink(sink AuditSink) Option {
	return func(m *Machine) {
		m.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

// WithUnsettled sets how Revert tells delivered actions from actions that
// are still queued or failed. Pairs created by unsettled actions are never
// restored.
func WithUnsettled(unsettled func(actionID string) bool) Option {
	return func(m *Machine) {
		m.unsettled = unsettled
	}
}

// WithWriteBack sets the write-back Reconcile runs before committing a
// delivered, current pair. A failing write-back leaves the ledger unchanged.
func WithWriteBack(wb WriteBack) Option {
	return func(m *Machine) {
		m.writeBack = wb
	}
}

// New creates a Machine.
func New(repo Repository, docs Documents, scorer *scoring.Scorer, pol *policy.Policy, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		repo:   repo,
		docs:   docs,
		scorer: scorer,
		policy: pol,
		cfg:    cfg,
		ids:    ir.UUIDv7Generator{},
		now:    func() time.Time { return time.Now().UTC() },
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Repository returns the backing repository.
func (m *Machine) Repository() Repository {
	return m.repo
}

// Config returns the evaluation thresholds.
func (m *Machine) Config() Config {
	return m.cfg
}

// Confirm associates an invoice with a delivery note.
//
// Confirming the note of the current non-conflict pair is a no-op that
// returns that pair. Confirming over a matched pair, or confirming a note
// another invoice has matched, is a STATE_CONFLICT.
func (m *Machine) Confirm(ctx context.Context, invoiceID, deliveryNoteID string, meta Meta) (ir.MatchingPair, error) {
	const op = "Confirm"
	inv, dn, err := m.documents(ctx, op, invoiceID, deliveryNoteID)
	if err != nil {
		return ir.MatchingPair{}, err
	}

	cur, hasCur, err := m.repo.CurrentPair(ctx, invoiceID)
	if err != nil {
		return ir.MatchingPair{}, fmt.Errorf("confirm: current pair: %w", err)
	}
	if hasCur && cur.DeliveryNoteID == deliveryNoteID && cur.Status != ir.StatusConflict {
		return cur, nil
	}
	if hasCur && cur.Status == ir.StatusMatched {
		e := ir.Errorf(ir.KindStateConflict, op, "invoice is matched to %s; use override", cur.DeliveryNoteID)
		e.InvoiceID, e.DeliveryNoteID, e.PairID = invoiceID, deliveryNoteID, cur.ID
		return ir.MatchingPair{}, e
	}
	if err := m.checkClaim(ctx, op, invoiceID, deliveryNoteID); err != nil {
		return ir.MatchingPair{}, err
	}

	now := m.now()
	cause := meta.cause(ir.AuditConfirm)
	pair := m.assess(m.ids.Generate(), inv, dn)
	m.stampPair(&pair, meta, now)
	if cause == ir.AuditAutoMatch {
		pair.Reasons = ir.AppendReason(pair.Reasons, ir.ReasonAutoMatched)
	}

	tx := &Transition{}
	prev := ir.StatusUnmatched
	if hasCur {
		prev = cur.Status
		pair.Supersedes = cur.ID
		tx.Pairs = append(tx.Pairs, supersede(cur, pair.ID, meta.ActionID, now))
	}
	tx.Pairs = append(tx.Pairs, pair)
	tx.Audit = append(tx.Audit, m.record(meta, cause, now, ir.AuditRecord{
		PairID:         pair.ID,
		InvoiceID:      invoiceID,
		DeliveryNoteID: deliveryNoteID,
		PrevStatus:     prev,
		NewStatus:      pair.Status,
		Reasons:        pair.Reasons,
	}))

	if err := m.commit(ctx, op, tx); err != nil {
		return ir.MatchingPair{}, err
	}
	return pair, nil
}

// Reject records that a delivery note is not the invoice's match. When the
// note belongs to the current pair, that pair is superseded and the invoice
// returns to unmatched. It reports whether anything changed; a repeated
// reject changes nothing.
func (m *Machine) Reject(ctx context.Context, invoiceID, deliveryNoteID string, meta Meta) (bool, error) {
	const op = "Reject"
	if err := requireIDs(op, invoiceID, deliveryNoteID); err != nil {
		return false, err
	}
	if _, err := m.docs.GetInvoice(ctx, invoiceID); err != nil {
		return false, err
	}
	if _, err := m.docs.GetDeliveryNote(ctx, deliveryNoteID); err != nil {
		return false, err
	}

	cur, hasCur, err := m.repo.CurrentPair(ctx, invoiceID)
	if err != nil {
		return false, fmt.Errorf("reject: current pair: %w", err)
	}
	rejected, err := m.isRejected(ctx, invoiceID, deliveryNoteID)
	if err != nil {
		return false, err
	}
	holds := hasCur && cur.DeliveryNoteID == deliveryNoteID
	if rejected && !holds {
		return false, nil
	}

	now := m.now()
	tx := &Transition{}
	if !rejected {
		tx.AddRejections = append(tx.AddRejections, ir.Rejection{
			InvoiceID:      invoiceID,
			DeliveryNoteID: deliveryNoteID,
			ActionID:       meta.ActionID,
			Actor:          meta.actor(),
			At:             now,
		})
	}

	rec := ir.AuditRecord{
		InvoiceID:      invoiceID,
		DeliveryNoteID: deliveryNoteID,
		PrevStatus:     ir.StatusUnmatched,
		NewStatus:      ir.StatusUnmatched,
		Reasons:        []ir.ReasonCode{ir.ReasonRejected},
	}
	if hasCur {
		rec.PrevStatus, rec.NewStatus = cur.Status, cur.Status
	}
	if holds {
		tx.Pairs = append(tx.Pairs, supersede(cur, "", meta.ActionID, now))
		rec.PairID = cur.ID
		rec.NewStatus = ir.StatusUnmatched
	}
	tx.Audit = append(tx.Audit, m.record(meta, ir.AuditReject, now, rec))

	if err := m.commit(ctx, op, tx); err != nil {
		return false, err
	}
	return true, nil
}

// ClearRejections forgets every rejection recorded for an invoice so its
// candidates can be offered again. It returns how many were removed.
func (m *Machine) ClearRejections(ctx context.Context, invoiceID string) (int, error) {
	if err := requireIDs("ClearRejections", invoiceID); err != nil {
		return 0, err
	}
	rejections, err := m.repo.Rejections(ctx, invoiceID)
	if err != nil {
		return 0, fmt.Errorf("clear rejections: %w", err)
	}
	tx := &Transition{}
	for _, rj := range rejections {
		tx.RemoveRejections = append(tx.RemoveRejections, RejectionKey{
			InvoiceID:      rj.InvoiceID,
			DeliveryNoteID: rj.DeliveryNoteID,
		})
	}
	if tx.Empty() {
		return 0, nil
	}
	if err := m.commit(ctx, "ClearRejections", tx); err != nil {
		return 0, err
	}
	return len(rejections), nil
}

// Override replaces the delivery note of a current pair. The pair is
// superseded and the invoice is re-scored and re-reconciled against the new
// note.
func (m *Machine) Override(ctx context.Context, pairID, deliveryNoteID string, meta Meta) (ir.MatchingPair, error) {
	const op = "Override"
	if err := requireIDs(op, pairID, deliveryNoteID); err != nil {
		return ir.MatchingPair{}, err
	}
	old, err := m.repo.Pair(ctx, pairID)
	if err != nil {
		return ir.MatchingPair{}, err
	}
	if old.Superseded {
		e := ir.Errorf(ir.KindStateConflict, op, "pair is superseded by %s", old.SupersededBy)
		e.InvoiceID, e.PairID = old.InvoiceID, old.ID
		return ir.MatchingPair{}, e
	}
	inv, dn, err := m.documents(ctx, op, old.InvoiceID, deliveryNoteID)
	if err != nil {
		return ir.MatchingPair{}, err
	}
	if err := m.checkClaim(ctx, op, old.InvoiceID, deliveryNoteID); err != nil {
		return ir.MatchingPair{}, err
	}

	now := m.now()
	pair := m.assess(m.ids.Generate(), inv, dn)
	m.stampPair(&pair, meta, now)
	pair.Supersedes = old.ID
	pair.Reasons = ir.AppendReason(pair.Reasons, ir.ReasonOverridden)

	tx := &Transition{
		Pairs: []ir.MatchingPair{supersede(old, pair.ID, meta.ActionID, now), pair},
	}
	tx.Audit = append(tx.Audit, m.record(meta, meta.cause(ir.AuditOverride), now, ir.AuditRecord{
		PairID:         pair.ID,
		InvoiceID:      old.InvoiceID,
		DeliveryNoteID: deliveryNoteID,
		PrevStatus:     old.Status,
		NewStatus:      pair.Status,
		Reasons:        pair.Reasons,
	}))

	if err := m.commit(ctx, op, tx); err != nil {
		return ir.MatchingPair{}, err
	}
	return pair, nil
}

// Reconcile recomputes a pair's diffs from the stored documents under the
// current policy and updates the pair in place.
//
// A matched pair whose lines no longer all agree becomes conflict with
// RECONCILE_DRIFT, and stays so until its lines agree again. Other statuses
// follow Evaluate. An unchanged result writes nothing, and superseded pairs
// are returned as stored.
func (m *Machine) Reconcile(ctx context.Context, pairID string, meta Meta) (ir.MatchingPair, error) {
	const op = "Reconcile"
	if err := requireIDs(op, pairID); err != nil {
		return ir.MatchingPair{}, err
	}
	old, err := m.repo.Pair(ctx, pairID)
	if err != nil {
		return ir.MatchingPair{}, err
	}
	if old.Superseded {
		return old, nil
	}
	inv, dn, err := m.documents(ctx, op, old.InvoiceID, old.DeliveryNoteID)
	if err != nil {
		return ir.MatchingPair{}, err
	}

	fresh := m.assess(old.ID, inv, dn)
	drifted := old.Status == ir.StatusMatched || old.HasReason(ir.ReasonReconcileDrift)
	if drifted && fresh.Status != ir.StatusMatched {
		fresh.Status = ir.StatusConflict
		fresh.Reasons = ir.AppendReason(fresh.Reasons, ir.ReasonReconcileDrift)
	}
	for _, code := range []ir.ReasonCode{ir.ReasonOverridden, ir.ReasonAutoMatched} {
		if old.HasReason(code) {
			fresh.Reasons = ir.AppendReason(fresh.Reasons, code)
		}
	}

	same, err := sameAssessment(old, fresh)
	if err != nil {
		return ir.MatchingPair{}, fmt.Errorf("reconcile: compare: %w", err)
	}
	if same {
		if err := m.writeBackPair(ctx, old); err != nil {
			return ir.MatchingPair{}, err
		}
		return old, nil
	}

	now := m.now()
	updated := old
	updated.Confidence = fresh.Confidence
	updated.Breakdown = fresh.Breakdown
	updated.Status = fresh.Status
	updated.LineDiffs = fresh.LineDiffs
	updated.Reasons = fresh.Reasons
	updated.UpdatedAt = now

	tx := &Transition{Pairs: []ir.MatchingPair{updated}}
	tx.Audit = append(tx.Audit, m.record(meta, ir.AuditReconcile, now, ir.AuditRecord{
		PairID:         updated.ID,
		InvoiceID:      updated.InvoiceID,
		DeliveryNoteID: updated.DeliveryNoteID,
		PrevStatus:     old.Status,
		NewStatus:      updated.Status,
		Reasons:        updated.Reasons,
	}))
	if err := m.writeBackPair(ctx, updated); err != nil {
		return ir.MatchingPair{}, err
	}
	if err := m.commit(ctx, op, tx); err != nil {
		return ir.MatchingPair{}, err
	}
	return updated, nil
}

// writeBackPair hands a delivered, current pair to the write-back. Pending
// pairs reach the store with their own action.
func (m *Machine) writeBackPair(ctx context.Context, p ir.MatchingPair) error {
	if m.writeBack == nil || p.Superseded || p.Pending {
		return nil
	}
	return m.writeBack(ctx, p)
}

// Adopt moves the optimistic effects of a cancelled action onto the action
// that cancelled it: pairs it created or superseded are delivered, acknowledged
// or reverted together with by. The cancelled action's pairs keep their
// pending marker.
func (m *Machine) Adopt(ctx context.Context, cancelledID, byID string) error {
	if cancelledID == "" || byID == "" {
		return ir.Errorf(ir.KindInput, "Adopt", "action ids must not be empty")
	}
	created, err := m.repo.PairsByAction(ctx, cancelledID)
	if err != nil {
		return fmt.Errorf("adopt: created pairs: %w", err)
	}
	superseded, err := m.repo.PairsSupersededByAction(ctx, cancelledID)
	if err != nil {
		return fmt.Errorf("adopt: superseded pairs: %w", err)
	}

	now := m.now()
	index := map[string]int{}
	tx := &Transition{}
	touch := func(p ir.MatchingPair) *ir.MatchingPair {
		if i, ok := index[p.ID]; ok {
			return &tx.Pairs[i]
		}
		p.UpdatedAt = now
		tx.Pairs = append(tx.Pairs, p)
		index[p.ID] = len(tx.Pairs) - 1
		return &tx.Pairs[len(tx.Pairs)-1]
	}
	for _, p := range created {
		touch(p).ActionID = byID
	}
	for _, p := range superseded {
		touch(p).SupersededByAction = byID
	}
	if tx.Empty() {
		return nil
	}
	return m.commit(ctx, "Adopt", tx)
}

// Acknowledge clears the pending marker on pairs created by a delivered
// action. Unknown actions are ignored.
func (m *Machine) Acknowledge(ctx context.Context, actionID string) error {
	pairs, err := m.repo.PairsByAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	tx := &Transition{}
	now := m.now()
	for _, p := range pairs {
		if !p.Pending {
			continue
		}
		p.Pending = false
		p.UpdatedAt = now
		tx.Pairs = append(tx.Pairs, p)
	}
	if tx.Empty() {
		return nil
	}
	return m.commit(ctx, "Acknowledge", tx)
}

// Revert undoes the optimistic effects of an action that could not be
// delivered. Pairs it created are superseded with DISPATCH_FAILED, rejections
// it recorded are removed, and when the invoice is left without a current
// pair the pair the action superseded is restored as a new pair.
func (m *Machine) Revert(ctx context.Context, action ir.QueuedAction, meta Meta) error {
	const op = "Revert"
	created, err := m.repo.PairsByAction(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("revert: created pairs: %w", err)
	}
	prior, err := m.repo.PairsSupersededByAction(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("revert: superseded pairs: %w", err)
	}
	rejections, err := m.repo.RejectionsByAction(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("revert: rejections: %w", err)
	}
	cur, hasCur, err := m.repo.CurrentPair(ctx, action.InvoiceID)
	if err != nil {
		return fmt.Errorf("revert: current pair: %w", err)
	}

	now := m.now()
	tx := &Transition{}
	rec := ir.AuditRecord{
		InvoiceID:      action.InvoiceID,
		DeliveryNoteID: action.DeliveryNoteID,
		PrevStatus:     ir.StatusUnmatched,
		NewStatus:      ir.StatusUnmatched,
		Reasons:        []ir.ReasonCode{ir.ReasonDispatchFailed},
	}
	if hasCur {
		rec.PrevStatus, rec.NewStatus = cur.Status, cur.Status
	}

	failedIdx := -1
	for _, p := range created {
		switch {
		case !p.Superseded:
			failed := supersede(p, "", "", now)
			failed.Pending = false
			failed.Reasons = ir.AppendReason(failed.Reasons, ir.ReasonDispatchFailed)
			tx.Pairs = append(tx.Pairs, failed)
			failedIdx = len(tx.Pairs) - 1
			hasCur = false
			rec.PairID = p.ID
			rec.NewStatus = ir.StatusUnmatched
		case p.Pending:
			p.Pending = false
			p.UpdatedAt = now
			tx.Pairs = append(tx.Pairs, p)
		}
	}
	for _, rj := range rejections {
		tx.RemoveRejections = append(tx.RemoveRejections, RejectionKey{
			InvoiceID:      rj.InvoiceID,
			DeliveryNoteID: rj.DeliveryNoteID,
		})
	}

	if !hasCur {
		if last, ok := m.lastDelivered(action.ID, prior); ok {
			restored, ok, err := m.restore(ctx, last, meta, now)
			if err != nil {
				return err
			}
			if ok {
				if failedIdx >= 0 {
					tx.Pairs[failedIdx].SupersededBy = restored.ID
					restored.Supersedes = tx.Pairs[failedIdx].ID
				}
				tx.Pairs = append(tx.Pairs, restored)
				rec.PairID = restored.ID
				rec.DeliveryNoteID = restored.DeliveryNoteID
				rec.NewStatus = restored.Status
			}
		}
	}

	if tx.Empty() {
		return nil
	}
	tx.Audit = append(tx.Audit, m.record(meta, ir.AuditRevert, now, rec))
	m.log.WithFields(logrus.Fields{
		"invoice_id": action.InvoiceID,
		"action_id":  action.ID,
		"kind":       action.Kind,
	}).Warn("reverted undeliverable action")
	return m.commit(ctx, op, tx)
}

// lastDelivered picks the newest of the pairs an action superseded that the
// store is known to hold. Pairs created by the reverted action itself, or by
// actions still queued or failed, were never delivered.
func (m *Machine) lastDelivered(actionID string, prior []ir.MatchingPair) (ir.MatchingPair, bool) {
	for i := len(prior) - 1; i >= 0; i-- {
		p := prior[i]
		if p.ActionID == "" {
			return p, true
		}
		if p.ActionID == actionID || p.Pending {
			continue
		}
		if m.unsettled != nil && m.unsettled(p.ActionID) {
			continue
		}
		return p, true
	}
	return ir.MatchingPair{}, false
}

// restore re-issues a superseded pair as a new current pair, unless its
// delivery note has since been matched by another invoice.
func (m *Machine) restore(ctx context.Context, p ir.MatchingPair, meta Meta, now time.Time) (ir.MatchingPair, bool, error) {
	claim, claimed, err := m.repo.ClaimingPair(ctx, p.DeliveryNoteID)
	if err != nil {
		return ir.MatchingPair{}, false, fmt.Errorf("revert: claim: %w", err)
	}
	if claimed && claim.InvoiceID != p.InvoiceID {
		return ir.MatchingPair{}, false, nil
	}
	oldID := p.ID
	p = clonePair(p)
	p.ID = m.ids.Generate()
	p.Supersedes = oldID
	p.Superseded = false
	p.SupersededBy = ""
	p.SupersededByAction = ""
	p.ActionID = ""
	p.Pending = false
	p.Actor = meta.actor()
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range p.LineDiffs {
		d := &p.LineDiffs[i]
		d.ID = ir.LineDiffID(p.ID, d.InvoiceLineRef, d.DeliveryLineRef, d.Synthetic)
	}
	for i := range p.LineDiffs {
		d := &p.LineDiffs[i]
		if d.Synthetic && i > 0 {
			d.ParentID = p.LineDiffs[i-1].ID
		}
	}
	return p, true, nil
}

// assess scores, reconciles and evaluates one (invoice, delivery note) pair.
func (m *Machine) assess(pairID string, inv ir.Invoice, dn ir.DeliveryNote) ir.MatchingPair {
	res := m.scorer.Score(inv, dn)
	diffs := m.scorer.Reconciler().Reconcile(pairID, inv.Lines, dn.Lines)
	diffs = m.policy.Apply(pairID, diffs)
	status, reasons := Evaluate(m.cfg, res, diffs)
	return ir.MatchingPair{
		ID:             pairID,
		InvoiceID:      inv.ID,
		DeliveryNoteID: dn.ID,
		Confidence:     res.Confidence,
		Breakdown:      res.Breakdown,
		Status:         status,
		LineDiffs:      diffs,
		Reasons:        reasons,
	}
}

func (m *Machine) stampPair(p *ir.MatchingPair, meta Meta, now time.Time) {
	p.Actor = meta.actor()
	p.ActionID = meta.ActionID
	p.Pending = meta.Pending
	p.CreatedAt = now
	p.UpdatedAt = now
}

func (m *Machine) record(meta Meta, action ir.AuditAction, now time.Time, rec ir.AuditRecord) ir.AuditRecord {
	rec.ID = m.ids.Generate()
	rec.ActionID = meta.ActionID
	rec.Actor = meta.actor()
	rec.Action = action
	rec.At = now
	return rec
}

// documents loads and validates both documents of a pairing.
func (m *Machine) documents(ctx context.Context, op, invoiceID, deliveryNoteID string) (ir.Invoice, ir.DeliveryNote, error) {
	if err := requireIDs(op, invoiceID, deliveryNoteID); err != nil {
		return ir.Invoice{}, ir.DeliveryNote{}, err
	}
	inv, err := m.docs.GetInvoice(ctx, invoiceID)
	if err != nil {
		return ir.Invoice{}, ir.DeliveryNote{}, err
	}
	dn, err := m.docs.GetDeliveryNote(ctx, deliveryNoteID)
	if err != nil {
		return ir.Invoice{}, ir.DeliveryNote{}, err
	}
	if err := reconcile.ValidateLines(op, inv.ID, inv.Lines); err != nil {
		return ir.Invoice{}, ir.DeliveryNote{}, err
	}
	if err := reconcile.ValidateLines(op, dn.ID, dn.Lines); err != nil {
		return ir.Invoice{}, ir.DeliveryNote{}, err
	}
	return inv, dn, nil
}

func (m *Machine) checkClaim(ctx context.Context, op, invoiceID, deliveryNoteID string) error {
	claim, claimed, err := m.repo.ClaimingPair(ctx, deliveryNoteID)
	if err != nil {
		return fmt.Errorf("%s: claim: %w", op, err)
	}
	if claimed && claim.InvoiceID != invoiceID {
		e := ir.Errorf(ir.KindStateConflict, op, "delivery note is matched to invoice %s", claim.InvoiceID)
		e.InvoiceID, e.DeliveryNoteID, e.PairID = invoiceID, deliveryNoteID, claim.ID
		return e
	}
	return nil
}

func (m *Machine) isRejected(ctx context.Context, invoiceID, deliveryNoteID string) (bool, error) {
	rejections, err := m.repo.Rejections(ctx, invoiceID)
	if err != nil {
		return false, fmt.Errorf("rejections: %w", err)
	}
	for _, rj := range rejections {
		if rj.DeliveryNoteID == deliveryNoteID {
			return true, nil
		}
	}
	return false, nil
}

// commit stores tx and then publishes its audit records. Publishing
// failures are logged; the committed state stands.
func (m *Machine) commit(ctx context.Context, op string, tx *Transition) error {
	if err := m.repo.Commit(ctx, tx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	if m.sink == nil || len(tx.Audit) == 0 {
		return nil
	}
	if err := m.sink.Publish(ctx, tx.Audit); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"invoice_id": tx.Audit[0].InvoiceID,
			"pair_id":    tx.Audit[0].PairID,
		}).Warn("audit publish failed")
	}
	return nil
}

// supersede marks p as replaced by pairID (empty when nothing replaces it).
func supersede(p ir.MatchingPair, pairID, actionID string, now time.Time) ir.MatchingPair {
	p = clonePair(p)
	p.Superseded = true
	p.SupersededBy = pairID
	p.SupersededByAction = actionID
	p.UpdatedAt = now
	return p
}

func requireIDs(op string, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return ir.Errorf(ir.KindInput, op, "id must not be empty")
		}
	}
	return nil
}

// assessment is the part of a pair that reconciliation recomputes.
type assessment struct {
	Confidence float64           `json:"confidence"`
	Breakdown  ir.ScoreBreakdown `json:"breakdown"`
	Status     ir.PairStatus     `json:"status"`
	LineDiffs  []ir.LineDiff     `json:"line_diffs"`
	Reasons    []ir.ReasonCode   `json:"reasons"`
}

// sameAssessment compares through JSON so decimals with equal values but
// different scales compare equal.
func sameAssessment(a, b ir.MatchingPair) (bool, error) {
	x, err := json.Marshal(assessment{a.Confidence, a.Breakdown, a.Status, a.LineDiffs, a.Reasons})
	if err != nil {
		return false, err
	}
	y, err := json.Marshal(assessment{b.Confidence, b.Breakdown, b.Status, b.LineDiffs, b.Reasons})
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}
