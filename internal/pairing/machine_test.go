package pairing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/policy"
	"github.com/roach88/pairwise/internal/scoring"
	"github.com/roach88/pairwise/internal/testutil"
)

type fixture struct {
	docs *testutil.MemoryDocStore
	repo *MemoryRepository
	m    *Machine
}

func newFixture(t *testing.T, pcfg policy.Config, opts ...Option) *fixture {
	t.Helper()
	docs := testutil.NewMemoryDocStore()
	docs.AddInvoice(testutil.StoriInvoice("INV-1"))
	repo := NewMemoryRepository()
	clock := testutil.NewDeterministicClock()
	base := []Option{
		WithIDGenerator(ir.NewSequenceGenerator("id")),
		WithNow(clock.Now),
	}
	m := New(repo, docs, scoring.New(scoring.DefaultConfig(), nil), policy.New(pcfg), DefaultConfig(), append(base, opts...)...)
	return &fixture{docs: docs, repo: repo, m: m}
}

func (f *fixture) audit(t *testing.T, invoiceID string) []ir.AuditRecord {
	t.Helper()
	log, err := f.repo.AuditLog(context.Background(), invoiceID)
	require.NoError(t, err)
	return log
}

func (f *fixture) current(t *testing.T, invoiceID string) (ir.MatchingPair, bool) {
	t.Helper()
	p, ok, err := f.repo.CurrentPair(context.Background(), invoiceID)
	require.NoError(t, err)
	return p, ok
}

func TestConfirmFullDeliveryIsMatched(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))

	pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{Actor: "alice"})
	require.NoError(t, err)

	assert.Equal(t, ir.StatusMatched, pair.Status)
	assert.Equal(t, 100.0, pair.Confidence)
	assert.Equal(t, "alice", pair.Actor)
	assert.Contains(t, pair.Reasons, ir.ReasonSupplierExact)
	require.Len(t, pair.LineDiffs, 1)
	assert.Equal(t, ir.LineOK, pair.LineDiffs[0].Status)

	cur, ok := f.current(t, "INV-1")
	require.True(t, ok)
	assert.Equal(t, pair.ID, cur.ID)

	log := f.audit(t, "INV-1")
	require.Len(t, log, 1)
	assert.Equal(t, ir.AuditConfirm, log[0].Action)
	assert.Equal(t, ir.StatusUnmatched, log[0].PrevStatus)
	assert.Equal(t, ir.StatusMatched, log[0].NewStatus)
	assert.Equal(t, int64(1), log[0].Seq)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	first, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{Actor: "alice"})
	require.NoError(t, err)
	second, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{Actor: "bob"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	history, err := f.repo.PairHistory(ctx, "INV-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, f.audit(t, "INV-1"), 1)
}

func TestConfirmShortDeliveryWithinToleranceIsPartial(t *testing.T) {
	f := newFixture(t, policy.Config{QtyTolerancePct: 10})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))

	pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	assert.Equal(t, ir.StatusPartial, pair.Status)
	assert.Equal(t, SystemActor, pair.Actor)
	require.Len(t, pair.LineDiffs, 1)
	assert.Equal(t, ir.LineQtyMismatch, pair.LineDiffs[0].Effective())
	assert.Contains(t, pair.Reasons, ir.ReasonManyMismatches)
}

func TestMatchedIffAllLinesEffectivelyOK(t *testing.T) {
	cases := []struct {
		name   string
		policy policy.Config
		qty    string
	}{
		{"exact", policy.Config{}, "2"},
		{"short strict", policy.Config{}, "1"},
		{"short tolerant", policy.Config{QtyTolerancePct: 60}, "1"},
		{"short split", policy.Config{AutoSplit: true}, "1"},
		{"over delivery", policy.Config{QtyTolerancePct: 10}, "3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.policy)
			f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, tc.qty))

			pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{})
			require.NoError(t, err)
			assert.Equal(t, policy.AllOK(pair.LineDiffs), pair.Status == ir.StatusMatched)
		})
	}
}

func TestConfirmAutoSplitAddsRemainder(t *testing.T) {
	f := newFixture(t, policy.Config{AutoSplit: true})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))

	pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	require.Len(t, pair.LineDiffs, 2)
	assert.True(t, pair.LineDiffs[0].AutoApplied)
	assert.True(t, pair.LineDiffs[1].Synthetic)
	assert.Equal(t, pair.LineDiffs[0].ID, pair.LineDiffs[1].ParentID)
	assert.Equal(t, ir.StatusPartial, pair.Status)
	assert.Contains(t, pair.Reasons, ir.ReasonAutoApplied)
}

func TestConfirmOverMatchedPairIsStateConflict(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 1, "2"))
	ctx := context.Background()

	_, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	_, err = f.m.Confirm(ctx, "INV-1", "DN-2", Meta{})
	require.Error(t, err)
	assert.True(t, ir.IsStateConflict(err))
	assert.Len(t, f.audit(t, "INV-1"), 1)
}

func TestConfirmReplacesPartialPair(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 0, "2"))
	ctx := context.Background()

	first, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	require.Equal(t, ir.StatusPartial, first.Status)

	second, err := f.m.Confirm(ctx, "INV-1", "DN-2", Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusMatched, second.Status)
	assert.Equal(t, first.ID, second.Supersedes)

	old, err := f.repo.Pair(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
	assert.Equal(t, second.ID, old.SupersededBy)

	log := f.audit(t, "INV-1")
	require.Len(t, log, 2)
	assert.Equal(t, ir.StatusPartial, log[1].PrevStatus)
}

func TestConfirmClaimedNoteIsStateConflict(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddInvoice(testutil.StoriInvoice("INV-2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	_, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	_, err = f.m.Confirm(ctx, "INV-2", "DN-1", Meta{})
	require.Error(t, err)
	assert.True(t, ir.IsStateConflict(err))

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "INV-2", e.InvoiceID)
	assert.Equal(t, "DN-1", e.DeliveryNoteID)
}

func TestConfirmErrors(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	bad := testutil.StoriNote("DN-bad", 0, "2")
	bad.Lines = append(bad.Lines, testutil.Line("", "", "1", ""))
	f.docs.AddDeliveryNote(bad)
	ctx := context.Background()

	_, err := f.m.Confirm(ctx, "", "DN-1", Meta{})
	assert.True(t, ir.IsInputError(err))

	_, err = f.m.Confirm(ctx, "INV-404", "DN-1", Meta{})
	assert.True(t, ir.IsNotFound(err))

	_, err = f.m.Confirm(ctx, "INV-1", "DN-404", Meta{})
	assert.True(t, ir.IsNotFound(err))

	_, err = f.m.Confirm(ctx, "INV-1", "DN-bad", Meta{})
	assert.True(t, ir.IsInputError(err))

	_, ok := f.current(t, "INV-1")
	assert.False(t, ok)
}

func TestEvaluate(t *testing.T) {
	qtyOff := []ir.LineDiff{{InvoiceLineRef: "L1", DeliveryLineRef: "L1", Status: ir.LineQtyMismatch, QtyMismatch: true}}
	ok := []ir.LineDiff{{InvoiceLineRef: "L1", DeliveryLineRef: "L1", Status: ir.LineOK}}

	strong := scoring.Result{
		Confidence: 65,
		Breakdown:  ir.MustScoreBreakdown(40, 25, 0, 0),
		Reasons:    []ir.ReasonCode{ir.ReasonSupplierExact, ir.ReasonDateSame, ir.ReasonLinesNoOverlap, ir.ReasonValueMismatch},
	}
	weak := scoring.Result{
		Confidence: 35,
		Breakdown:  ir.MustScoreBreakdown(0, 0, 30, 5),
		Reasons:    []ir.ReasonCode{ir.ReasonSupplierMismatch, ir.ReasonDateOutside, ir.ReasonLinesFullOverlap, ir.ReasonValueMatch},
	}
	partial := scoring.Result{
		Confidence: 75,
		Breakdown:  ir.MustScoreBreakdown(40, 0, 30, 5),
		Reasons:    []ir.ReasonCode{ir.ReasonSupplierExact, ir.ReasonDateOutside, ir.ReasonLinesFullOverlap, ir.ReasonValueMatch},
	}

	tests := []struct {
		name   string
		score  scoring.Result
		diffs  []ir.LineDiff
		status ir.PairStatus
		reason ir.ReasonCode
	}{
		{"all ok wins over value", strong, ok, ir.StatusMatched, ir.ReasonValueMismatch},
		{"value contradicts", strong, qtyOff, ir.StatusConflict, ir.ReasonConflictValueContradict},
		{"above threshold", partial, qtyOff, ir.StatusPartial, ir.ReasonManyMismatches},
		{"below threshold", weak, qtyOff, ir.StatusConflict, ir.ReasonLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reasons := Evaluate(DefaultConfig(), tt.score, tt.diffs)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, reasons, tt.reason)
		})
	}
}

func TestEvaluateLowCoverage(t *testing.T) {
	diffs := []ir.LineDiff{
		{InvoiceLineRef: "L1", DeliveryLineRef: "L1", Status: ir.LineOK},
		{InvoiceLineRef: "L2", Status: ir.LineMissingOnDN},
		{InvoiceLineRef: "L3", Status: ir.LineMissingOnDN},
	}
	score := scoring.Result{Confidence: 80, Breakdown: ir.MustScoreBreakdown(40, 25, 10, 5)}

	status, reasons := Evaluate(DefaultConfig(), score, diffs)
	assert.Equal(t, ir.StatusPartial, status)
	assert.Contains(t, reasons, ir.ReasonLowLineCoverage)
	assert.NotContains(t, reasons, ir.ReasonManyMismatches)
}

func TestConfirmContradictoryValueIsConflict(t *testing.T) {
	f := newFixture(t, policy.Config{})
	dn := testutil.StoriNote("DN-1", 0, "1")
	dn.Total = testutil.Money("500.00")
	f.docs.AddDeliveryNote(dn)

	pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusConflict, pair.Status)
	assert.True(t, pair.HasReason(ir.ReasonConflictValueContradict))
}

func TestConfirmLowConfidenceIsConflict(t *testing.T) {
	f := newFixture(t, policy.Config{})
	dn := testutil.StoriNote("DN-1", 10, "1")
	dn.SupplierName = "Brewdog"
	f.docs.AddDeliveryNote(dn)

	pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusConflict, pair.Status)
	assert.True(t, pair.HasReason(ir.ReasonLowConfidence))
}

func TestRejectSupersedesCurrentPair(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	changed, err := f.m.Reject(ctx, "INV-1", "DN-1", Meta{Actor: "alice"})
	require.NoError(t, err)
	assert.True(t, changed)

	_, ok := f.current(t, "INV-1")
	assert.False(t, ok)

	old, err := f.repo.Pair(ctx, pair.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	rejections, err := f.repo.Rejections(ctx, "INV-1")
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, "alice", rejections[0].Actor)

	log := f.audit(t, "INV-1")
	require.Len(t, log, 2)
	assert.Equal(t, ir.AuditReject, log[1].Action)
	assert.Equal(t, ir.StatusMatched, log[1].PrevStatus)
	assert.Equal(t, ir.StatusUnmatched, log[1].NewStatus)
}

func TestRejectIsIdempotent(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	changed, err := f.m.Reject(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.m.Reject(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	assert.False(t, changed)

	rejections, err := f.repo.Rejections(ctx, "INV-1")
	require.NoError(t, err)
	assert.Len(t, rejections, 1)
	assert.Len(t, f.audit(t, "INV-1"), 1)
}

func TestClearRejections(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 1, "2"))
	ctx := context.Background()

	for _, dn := range []string{"DN-1", "DN-2"} {
		_, err := f.m.Reject(ctx, "INV-1", dn, Meta{})
		require.NoError(t, err)
	}

	n, err := f.m.ClearRejections(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rejections, err := f.repo.Rejections(ctx, "INV-1")
	require.NoError(t, err)
	assert.Empty(t, rejections)

	n, err = f.m.ClearRejections(ctx, "INV-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.m.ClearRejections(ctx, "")
	assert.True(t, ir.IsInputError(err))
}

func TestRejectOtherNoteKeepsCurrentPair(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 1, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	_, err = f.m.Reject(ctx, "INV-1", "DN-2", Meta{})
	require.NoError(t, err)

	cur, ok := f.current(t, "INV-1")
	require.True(t, ok)
	assert.Equal(t, pair.ID, cur.ID)
}

func TestOverrideReplacesDeliveryNote(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 4, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	over, err := f.m.Override(ctx, pair.ID, "DN-2", Meta{Actor: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "DN-2", over.DeliveryNoteID)
	assert.Equal(t, pair.ID, over.Supersedes)
	assert.Equal(t, 75.0, over.Confidence)
	assert.True(t, over.HasReason(ir.ReasonOverridden))

	_, err = f.m.Override(ctx, pair.ID, "DN-1", Meta{})
	require.Error(t, err)
	assert.True(t, ir.IsStateConflict(err), "superseded pairs cannot be overridden")

	_, err = f.m.Override(ctx, "missing", "DN-1", Meta{})
	assert.True(t, ir.IsNotFound(err))

	log := f.audit(t, "INV-1")
	require.Len(t, log, 2)
	assert.Equal(t, ir.AuditOverride, log[1].Action)
	assert.Equal(t, "bob", log[1].Actor)
}

func TestReconcileUnchangedWritesNothing(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	again, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, pair.UpdatedAt, again.UpdatedAt)
	assert.Len(t, f.audit(t, "INV-1"), 1)
}

func TestReconcileDriftMovesMatchedToConflict(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	require.Equal(t, ir.StatusMatched, pair.Status)

	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	drifted, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, pair.ID, drifted.ID)
	assert.Equal(t, ir.StatusConflict, drifted.Status)
	assert.True(t, drifted.HasReason(ir.ReasonReconcileDrift))
	assert.Equal(t, pair.LineDiffs[0].ID, drifted.LineDiffs[0].ID)
	assert.Len(t, f.audit(t, "INV-1"), 2)

	again, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusConflict, again.Status)
	assert.Len(t, f.audit(t, "INV-1"), 2, "second reconcile is a no-op")

	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	healed, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusMatched, healed.Status)
	assert.False(t, healed.HasReason(ir.ReasonReconcileDrift))
}

func TestReconcileSupersededPairIsReadOnly(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)
	_, err = f.m.Reject(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	got, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusMatched, got.Status)
	assert.Len(t, f.audit(t, "INV-1"), 2)
}

func TestReconcileWritesBackBeforeCommit(t *testing.T) {
	outage := errors.New("connection reset")
	var written []ir.MatchingPair
	var fail error
	f := newFixture(t, policy.Config{}, WithWriteBack(func(_ context.Context, p ir.MatchingPair) error {
		if fail != nil {
			return fail
		}
		written = append(written, p)
		return nil
	}))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	fail = outage
	_, err = f.m.Reconcile(ctx, pair.ID, Meta{})
	require.ErrorIs(t, err, outage)

	unchanged, err := f.repo.Pair(ctx, pair.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusMatched, unchanged.Status, "ledger keeps its state when the write-back fails")
	assert.Len(t, f.audit(t, "INV-1"), 1)

	fail = nil
	drifted, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusConflict, drifted.Status)
	require.Len(t, written, 1)
	assert.Equal(t, ir.StatusConflict, written[0].Status)
	assert.Len(t, f.audit(t, "INV-1"), 2)
}

func TestReconcileSkipsWriteBackForPendingPairs(t *testing.T) {
	calls := 0
	f := newFixture(t, policy.Config{}, WithWriteBack(func(context.Context, ir.MatchingPair) error {
		calls++
		return nil
	}))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{ActionID: "act-1", Pending: true})
	require.NoError(t, err)

	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	drifted, err := f.m.Reconcile(ctx, pair.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusConflict, drifted.Status)
	assert.Zero(t, calls, "pending pairs reach the store with their action")
}

func TestAcknowledgeClearsPending(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	pair, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{ActionID: "act-1", Pending: true})
	require.NoError(t, err)
	assert.True(t, pair.Pending)
	assert.Equal(t, "act-1", pair.ActionID)

	require.NoError(t, f.m.Acknowledge(ctx, "act-1"))
	cur, ok := f.current(t, "INV-1")
	require.True(t, ok)
	assert.False(t, cur.Pending)

	require.NoError(t, f.m.Acknowledge(ctx, "unknown"))
}

func TestRevertRestoresSupersededPair(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 0, "2"))
	ctx := context.Background()

	original, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	action := ir.QueuedAction{ID: "act-1", Kind: ir.ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-2"}
	optimistic, err := f.m.Confirm(ctx, "INV-1", "DN-2", Meta{ActionID: action.ID, Pending: true})
	require.NoError(t, err)

	require.NoError(t, f.m.Revert(ctx, action, Meta{}))

	failed, err := f.repo.Pair(ctx, optimistic.ID)
	require.NoError(t, err)
	assert.True(t, failed.Superseded)
	assert.False(t, failed.Pending)
	assert.True(t, failed.HasReason(ir.ReasonDispatchFailed))

	cur, ok := f.current(t, "INV-1")
	require.True(t, ok)
	assert.Equal(t, "DN-1", cur.DeliveryNoteID)
	assert.Equal(t, original.Status, cur.Status)
	assert.NotEqual(t, original.ID, cur.ID)
	assert.Equal(t, optimistic.ID, cur.Supersedes)
	assert.Equal(t, cur.ID, failed.SupersededBy)
	assert.Equal(t, ir.LineDiffID(cur.ID, "L1", "L1", false), cur.LineDiffs[0].ID)

	log := f.audit(t, "INV-1")
	last := log[len(log)-1]
	assert.Equal(t, ir.AuditRevert, last.Action)
	assert.Equal(t, ir.StatusMatched, last.PrevStatus)
	assert.Equal(t, ir.StatusPartial, last.NewStatus)
}

func TestRevertRejectRestoresPairAndRejection(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	ctx := context.Background()

	_, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	action := ir.QueuedAction{ID: "act-9", Kind: ir.ActionReject, InvoiceID: "INV-1", DeliveryNoteID: "DN-1"}
	_, err = f.m.Reject(ctx, "INV-1", "DN-1", Meta{ActionID: action.ID})
	require.NoError(t, err)

	require.NoError(t, f.m.Revert(ctx, action, Meta{}))

	rejections, err := f.repo.Rejections(ctx, "INV-1")
	require.NoError(t, err)
	assert.Empty(t, rejections)

	cur, ok := f.current(t, "INV-1")
	require.True(t, ok)
	assert.Equal(t, "DN-1", cur.DeliveryNoteID)
	assert.Equal(t, ir.StatusMatched, cur.Status)
}

func TestRevertKeepsLaterDecision(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 0, "2"))
	ctx := context.Background()

	action := ir.QueuedAction{ID: "act-1", Kind: ir.ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-1"}
	first, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{ActionID: action.ID, Pending: true})
	require.NoError(t, err)
	later, err := f.m.Override(ctx, first.ID, "DN-2", Meta{})
	require.NoError(t, err)

	require.NoError(t, f.m.Revert(ctx, action, Meta{}))

	cur, ok := f.current(t, "INV-1")
	require.True(t, ok)
	assert.Equal(t, later.ID, cur.ID)

	stale, err := f.repo.Pair(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, stale.Pending)
}

func TestAdoptMovesCancelledPairs(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-0", 0, "1"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 1, "2"))
	ctx := context.Background()

	delivered, err := f.m.Confirm(ctx, "INV-1", "DN-0", Meta{})
	require.NoError(t, err)
	cancelled, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{ActionID: "act-1", Pending: true})
	require.NoError(t, err)
	override, err := f.m.Override(ctx, cancelled.ID, "DN-2", Meta{ActionID: "act-2", Pending: true})
	require.NoError(t, err)

	require.NoError(t, f.m.Adopt(ctx, "act-1", "act-2"))

	created, err := f.repo.PairsByAction(ctx, "act-2")
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, cancelled.ID, created[0].ID)
	assert.True(t, created[0].Pending, "adopted pairs stay pending until act-2 is delivered")
	assert.Equal(t, override.ID, created[1].ID)

	superseded, err := f.repo.PairsSupersededByAction(ctx, "act-2")
	require.NoError(t, err)
	require.Len(t, superseded, 2)
	assert.Equal(t, delivered.ID, superseded[0].ID)
	assert.Equal(t, cancelled.ID, superseded[1].ID)

	leftover, err := f.repo.PairsByAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Empty(t, leftover)

	require.NoError(t, f.m.Adopt(ctx, "act-1", "act-2"), "adopting twice is a no-op")
	assert.True(t, ir.IsInputError(f.m.Adopt(ctx, "", "act-2")))
}

func TestRevertRestoresOnlyDeliveredPairs(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 1, "2"))
	ctx := context.Background()

	first, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{ActionID: "act-1", Pending: true})
	require.NoError(t, err)
	action := ir.QueuedAction{ID: "act-2", Kind: ir.ActionOverride, InvoiceID: "INV-1", DeliveryNoteID: "DN-2", PairID: first.ID}
	_, err = f.m.Override(ctx, first.ID, "DN-2", Meta{ActionID: action.ID, Pending: true})
	require.NoError(t, err)
	require.NoError(t, f.m.Adopt(ctx, "act-1", action.ID))

	require.NoError(t, f.m.Revert(ctx, action, Meta{}))

	_, ok := f.current(t, "INV-1")
	assert.False(t, ok, "a pair the store never received is not restored")
	stale, err := f.repo.Pair(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stale.Superseded)
	assert.False(t, stale.Pending)

	log := f.audit(t, "INV-1")
	last := log[len(log)-1]
	assert.Equal(t, ir.AuditRevert, last.Action)
	assert.Equal(t, ir.StatusUnmatched, last.NewStatus)
}

func TestRevertSkipsPairsOfUnsettledActions(t *testing.T) {
	queued := map[string]bool{"act-1": true}
	f := newFixture(t, policy.Config{}, WithUnsettled(func(id string) bool { return queued[id] }))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "1"))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-2", 0, "2"))
	ctx := context.Background()

	// Pending markers are not persisted, so after a restart only the
	// action id tells the pair was never delivered.
	_, err := f.m.Confirm(ctx, "INV-1", "DN-1", Meta{ActionID: "act-1"})
	require.NoError(t, err)
	action := ir.QueuedAction{ID: "act-2", Kind: ir.ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-2"}
	_, err = f.m.Confirm(ctx, "INV-1", "DN-2", Meta{ActionID: action.ID, Pending: true})
	require.NoError(t, err)

	require.NoError(t, f.m.Revert(ctx, action, Meta{}))
	_, ok := f.current(t, "INV-1")
	assert.False(t, ok)
}

type failingSink struct{ calls int }

func (s *failingSink) Publish(context.Context, []ir.AuditRecord) error {
	s.calls++
	return errors.New("broker down")
}

func TestAuditSinkFailureDoesNotFailTransition(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sink := &failingSink{}
	f := newFixture(t, policy.Config{}, WithAuditSink(sink), WithLogger(logger))
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))

	_, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.calls)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Len(t, f.audit(t, "INV-1"), 1)
}

func TestAutoMatchCause(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.docs.AddDeliveryNote(testutil.StoriNote("DN-1", 0, "2"))

	pair, err := f.m.Confirm(context.Background(), "INV-1", "DN-1", Meta{Actor: "auto-match", Cause: ir.AuditAutoMatch})
	require.NoError(t, err)
	assert.True(t, pair.HasReason(ir.ReasonAutoMatched))

	log := f.audit(t, "INV-1")
	require.Len(t, log, 1)
	assert.Equal(t, ir.AuditAutoMatch, log[0].Action)
}

func TestMemoryRepositoryListPairs(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tx := &Transition{Pairs: []ir.MatchingPair{
		{ID: "p1", InvoiceID: "A", Status: ir.StatusMatched},
		{ID: "p2", InvoiceID: "B", Status: ir.StatusPartial},
		{ID: "p3", InvoiceID: "C", Status: ir.StatusMatched, Superseded: true},
		{ID: "p4", InvoiceID: "D", Status: ir.StatusMatched},
	}}
	require.NoError(t, repo.Commit(ctx, tx))

	got, err := repo.ListPairs(ctx, Filter{Status: ir.StatusMatched})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)

	got, err = repo.ListPairs(ctx, Filter{IncludeSuperseded: true, Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p2", got[0].ID)
	assert.Equal(t, "p3", got[1].ID)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[ir.StatusMatched])
	assert.Equal(t, 1, counts[ir.StatusPartial])
}
