package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/testutil"
)

var errNetwork = ir.Errorf(ir.KindDispatch, "Dispatch", "connection refused")

func newQueue(d Dispatcher, opts ...Option) (*Queue, *MemoryPersister) {
	p := NewMemoryPersister()
	cfg := Config{MaxRetries: 3, Concurrency: 2}
	base := []Option{WithIDGenerator(ir.NewSequenceGenerator("act"))}
	return New(d, p, cfg, append(base, opts...)...), p
}

func confirm(invoiceID, deliveryNoteID string) ir.QueuedAction {
	return ir.QueuedAction{Kind: ir.ActionConfirm, InvoiceID: invoiceID, DeliveryNoteID: deliveryNoteID, Actor: "alice"}
}

func reject(invoiceID, deliveryNoteID string) ir.QueuedAction {
	return ir.QueuedAction{Kind: ir.ActionReject, InvoiceID: invoiceID, DeliveryNoteID: deliveryNoteID, Actor: "alice"}
}

func override(invoiceID, pairID, deliveryNoteID string) ir.QueuedAction {
	return ir.QueuedAction{Kind: ir.ActionOverride, InvoiceID: invoiceID, PairID: pairID, DeliveryNoteID: deliveryNoteID, Actor: "alice"}
}

func enqueue(t *testing.T, q *Queue, a ir.QueuedAction) ir.QueuedAction {
	t.Helper()
	stored, _, err := q.Enqueue(context.Background(), a)
	require.NoError(t, err)
	return stored
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Duration(0), cfg.Backoff(0))
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 5*time.Second, cfg.Backoff(4))
	assert.Equal(t, 5*time.Second, cfg.Backoff(30))
}

func TestEnqueueValidates(t *testing.T) {
	q, _ := newQueue(testutil.NewRecordingDispatcher())
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, ir.QueuedAction{Kind: "merge", InvoiceID: "INV-1", DeliveryNoteID: "DN-1"})
	assert.True(t, ir.IsInputError(err))

	_, _, err = q.Enqueue(ctx, ir.QueuedAction{Kind: ir.ActionConfirm, InvoiceID: "INV-1"})
	assert.True(t, ir.IsInputError(err))

	_, _, err = q.Enqueue(ctx, override("INV-1", "", "DN-2"))
	assert.True(t, ir.IsInputError(err))

	assert.Equal(t, 0, q.Len())
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q, p := newQueue(testutil.NewRecordingDispatcher())
	a := enqueue(t, q, confirm("INV-1", "DN-1"))
	b := enqueue(t, q, confirm("INV-2", "DN-9"))

	assert.Equal(t, "act-1", a.ID)
	assert.Equal(t, ir.ActionPending, a.State)
	assert.False(t, a.EnqueuedAt.IsZero())
	assert.Less(t, a.Seq, b.Seq)

	saved, err := p.LoadActions(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestDrainIsFIFOPerInvoice(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	q, p := newQueue(d)
	q.SetOnline(false)

	a1 := enqueue(t, q, confirm("INV-1", "DN-1"))
	b1 := enqueue(t, q, confirm("INV-2", "DN-5"))
	a2 := enqueue(t, q, reject("INV-1", "DN-2"))
	a3 := enqueue(t, q, confirm("INV-1", "DN-3"))

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Succeeded: 4}, res)

	assert.Equal(t, []string{a1.ID, a2.ID, a3.ID}, d.CallsFor("INV-1"))
	assert.Equal(t, []string{b1.ID}, d.CallsFor("INV-2"))
	assert.Equal(t, 0, q.Len())

	saved, err := p.LoadActions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestOfflineConfirmCancelledByOverride(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	var cancelledByHook, cancelledBy []string
	q, _ := newQueue(d, WithHooks(Hooks{
		OnCancelled: func(_ context.Context, a, by ir.QueuedAction) {
			cancelledByHook = append(cancelledByHook, a.ID)
			cancelledBy = append(cancelledBy, by.ID)
		},
	}))
	q.SetOnline(false)

	rj := enqueue(t, q, reject("INV-1", "DN-3"))
	c := enqueue(t, q, confirm("INV-1", "DN-1"))
	other := enqueue(t, q, confirm("INV-2", "DN-7"))
	o, cancelled, err := q.Enqueue(context.Background(), override("INV-1", "pair-1", "DN-2"))
	require.NoError(t, err)

	require.Len(t, cancelled, 1)
	assert.Equal(t, c.ID, cancelled[0].ID)
	assert.Equal(t, []string{c.ID}, cancelledByHook)
	assert.Equal(t, []string{o.ID}, cancelledBy)

	_, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{rj.ID, o.ID}, d.CallsFor("INV-1"), "the reject is kept, the superseded confirm is never sent")
	assert.Equal(t, []string{other.ID}, d.CallsFor("INV-2"))
}

func TestRejectCancelsActionsOnSameNote(t *testing.T) {
	q, _ := newQueue(testutil.NewRecordingDispatcher())
	q.SetOnline(false)

	same := enqueue(t, q, confirm("INV-1", "DN-1"))
	keep := enqueue(t, q, confirm("INV-1", "DN-2"))
	_, cancelled, err := q.Enqueue(context.Background(), reject("INV-1", "DN-1"))
	require.NoError(t, err)

	require.Len(t, cancelled, 1)
	assert.Equal(t, same.ID, cancelled[0].ID)

	pending := q.PendingFor("INV-1")
	require.Len(t, pending, 2)
	assert.Equal(t, keep.ID, pending[0].ID)
	assert.Equal(t, ir.ActionReject, pending[1].Kind)
}

func TestRejectNeverCancelsRejects(t *testing.T) {
	q, _ := newQueue(testutil.NewRecordingDispatcher())
	q.SetOnline(false)

	first := enqueue(t, q, reject("INV-1", "DN-1"))
	_, cancelled, err := q.Enqueue(context.Background(), reject("INV-1", "DN-1"))
	require.NoError(t, err)
	assert.Empty(t, cancelled)
	assert.Equal(t, first.ID, q.PendingFor("INV-1")[0].ID)
}

func TestConcurrentEnqueueKeepsSeqInFIFOOrder(t *testing.T) {
	q, _ := newQueue(testutil.NewRecordingDispatcher())
	q.SetOnline(false)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := q.Enqueue(context.Background(), confirm("INV-1", fmt.Sprintf("DN-%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pending := q.PendingFor("INV-1")
	require.Len(t, pending, 50)
	for i := 1; i < len(pending); i++ {
		assert.Less(t, pending[i-1].Seq, pending[i].Seq, "fifo position %d", i)
	}
}

func TestDispatchingActionIsNeverCancelled(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	started := make(chan struct{})
	release := make(chan struct{})
	d.Next = func(_ context.Context, a ir.QueuedAction) error {
		if a.Kind == ir.ActionConfirm {
			close(started)
			<-release
		}
		return nil
	}
	q, _ := newQueue(d)
	c := enqueue(t, q, confirm("INV-1", "DN-1"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Flush(context.Background(), "INV-1")
	}()
	<-started

	o, cancelled, err := q.Enqueue(context.Background(), override("INV-1", "pair-1", "DN-2"))
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	close(release)
	wg.Wait()

	assert.Equal(t, []string{c.ID, o.ID}, d.CallIDs())
}

func TestRetryableFailureHoldsInvoiceThenFails(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	d.FailWith(errNetwork, errNetwork, errNetwork, errNetwork)

	var failedErr error
	q, p := newQueue(d, WithHooks(Hooks{
		OnFailed: func(_ context.Context, _ ir.QueuedAction, err error) { failedErr = err },
	}))
	q.SetOnline(false)
	a1 := enqueue(t, q, confirm("INV-1", "DN-1"))
	a2 := enqueue(t, q, confirm("INV-1", "DN-2"))
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Retrying: 1}, res, "attempt %d", attempt)
		assert.Equal(t, attempt, q.PendingFor("INV-1")[0].RetryCount)
	}
	assert.NotContains(t, d.CallIDs(), a2.ID, "later actions wait behind a retrying head")

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Succeeded: 1, Failed: 1}, res)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, a1.ID, failed[0].ID)
	assert.Equal(t, ir.ActionFailed, failed[0].State)
	assert.Contains(t, failed[0].LastError, "connection refused")
	assert.True(t, ir.IsExhausted(failedErr))
	assert.ErrorIs(t, failedErr, errNetwork)

	saved, err := p.LoadActions(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, ir.ActionFailed, saved[0].State)

	assert.Equal(t, []string{a1.ID, a1.ID, a1.ID, a1.ID, a2.ID}, d.CallIDs())
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	d.FailWith(ir.Errorf(ir.KindStateConflict, "ApplyDecision", "already matched"))
	q, _ := newQueue(d)
	q.SetOnline(false)
	enqueue(t, q, confirm("INV-1", "DN-1"))

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)
	assert.Equal(t, 0, q.Failed()[0].RetryCount)
}

func TestUntypedErrorsAreRetried(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	d.FailWith(errors.New("connection reset by peer"))
	q, _ := newQueue(d)
	q.SetOnline(false)
	enqueue(t, q, confirm("INV-1", "DN-1"))

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Retrying: 1}, res)
}

func TestDispatchTimeoutIsRetryable(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	d.BlockUntilContextDone()
	defer d.Unblock()

	q := New(d, NewMemoryPersister(), Config{MaxRetries: 3, DispatchTimeout: 20 * time.Millisecond, Concurrency: 1})
	enqueue(t, q, confirm("INV-1", "DN-1"))

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Retrying: 1}, res)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Contains(t, pending[0].LastError, string(ir.KindDispatch))
}

func TestBackoffDelaysRetry(t *testing.T) {
	clock := testutil.NewDeterministicClockAt(testutil.Epoch, 0)
	d := testutil.NewRecordingDispatcher()
	d.FailWith(errNetwork)

	q := New(d, NewMemoryPersister(), Config{MaxRetries: 3, BaseBackoff: time.Minute, Concurrency: 1}, WithNow(clock.Now))
	q.SetOnline(false)
	enqueue(t, q, confirm("INV-1", "DN-1"))
	ctx := context.Background()

	_, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), q.Pending()[0].NextAttemptAt)

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
	assert.Len(t, d.Calls(), 1)

	clock.Advance(time.Minute)
	res, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Succeeded: 1}, res)
}

func TestRetryFailed(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	d.FailWith(ir.Errorf(ir.KindInput, "ApplyDecision", "bad payload"))
	q, _ := newQueue(d)
	q.SetOnline(false)
	a := enqueue(t, q, confirm("INV-1", "DN-1"))
	ctx := context.Background()

	_, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, q.Failed(), 1)

	retried, err := q.RetryFailed(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionPending, retried.State)
	assert.Greater(t, retried.Seq, a.Seq)
	assert.Empty(t, q.Failed())

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Succeeded: 1}, res)

	_, err = q.RetryFailed(ctx, a.ID)
	assert.True(t, ir.IsNotFound(err))

	b := enqueue(t, q, confirm("INV-2", "DN-2"))
	_, err = q.RetryFailed(ctx, b.ID)
	assert.True(t, ir.IsStateConflict(err))
}

func TestFlushRespectsOnlineFlag(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	q, _ := newQueue(d)
	enqueue(t, q, confirm("INV-1", "DN-1"))
	enqueue(t, q, confirm("INV-2", "DN-2"))
	ctx := context.Background()

	q.SetOnline(false)
	res, err := q.Flush(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
	assert.Empty(t, d.Calls())

	q.SetOnline(true)
	res, err = q.Flush(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Succeeded: 1}, res)
	assert.Empty(t, d.CallsFor("INV-2"))
	assert.Equal(t, 1, q.Len())
}

func TestAckHook(t *testing.T) {
	var acked []string
	q, _ := newQueue(testutil.NewRecordingDispatcher(), WithHooks(Hooks{
		OnAcked: func(_ context.Context, a ir.QueuedAction) { acked = append(acked, a.ID) },
	}))
	a := enqueue(t, q, confirm("INV-1", "DN-1"))

	_, err := q.Flush(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, acked)
}

func TestLoadRestoresQueue(t *testing.T) {
	p := NewMemoryPersister()
	ctx := context.Background()
	require.NoError(t, p.SaveAction(ctx, ir.QueuedAction{ID: "b", Seq: 7, Kind: ir.ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-2", State: ir.ActionDispatching}))
	require.NoError(t, p.SaveAction(ctx, ir.QueuedAction{ID: "a", Seq: 3, Kind: ir.ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-1", State: ir.ActionPending}))
	require.NoError(t, p.SaveAction(ctx, ir.QueuedAction{ID: "f", Seq: 5, Kind: ir.ActionReject, InvoiceID: "INV-2", DeliveryNoteID: "DN-3", State: ir.ActionFailed}))

	d := testutil.NewRecordingDispatcher()
	q := New(d, p, Config{MaxRetries: 3, Concurrency: 1}, WithIDGenerator(ir.NewSequenceGenerator("act")))
	require.NoError(t, q.Load(ctx))

	pending := q.PendingFor("INV-1")
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, ir.ActionPending, pending[1].State)
	assert.Len(t, q.Failed(), 1)

	next := enqueue(t, q, confirm("INV-3", "DN-4"))
	assert.Equal(t, int64(8), next.Seq)

	_, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.CallsFor("INV-1"))
}

func TestRunDispatchesInBackground(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	q, _ := newQueue(d)
	q.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	a := enqueue(t, q, confirm("INV-1", "DN-1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, d.Calls(), "offline queue holds actions")

	q.SetOnline(true)
	require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{a.ID}, d.CallIDs())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	d := testutil.NewRecordingDispatcher()
	q, _ := newQueue(d)
	enqueue(t, q, confirm("INV-1", "DN-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, ir.ActionPending, q.Pending()[0].State)
}
