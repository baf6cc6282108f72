// Package queue implements the durable per-invoice action queue.
//
// Actions live in an arena keyed by id, with a FIFO index per invoice.
// Dispatch is strictly in enqueue order within an invoice; different
// invoices are independent and may be dispatched concurrently. Every action
// is persisted through a Persister until it is acknowledged or cancelled;
// actions that exhaust their retries are kept as failed, never dropped.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/ir"
)

// Dispatcher delivers one action to the document store. Implementations
// must be idempotent by the action's natural key.
type Dispatcher interface {
	Dispatch(ctx context.Context, action ir.QueuedAction) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, action ir.QueuedAction) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, action ir.QueuedAction) error {
	return f(ctx, action)
}

// Config tunes retries and dispatch.
type Config struct {
	// MaxRetries is how many retryable failures an action survives before
	// it is marked failed.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BaseBackoff is the delay after the first failure; it doubles per
	// retry up to MaxBackoff.
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// DispatchTimeout bounds one dispatch call. Timeouts are retryable.
	DispatchTimeout time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`

	// Concurrency bounds how many invoices Drain dispatches at once.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseBackoff:     time.Second,
		MaxBackoff:      5 * time.Minute,
		DispatchTimeout: 10 * time.Second,
		Concurrency:     4,
	}
}

// Backoff returns the delay before retry n (1-based): base·2^(n-1), capped.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 || c.BaseBackoff <= 0 {
		return 0
	}
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Hooks observe dispatch outcomes. Hooks run on the dispatching goroutine
// without queue locks held.
type Hooks struct {
	// OnAcked is called after an action was delivered and removed.
	OnAcked func(ctx context.Context, action ir.QueuedAction)
	// OnFailed is called once when an action becomes failed. err is an
	// EXHAUSTED error wrapping the last dispatch error.
	OnFailed func(ctx context.Context, action ir.QueuedAction, err error)
	// OnCancelled is called for each action cancelled by a later one, by.
	OnCancelled func(ctx context.Context, action, by ir.QueuedAction)
}

// Queue is the action queue.
//
// Thread-safety: All methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	arena  map[string]*ir.QueuedAction
	fifo   map[string][]string
	busy   map[string]bool
	online atomic.Bool

	seq        *ir.Clock
	ids        ir.IDGenerator
	now        func() time.Time
	persist    Persister
	dispatcher Dispatcher
	hooks      Hooks
	cfg        Config
	wake       *wakeup
	log        logrus.FieldLogger
}

// Option configures a Queue.
type Option func(*Queue)

// WithHooks sets the dispatch hooks.
func WithHooks(h Hooks) Option {
	return func(q *Queue) {
		q.hooks = h
	}
}

// WithIDGenerator sets the action id generator.
func WithIDGenerator(ids ir.IDGenerator) Option {
	return func(q *Queue) {
		q.ids = ids
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

// New creates an empty, online queue. Call Load to restore persisted
// actions.
func New(dispatcher Dispatcher, persist Persister, cfg Config, opts ...Option) *Queue {
	if persist == nil {
		persist = NewMemoryPersister()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	q := &Queue{
		arena:      make(map[string]*ir.QueuedAction),
		fifo:       make(map[string][]string),
		busy:       make(map[string]bool),
		seq:        ir.NewClockAt(0),
		ids:        ir.UUIDv7Generator{},
		now:        func() time.Time { return time.Now().UTC() },
		persist:    persist,
		dispatcher: dispatcher,
		cfg:        cfg,
		wake:       newWakeup(),
		log:        logrus.StandardLogger(),
	}
	q.online.Store(true)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetHooks replaces the dispatch hooks. Call before dispatching starts.
func (q *Queue) SetHooks(h Hooks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = h
}

// Load restores persisted actions. Actions that were mid-dispatch when the
// process stopped are pending again; the dispatcher's natural-key
// idempotency makes the resend harmless.
func (q *Queue) Load(ctx context.Context) error {
	actions, err := q.persist.LoadActions(ctx)
	if err != nil {
		return fmt.Errorf("load actions: %w", err)
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Seq < actions[j].Seq })

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range actions {
		a := actions[i]
		if a.State == ir.ActionDispatching || a.State == "" {
			a.State = ir.ActionPending
		}
		q.arena[a.ID] = &a
		if a.State != ir.ActionFailed {
			q.fifo[a.InvoiceID] = append(q.fifo[a.InvoiceID], a.ID)
		}
		q.seq.Observe(a.Seq)
	}
	q.wake.notify()
	return nil
}

// SetOnline switches automatic dispatch on or off. Going online wakes Run.
func (q *Queue) SetOnline(online bool) {
	q.online.Store(online)
	if online {
		q.wake.notify()
	}
}

// Online reports whether automatic dispatch is enabled.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// Validate checks an action before it is applied or queued.
func Validate(action ir.QueuedAction) error {
	const op = "EnqueueAction"
	if !action.Kind.Valid() {
		return ir.Errorf(ir.KindInput, op, "unknown action kind %q", action.Kind)
	}
	if action.InvoiceID == "" || action.DeliveryNoteID == "" {
		e := ir.Errorf(ir.KindInput, op, "invoice and delivery note ids are required")
		e.InvoiceID, e.DeliveryNoteID = action.InvoiceID, action.DeliveryNoteID
		return e
	}
	if action.Kind == ir.ActionOverride && action.PairID == "" {
		e := ir.Errorf(ir.KindInput, op, "override requires the pair being replaced")
		e.InvoiceID = action.InvoiceID
		return e
	}
	return nil
}

// Prepare assigns the action's id and enqueue time if missing, without
// queuing it. Callers that apply an action optimistically use the id to tag
// the tentative state before Enqueue.
func (q *Queue) Prepare(action ir.QueuedAction) ir.QueuedAction {
	if action.ID == "" {
		action.ID = q.ids.Generate()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = q.now()
	}
	return action
}

// Enqueue appends an action to its invoice's FIFO and persists it. It
// returns the stored action and any actions it cancelled.
//
// An override cancels the invoice's not-yet-dispatched confirms and
// overrides; queued rejects stay. A reject cancels not-yet-dispatched
// confirms and overrides of the invoice targeting the same delivery note.
// Actions being dispatched are never cancelled.
func (q *Queue) Enqueue(ctx context.Context, action ir.QueuedAction) (ir.QueuedAction, []ir.QueuedAction, error) {
	if err := Validate(action); err != nil {
		return ir.QueuedAction{}, nil, err
	}
	action = q.Prepare(action)
	action.State = ir.ActionPending
	action.RetryCount = 0
	action.LastError = ""
	action.NextAttemptAt = time.Time{}

	// Seq order must match FIFO order, so both are settled under q.mu.
	q.mu.Lock()
	action.Seq = q.seq.Next()
	if err := q.persist.SaveAction(ctx, action); err != nil {
		q.mu.Unlock()
		return ir.QueuedAction{}, nil, fmt.Errorf("enqueue: save action: %w", err)
	}
	var cancelled []ir.QueuedAction
	kept := q.fifo[action.InvoiceID][:0:0]
	for _, id := range q.fifo[action.InvoiceID] {
		prev := q.arena[id]
		if prev.State != ir.ActionDispatching && cancels(action, *prev) {
			cancelled = append(cancelled, *prev)
			delete(q.arena, id)
			continue
		}
		kept = append(kept, id)
	}
	stored := action
	q.arena[action.ID] = &stored
	q.fifo[action.InvoiceID] = append(kept, action.ID)
	hooks := q.hooks
	q.mu.Unlock()

	for _, c := range cancelled {
		if err := q.persist.DeleteAction(ctx, c.ID); err != nil {
			q.log.WithError(err).WithField("action_id", c.ID).Warn("delete cancelled action")
		}
		q.log.WithFields(logrus.Fields{
			"invoice_id": c.InvoiceID,
			"action_id":  c.ID,
			"kind":       c.Kind,
		}).Info("action cancelled by " + string(action.Kind))
		if hooks.OnCancelled != nil {
			hooks.OnCancelled(ctx, c, action)
		}
	}
	q.wake.notify()
	return action, cancelled, nil
}

// cancels reports whether enqueuing next cancels the queued prev. Only
// actions that create pairs are cancelled; a reject's rejection is never
// part of a later action.
func cancels(next, prev ir.QueuedAction) bool {
	if prev.Kind == ir.ActionReject {
		return false
	}
	switch next.Kind {
	case ir.ActionOverride:
		return true
	case ir.ActionReject:
		return prev.DeliveryNoteID == next.DeliveryNoteID
	}
	return false
}

// Pending returns queued (not failed) actions in enqueue order.
func (q *Queue) Pending() []ir.QueuedAction {
	return q.snapshot(func(a *ir.QueuedAction) bool { return a.State != ir.ActionFailed })
}

// PendingFor returns an invoice's queued actions in enqueue order.
func (q *Queue) PendingFor(invoiceID string) []ir.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []ir.QueuedAction{}
	for _, id := range q.fifo[invoiceID] {
		out = append(out, *q.arena[id])
	}
	return out
}

// Has reports whether an action is queued or failed.
func (q *Queue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.arena[id]
	return ok
}

// Failed returns actions that exhausted their retries, in enqueue order.
func (q *Queue) Failed() []ir.QueuedAction {
	return q.snapshot(func(a *ir.QueuedAction) bool { return a.State == ir.ActionFailed })
}

// Len returns the number of queued (not failed) actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ids := range q.fifo {
		n += len(ids)
	}
	return n
}

func (q *Queue) snapshot(keep func(*ir.QueuedAction) bool) []ir.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []ir.QueuedAction{}
	for _, a := range q.arena {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// RetryFailed re-queues a failed action at the back of its invoice's FIFO
// with a fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) (ir.QueuedAction, error) {
	const op = "RetryFailed"
	q.mu.Lock()
	a, ok := q.arena[id]
	if !ok {
		q.mu.Unlock()
		return ir.QueuedAction{}, ir.NotFound(op, "action", id)
	}
	if a.State != ir.ActionFailed {
		q.mu.Unlock()
		e := ir.Errorf(ir.KindStateConflict, op, "action is %s, not failed", a.State)
		e.ActionID, e.InvoiceID = id, a.InvoiceID
		return ir.QueuedAction{}, e
	}
	a.State = ir.ActionPending
	a.RetryCount = 0
	a.LastError = ""
	a.NextAttemptAt = time.Time{}
	a.Seq = q.seq.Next()
	q.fifo[a.InvoiceID] = append(q.fifo[a.InvoiceID], a.ID)
	retried := *a
	q.mu.Unlock()

	if err := q.persist.SaveAction(ctx, retried); err != nil {
		return ir.QueuedAction{}, fmt.Errorf("retry failed: save action: %w", err)
	}
	q.wake.notify()
	return retried, nil
}
