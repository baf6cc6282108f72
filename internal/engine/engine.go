package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/candidate"
	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/lock"
	"github.com/roach88/pairwise/internal/normalize"
	"github.com/roach88/pairwise/internal/pairing"
	"github.com/roach88/pairwise/internal/policy"
	"github.com/roach88/pairwise/internal/queue"
	"github.com/roach88/pairwise/internal/scoring"
)

// DocumentStore is the document store adapter the engine consumes. All of
// its methods are treated as fallible I/O.
type DocumentStore interface {
	GetInvoice(ctx context.Context, id string) (ir.Invoice, error)
	GetDeliveryNote(ctx context.Context, id string) (ir.DeliveryNote, error)
	FindDeliveryNotesBySupplierAndWindow(ctx context.Context, supplier string, start, end time.Time) ([]ir.DeliveryNote, error)
	ListInvoices(ctx context.Context, from, to time.Time) ([]ir.Invoice, error)
	PersistPair(ctx context.Context, pair ir.MatchingPair) error
	PersistLineDiffs(ctx context.Context, pairID string, diffs []ir.LineDiff) error
}

// DecisionApplier is implemented by document stores that record reviewer
// decisions themselves. ApplyDecision must be idempotent per natural key.
type DecisionApplier interface {
	ApplyDecision(ctx context.Context, action ir.QueuedAction) error
}

// AutoMatchActor is recorded on pairs confirmed by RetryLateMatches.
const AutoMatchActor = "auto-match"

// Default late-match settings.
const (
	DefaultAutoMatchThreshold = 90
	DefaultLateMatchWorkers   = 4
)

// LateMatchConfig tunes RetryLateMatches.
type LateMatchConfig struct {
	// Lookback bounds the invoices considered by date. Zero considers all.
	Lookback time.Duration `json:"lookback" yaml:"lookback"`

	// AutoMatchThreshold is the confidence a sole top candidate needs to be
	// confirmed without review.
	AutoMatchThreshold float64 `json:"auto_match_threshold" yaml:"auto_match_threshold"`

	// Workers bounds how many invoices are scored at once.
	Workers int `json:"workers" yaml:"workers"`
}

// Config is the engine configuration. It is built once, usually by the
// config package, and never read from globals.
type Config struct {
	Scoring     scoring.Config
	Candidates  candidate.Options
	Pairing     pairing.Config
	Policy      policy.Config
	Queue       queue.Config
	LateMatches LateMatchConfig

	// Aliases maps canonical supplier names to their known variants.
	Aliases map[string][]string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Scoring:    scoring.DefaultConfig(),
		Candidates: candidate.DefaultOptions(),
		Pairing:    pairing.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
		LateMatches: LateMatchConfig{
			AutoMatchThreshold: DefaultAutoMatchThreshold,
			Workers:            DefaultLateMatchWorkers,
		},
	}
}

// Engine is the matching and reconciliation engine.
type Engine struct {
	cfg        Config
	docs       DocumentStore
	ledger     pairing.Repository
	actions    queue.Persister
	locks      lock.Locker
	sink       pairing.AuditSink
	dispatcher queue.Dispatcher
	ids        ir.IDGenerator
	now        func() time.Time
	log        logrus.FieldLogger

	scorer     *scoring.Scorer
	candidates *candidate.Generator
	machine    *pairing.Machine
	queue      *queue.Queue
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger sets the repository holding pairs, rejections and the audit
// log. Default: an in-memory repository.
func WithLedger(repo pairing.Repository) Option {
	return func(e *Engine) {
		e.ledger = repo
	}
}

// WithActionStore sets where queued actions are persisted. Default: memory.
func WithActionStore(p queue.Persister) Option {
	return func(e *Engine) {
		e.actions = p
	}
}

// WithLocker sets the per-invoice locker. Default: lock.NewLocal().
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.locks = l
	}
}

// WithAuditSink publishes committed audit records.
func WithAuditSink(sink pairing.AuditSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithDispatcher replaces the default dispatcher, which delivers decisions
// to the document store.
func WithDispatcher(d queue.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithIDGenerator sets the generator for pair, audit and action ids.
func WithIDGenerator(ids ir.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = ids
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger shared by the engine's components.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates an Engine over a document store. Call Load before use to
// restore persisted queued actions.
func New(docs DocumentStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:  cfg,
		docs: docs,
		ids:  ir.UUIDv7Generator{},
		now:  func() time.Time { return time.Now().UTC() },
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = pairing.NewMemoryRepository()
	}
	if e.actions == nil {
		e.actions = queue.NewMemoryPersister()
	}
	if e.locks == nil {
		e.locks = lock.NewLocal()
	}
	if e.dispatcher == nil {
		e.dispatcher = &docDispatcher{docs: docs, ledger: e.ledger}
	}
	if e.cfg.LateMatches.AutoMatchThreshold <= 0 {
		e.cfg.LateMatches.AutoMatchThreshold = DefaultAutoMatchThreshold
	}
	if e.cfg.LateMatches.Workers <= 0 {
		e.cfg.LateMatches.Workers = DefaultLateMatchWorkers
	}

	var aliases *normalize.AliasTable
	if len(cfg.Aliases) > 0 {
		aliases = normalize.NewAliasTable(cfg.Aliases)
	}
	e.scorer = scoring.New(cfg.Scoring, aliases)
	e.candidates = candidate.New(e.scorer, docs, cfg.Candidates)

	mopts := []pairing.Option{
		pairing.WithIDGenerator(e.ids),
		pairing.WithNow(e.now),
		pairing.WithLogger(e.log),
		pairing.WithUnsettled(func(actionID string) bool { return e.queue.Has(actionID) }),
		pairing.WithWriteBack(func(ctx context.Context, p ir.MatchingPair) error { return persistPair(ctx, docs, p) }),
	}
	if e.sink != nil {
		mopts = append(mopts, pairing.WithAuditSink(e.sink))
	}
	e.machine = pairing.New(e.ledger, docs, e.scorer, policy.New(cfg.Policy), cfg.Pairing, mopts...)

	e.queue = queue.New(e.dispatcher, e.actions, cfg.Queue,
		queue.WithIDGenerator(e.ids),
		queue.WithNow(e.now),
		queue.WithLogger(e.log),
	)
	e.queue.SetHooks(queue.Hooks{
		OnAcked:     e.onAcked,
		OnFailed:    e.onFailed,
		OnCancelled: e.onCancelled,
	})
	return e
}

// Load restores persisted queued actions.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.queue.Load(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.log.WithField("queued", e.queue.Len()).Debug("engine loaded")
	return nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Ledger returns the pair repository.
func (e *Engine) Ledger() pairing.Repository {
	return e.ledger
}

type actorKey struct{}

// WithActor returns a context that attributes decisions to actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor carried by ctx, or pairing.SystemActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return pairing.SystemActor
}

func invoiceLockKey(id string) string { return "invoice:" + id }

func noteLockKey(id string) string { return "delivery-note:" + id }

// lockAll takes keys in order and returns a function releasing them in
// reverse. Callers always take the invoice key first.
func (e *Engine) lockAll(ctx context.Context, keys ...string) (func(), error) {
	held := make([]func(), 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, key := range keys {
		unlock, err := e.locks.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}
