package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/testutil"
)

// Harness executes one scenario against a fresh engine.
type Harness struct {
	docs   *testutil.MemoryDocStore
	engine *engine.Engine
	logger logrus.FieldLogger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against its own in-memory document store and ledger
// with a deterministic clock and sequential ids, so identical scenarios
// produce identical results.
//
// Engine errors are outcomes, recorded in the trace; Run fails only when the
// scenario itself cannot be executed.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithConfig(scenario, engine.DefaultConfig())
}

// RunWithConfig is Run with an explicit engine configuration.
func RunWithConfig(scenario *Scenario, cfg engine.Config) (*Result, error) {
	h, err := newHarness(scenario, cfg)
	if err != nil {
		return nil, err
	}

	actor := scenario.Actor
	if actor == "" {
		actor = DefaultActor
	}
	ctx := engine.WithActor(context.Background(), actor)

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	if err := h.collectAudit(ctx, scenario.Invoices, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Engine: h.engine, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, cfg engine.Config) (*Harness, error) {
	docs := testutil.NewMemoryDocStore()
	for _, d := range scenario.Invoices {
		inv, err := d.invoice()
		if err != nil {
			return nil, fmt.Errorf("invoice: %w", err)
		}
		docs.AddInvoice(inv)
	}
	for _, d := range scenario.DeliveryNotes {
		dn, err := d.deliveryNote()
		if err != nil {
			return nil, fmt.Errorf("delivery note: %w", err)
		}
		docs.AddDeliveryNote(dn)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := testutil.NewDeterministicClock()
	eng := engine.New(docs, cfg,
		engine.WithIDGenerator(ir.NewSequenceGenerator(scenario.Name)),
		engine.WithNow(clock.Now),
		engine.WithLogger(logger),
	)
	if err := eng.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load engine: %w", err)
	}
	return &Harness{docs: docs, engine: eng, logger: logger}, nil
}

// executeFlow runs the flow steps in order, tracing each outcome and
// checking it against the step's expectation.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, st := range flow {
		outcome, err := h.execute(ctx, st)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, st.Do, err)
		}
		result.AddTrace(i+1, st, outcome)
		if st.Expect != "" && st.Expect != outcome {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected %q, got %q", i, st.Do, st.Expect, outcome))
		}
		h.logger.WithFields(logrus.Fields{
			"step":    i,
			"do":      st.Do,
			"outcome": outcome,
		}).Debug("flow step completed")
	}
	return nil
}

// execute runs one step. The returned error is reserved for steps the
// harness cannot run; engine failures become "error:<KIND>" outcomes.
func (h *Harness) execute(ctx context.Context, st Step) (string, error) {
	switch st.Do {
	case StepConfirm:
		pair, err := h.engine.ConfirmPair(ctx, st.Invoice, st.Note)
		return pairOutcome(pair, err), nil

	case StepReject:
		if err := h.engine.RejectCandidate(ctx, st.Invoice, st.Note); err != nil {
			return errorOutcome(err), nil
		}
		return "rejected", nil

	case StepOverride:
		cur, ok, err := h.engine.CurrentPair(ctx, st.Invoice)
		if err != nil {
			return errorOutcome(err), nil
		}
		if !ok {
			return errorOutcome(ir.NotFound("OverridePair", "current pair of invoice", st.Invoice)), nil
		}
		pair, err := h.engine.OverridePair(ctx, cur.ID, st.Note)
		return pairOutcome(pair, err), nil

	case StepReconcile:
		cur, ok, err := h.engine.CurrentPair(ctx, st.Invoice)
		if err != nil {
			return errorOutcome(err), nil
		}
		if !ok {
			return errorOutcome(ir.NotFound("Reconcile", "current pair of invoice", st.Invoice)), nil
		}
		if _, err := h.engine.Reconcile(ctx, cur.ID); err != nil {
			return errorOutcome(err), nil
		}
		pair, err := h.engine.Pair(ctx, cur.ID)
		return pairOutcome(pair, err), nil

	case StepCandidates, StepRetryCandidates:
		generate := h.engine.GenerateCandidates
		if st.Do == StepRetryCandidates {
			generate = h.engine.RetryCandidates
		}
		cands, err := generate(ctx, st.Invoice)
		if err != nil {
			return errorOutcome(err), nil
		}
		if len(cands) == 0 {
			return "none", nil
		}
		ids := make([]string, len(cands))
		for i, c := range cands {
			ids[i] = c.DeliveryNoteID
		}
		return strings.Join(ids, ","), nil

	case StepDrain:
		r, err := h.engine.DrainQueue(ctx)
		if err != nil {
			return errorOutcome(err), nil
		}
		return fmt.Sprintf("delivered=%d failed=%d retrying=%d", r.Succeeded, r.Failed, r.Retrying), nil

	case StepRetryLate:
		var lookback time.Duration
		if st.Lookback != "" {
			d, err := time.ParseDuration(st.Lookback)
			if err != nil {
				return "", fmt.Errorf("lookback: %w", err)
			}
			lookback = d
		}
		r, err := h.engine.RetryLateMatches(ctx, lookback)
		if err != nil {
			return errorOutcome(err), nil
		}
		return fmt.Sprintf("scanned=%d matched=%d ties=%d", r.Scanned, r.NewMatchesFound, r.Ties), nil

	case StepSetOnline:
		h.engine.SetOnline(*st.Online)
		if *st.Online {
			return "online", nil
		}
		return "offline", nil

	case StepUpdateNote:
		dn, err := st.Document.deliveryNote()
		if err != nil {
			return "", err
		}
		h.docs.AddDeliveryNote(dn)
		return "updated", nil

	case StepFailNext:
		h.docs.FailNext(st.Op, errors.New("scripted failure"))
		return "armed", nil
	}
	return "", fmt.Errorf("unknown step %q", st.Do)
}

func pairOutcome(p ir.MatchingPair, err error) string {
	if err != nil {
		return errorOutcome(err)
	}
	if p.Pending {
		return string(p.Status) + " pending"
	}
	return string(p.Status)
}

func errorOutcome(err error) string {
	if kind := ir.KindOf(err); kind != "" {
		return "error:" + string(kind)
	}
	return "error"
}

// collectAudit appends the audit trail of every scenario invoice.
func (h *Harness) collectAudit(ctx context.Context, invoices []Document, result *Result) error {
	for _, d := range invoices {
		records, err := h.engine.AuditLog(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("audit log %s: %w", d.ID, err)
		}
		for _, r := range records {
			result.Audit = append(result.Audit, AuditEntry{
				Invoice:    r.InvoiceID,
				Action:     string(r.Action),
				Actor:      r.Actor,
				Note:       r.DeliveryNoteID,
				PrevStatus: string(r.PrevStatus),
				NewStatus:  string(r.NewStatus),
			})
		}
	}
	return nil
}
