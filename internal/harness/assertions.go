package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
)

// AssertionContext gives assertions access to the engine after the flow ran.
type AssertionContext struct {
	Engine *engine.Engine
	Ctx    context.Context
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s\n", event.Step, event.Do, event.Invoice, event.Note, event.Outcome)
	}
	return buf.String()
}

// assertPairStatus checks the invoice's current pair.
func assertPairStatus(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	pair, ok, err := actx.Engine.CurrentPair(actx.Ctx, a.Invoice)
	if err != nil {
		return fmt.Errorf("current pair %s: %w", a.Invoice, err)
	}
	expected := describePair(a.Status, a.Note, a.Pending)
	if !ok {
		return &AssertionError{Type: AssertPairStatus, Expected: expected, Actual: "no current pair", Trace: trace}
	}

	matches := string(pair.Status) == a.Status &&
		(a.Note == "" || pair.DeliveryNoteID == a.Note) &&
		(a.Pending == nil || pair.Pending == *a.Pending)
	if matches {
		return nil
	}
	return &AssertionError{
		Type:     AssertPairStatus,
		Expected: expected,
		Actual:   describePair(string(pair.Status), pair.DeliveryNoteID, &pair.Pending),
		Trace:    trace,
	}
}

func describePair(status, note string, pending *bool) string {
	s := status
	if note != "" {
		s += " with " + note
	}
	if pending != nil {
		s += fmt.Sprintf(" (pending=%t)", *pending)
	}
	return s
}

// assertNoPair checks that the invoice has no current pair.
func assertNoPair(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	pair, ok, err := actx.Engine.CurrentPair(actx.Ctx, a.Invoice)
	if err != nil {
		return fmt.Errorf("current pair %s: %w", a.Invoice, err)
	}
	if !ok {
		return nil
	}
	return &AssertionError{
		Type:     AssertNoPair,
		Expected: "no current pair",
		Actual:   fmt.Sprintf("pair %s with %s (%s)", pair.ID, pair.DeliveryNoteID, pair.Status),
		Trace:    trace,
	}
}

// assertAuditOrder checks that the actions appear in the invoice's audit
// trail in the given order. Other actions may come in between.
func assertAuditOrder(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	actions, err := auditActions(actx, a.Invoice)
	if err != nil {
		return err
	}
	next := 0
	for _, act := range actions {
		if next < len(a.Actions) && act == a.Actions[next] {
			next++
		}
	}
	if next == len(a.Actions) {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditOrder,
		Expected: fmt.Sprintf("audit actions in order %v", a.Actions),
		Actual:   fmt.Sprintf("%v", actions),
		Trace:    trace,
	}
}

// assertAuditCount checks how often an action appears in the invoice's
// audit trail.
func assertAuditCount(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	actions, err := auditActions(actx, a.Invoice)
	if err != nil {
		return err
	}
	count := 0
	for _, act := range actions {
		if act == a.Action {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditCount,
		Expected: fmt.Sprintf("%s exactly %d times", a.Action, a.Count),
		Actual:   fmt.Sprintf("%d times in %v", count, actions),
		Trace:    trace,
	}
}

func auditActions(actx *AssertionContext, invoiceID string) ([]string, error) {
	records, err := actx.Engine.AuditLog(actx.Ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("audit log %s: %w", invoiceID, err)
	}
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.Action)
	}
	return out, nil
}

// assertQueueDepth checks the number of queued and failed actions.
func assertQueueDepth(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	queued, failed := actx.Engine.PendingActions(), actx.Engine.FailedActions()
	if len(queued) == a.Queued && len(failed) == a.Failed {
		return nil
	}
	return &AssertionError{
		Type:     AssertQueueDepth,
		Expected: fmt.Sprintf("queued=%d failed=%d", a.Queued, a.Failed),
		Actual:   fmt.Sprintf("queued=%d failed=%d %s", len(queued), len(failed), actionKinds(slices.Concat(queued, failed))),
		Trace:    trace,
	}
}

func actionKinds(actions []ir.QueuedAction) string {
	kinds := make([]string, len(actions))
	for i, a := range actions {
		kinds[i] = fmt.Sprintf("%s:%s/%s", a.Kind, a.InvoiceID, a.State)
	}
	return "[" + strings.Join(kinds, " ") + "]"
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. All assertions are evaluated, even after a failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertPairStatus:
			err = assertPairStatus(actx, result.Trace, a)
		case AssertNoPair:
			err = assertNoPair(actx, result.Trace, a)
		case AssertAuditOrder:
			err = assertAuditOrder(actx, result.Trace, a)
		case AssertAuditCount:
			err = assertAuditCount(actx, result.Trace, a)
		case AssertQueueDepth:
			err = assertQueueDepth(actx, result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}
