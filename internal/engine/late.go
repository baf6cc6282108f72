package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pairwise/internal/candidate"
	"github.com/roach88/pairwise/internal/ir"
)

// LateMatchResult summarizes one RetryLateMatches run.
type LateMatchResult struct {
	// Scanned counts invoices considered.
	Scanned int `json:"scanned"`
	// NewMatchesFound counts pairs confirmed by this run.
	NewMatchesFound int `json:"new_matches_found"`
	// Ties counts invoices left for review because their top candidates
	// scored within the tie margin.
	Ties int `json:"ties"`
}

// proposal is the auto-match decision for one invoice.
type proposal struct {
	invoiceID string
	top       ir.MatchCandidate
	ok        bool
	tied      bool
}

// RetryLateMatches re-runs candidate generation for every invoice without a
// current pair, picking up delivery notes ingested after the invoice. A top
// candidate that reaches the auto-match threshold and is not tied is
// confirmed with the auto-match actor.
//
// lookback bounds invoices by date; zero uses the configured lookback.
// Invoices are scored in parallel and confirmed one at a time in listing
// order, so a note wanted by several invoices goes to the first. Running it
// twice with no new data finds nothing the second time.
func (e *Engine) RetryLateMatches(ctx context.Context, lookback time.Duration) (LateMatchResult, error) {
	if lookback <= 0 {
		lookback = e.cfg.LateMatches.Lookback
	}
	var from, to time.Time
	if lookback > 0 {
		to = e.now()
		from = to.Add(-lookback)
	}
	invoices, err := e.docs.ListInvoices(ctx, from, to)
	if err != nil {
		return LateMatchResult{}, fmt.Errorf("retry late matches: list invoices: %w", err)
	}

	proposals := make([]proposal, len(invoices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.LateMatches.Workers)
	for i, inv := range invoices {
		g.Go(func() error {
			p, err := e.propose(gctx, inv)
			proposals[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return LateMatchResult{}, fmt.Errorf("retry late matches: %w", err)
	}

	res := LateMatchResult{Scanned: len(invoices)}
	taken := make(map[string]bool)
	for _, p := range proposals {
		if p.tied {
			res.Ties++
		}
		if !p.ok || taken[p.top.DeliveryNoteID] {
			continue
		}
		_, queued, err := e.submit(ctx, ir.QueuedAction{
			Kind:           ir.ActionConfirm,
			InvoiceID:      p.invoiceID,
			DeliveryNoteID: p.top.DeliveryNoteID,
			Actor:          AutoMatchActor,
		}, ir.AuditAutoMatch)
		switch {
		case ir.IsStateConflict(err), ir.IsNotFound(err), ir.IsInputError(err):
			e.log.WithError(err).WithFields(logrus.Fields{
				"invoice_id":       p.invoiceID,
				"delivery_note_id": p.top.DeliveryNoteID,
			}).Warn("late match skipped")
			continue
		case err != nil:
			return res, fmt.Errorf("retry late matches: %w", err)
		}
		if queued.ID != "" {
			res.NewMatchesFound++
			taken[p.top.DeliveryNoteID] = true
		}
	}

	e.log.WithFields(logrus.Fields{
		"scanned":     res.Scanned,
		"new_matches": res.NewMatchesFound,
		"ties":        res.Ties,
	}).Info("late matches retried")
	return res, nil
}

// propose scores one invoice. Invoices that already have a current pair
// are skipped.
func (e *Engine) propose(ctx context.Context, inv ir.Invoice) (proposal, error) {
	p := proposal{invoiceID: inv.ID}
	_, paired, err := e.ledger.CurrentPair(ctx, inv.ID)
	if err != nil {
		return p, fmt.Errorf("current pair %s: %w", inv.ID, err)
	}
	if paired {
		return p, nil
	}
	candidates, err := e.generate(ctx, inv)
	if err != nil {
		return p, err
	}
	if len(candidates) == 0 {
		return p, nil
	}
	if candidate.Tied(candidates) {
		p.tied = true
		return p, nil
	}
	if candidates[0].Confidence < e.cfg.LateMatches.AutoMatchThreshold {
		return p, nil
	}
	p.top, p.ok = candidates[0], true
	return p, nil
}
