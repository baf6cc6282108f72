// Package candidate finds and ranks delivery notes that may belong to an
// invoice.
package candidate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
	"github.com/roach88/pairwise/internal/scoring"
)

// Defaults.
const (
	DefaultWindowDays = 21
	DefaultFloor      = 30.0
	DefaultLimit      = 5
	DefaultTieMargin  = 5.0
)

// Source looks up delivery notes. Implementations match supplier names by
// their normalized form. A zero start or end leaves that side of the window
// open.
type Source interface {
	FindDeliveryNotesBySupplierAndWindow(ctx context.Context, supplier string, start, end time.Time) ([]ir.DeliveryNote, error)
}

// Options controls one generation run.
type Options struct {
	// WindowDays is the lookback and lookahead around the invoice date.
	WindowDays int `json:"window_days" yaml:"window_days"`

	// Floor drops candidates scoring below it.
	Floor float64 `json:"floor" yaml:"floor"`

	// Limit caps the number of candidates returned.
	Limit int `json:"limit" yaml:"limit"`

	// TieMargin flags candidates within this many points of the top one.
	TieMargin float64 `json:"tie_margin" yaml:"tie_margin"`

	// Exclude reports delivery notes that must not be offered.
	Exclude func(deliveryNoteID string) bool `json:"-" yaml:"-"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		WindowDays: DefaultWindowDays,
		Floor:      DefaultFloor,
		Limit:      DefaultLimit,
		TieMargin:  DefaultTieMargin,
	}
}

// Option adjusts Options for a single call.
type Option func(*Options)

// WithWindow sets the date window in days.
func WithWindow(days int) Option {
	return func(o *Options) { o.WindowDays = days }
}

// WithFloor sets the minimum confidence.
func WithFloor(floor float64) Option {
	return func(o *Options) { o.Floor = floor }
}

// WithLimit sets the maximum number of candidates.
func WithLimit(limit int) Option {
	return func(o *Options) { o.Limit = limit }
}

// WithExclude adds an exclusion predicate, combined with any existing one.
func WithExclude(exclude func(deliveryNoteID string) bool) Option {
	return func(o *Options) {
		prev := o.Exclude
		if prev == nil {
			o.Exclude = exclude
			return
		}
		o.Exclude = func(id string) bool { return prev(id) || exclude(id) }
	}
}

// Generator ranks delivery notes for invoices. Safe for concurrent use.
type Generator struct {
	scorer   *scoring.Scorer
	source   Source
	defaults Options
}

// New creates a generator. Zero-valued fields of defaults fall back to the
// package defaults.
func New(scorer *scoring.Scorer, source Source, defaults Options) *Generator {
	def := DefaultOptions()
	if defaults.WindowDays <= 0 {
		defaults.WindowDays = def.WindowDays
	}
	if defaults.Floor <= 0 {
		defaults.Floor = def.Floor
	}
	if defaults.Limit <= 0 {
		defaults.Limit = def.Limit
	}
	if defaults.TieMargin <= 0 {
		defaults.TieMargin = def.TieMargin
	}
	return &Generator{scorer: scorer, source: source, defaults: defaults}
}

// Defaults returns the generator's default options.
func (g *Generator) Defaults() Options {
	return g.defaults
}

// Generate returns ranked candidates for inv, best first.
//
// Delivery notes are fetched for the invoice supplier and every alias
// variant, deduplicated by id, and filtered by the exclusion predicate.
// Ranking is by confidence, then date distance, then line-item component,
// then delivery-note id. The list is truncated to the limit before the floor
// is applied.
func (g *Generator) Generate(ctx context.Context, inv ir.Invoice, opts ...Option) ([]ir.MatchCandidate, error) {
	o := g.defaults
	for _, opt := range opts {
		opt(&o)
	}

	notes, err := g.fetch(ctx, inv, o.WindowDays)
	if err != nil {
		return nil, err
	}

	candidates := make([]ir.MatchCandidate, 0, len(notes))
	for _, dn := range notes {
		if o.Exclude != nil && o.Exclude(dn.ID) {
			continue
		}
		candidates = append(candidates, g.scorer.Candidate(inv, dn))
	}
	Rank(candidates)

	if o.Limit > 0 && len(candidates) > o.Limit {
		candidates = candidates[:o.Limit]
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Confidence >= o.Floor {
			kept = append(kept, c)
		}
	}
	FlagTies(kept, o.TieMargin)
	return kept, nil
}

func (g *Generator) fetch(ctx context.Context, inv ir.Invoice, windowDays int) ([]ir.DeliveryNote, error) {
	var start, end time.Time
	if !inv.Date.IsZero() {
		day := ir.Day(inv.Date)
		start = day.AddDate(0, 0, -windowDays)
		end = day.AddDate(0, 0, windowDays)
	}

	seen := make(map[string]bool)
	queried := make(map[string]bool)
	var out []ir.DeliveryNote
	for _, name := range g.scorer.Aliases().Variants(inv.SupplierName) {
		key := normalize.SupplierName(name)
		if key == "" || queried[key] {
			continue
		}
		queried[key] = true

		notes, err := g.source.FindDeliveryNotesBySupplierAndWindow(ctx, name, start, end)
		if err != nil {
			return nil, fmt.Errorf("find delivery notes for supplier %q: %w", name, err)
		}
		for _, dn := range notes {
			if seen[dn.ID] {
				continue
			}
			seen[dn.ID] = true
			out = append(out, dn)
		}
	}
	return out, nil
}

// Rank sorts candidates best first.
func Rank(candidates []ir.MatchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if da, db := distance(a), distance(b); da != db {
			return da < db
		}
		if a.Breakdown.LineItems != b.Breakdown.LineItems {
			return a.Breakdown.LineItems > b.Breakdown.LineItems
		}
		return a.DeliveryNoteID < b.DeliveryNoteID
	})
}

// distance treats an unknown date distance as furthest.
func distance(c ir.MatchCandidate) int {
	if c.DaysApart < 0 {
		return math.MaxInt
	}
	return c.DaysApart
}

// FlagTies marks every candidate within margin of the top candidate with
// MULTI_CANDIDATE_TIE. A single candidate is never a tie.
func FlagTies(ranked []ir.MatchCandidate, margin float64) {
	if len(ranked) < 2 || ranked[0].Confidence-ranked[1].Confidence > margin {
		return
	}
	top := ranked[0].Confidence
	for i := range ranked {
		if top-ranked[i].Confidence <= margin {
			ranked[i].Reasons = ir.AppendReason(ranked[i].Reasons, ir.ReasonMultiCandidateTie)
		}
	}
}

// Tied reports whether the top candidate is flagged as tied.
func Tied(ranked []ir.MatchCandidate) bool {
	if len(ranked) == 0 {
		return false
	}
	for _, r := range ranked[0].Reasons {
		if r == ir.ReasonMultiCandidateTie {
			return true
		}
	}
	return false
}
