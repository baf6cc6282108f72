// Package scoring computes the deterministic 0-100 confidence that an invoice
// and a delivery note describe the same delivery.
//
// The score is the clamped sum of four components:
//
//	supplier   max 40  exact or alias match, else Jaro-Winkler above a floor
//	date       max 25  same day 25, +/-1 day 20, +/-3 days 10
//	line_items max 30  matched invoice lines / max(invoice lines, 1) * 30
//	value      max 5   full within 2%, linear decay to 0 at the outer bound
//
// A missing field degrades only its own component to 0 and adds a reason
// code; scoring never fails.
package scoring

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
	"github.com/roach88/pairwise/internal/reconcile"
)

// Defaults.
const (
	DefaultSupplierFuzzyFloor = 0.6
	DefaultValueFullBand      = 0.02
	DefaultValueOuterBound    = 0.15
)

// Config tunes the scorer.
type Config struct {
	// SupplierFuzzyFloor is the minimum Jaro-Winkler similarity that earns
	// supplier points.
	SupplierFuzzyFloor float64 `json:"supplier_fuzzy_floor" yaml:"supplier_fuzzy_floor"`

	// ValueFullBand is the relative total difference that still earns the
	// full value component.
	ValueFullBand float64 `json:"value_full_band" yaml:"value_full_band"`

	// ValueOuterBound is the relative difference at which the value component
	// reaches 0.
	ValueOuterBound float64 `json:"value_outer_bound" yaml:"value_outer_bound"`

	// DescriptionThreshold is passed to the line reconciler.
	DescriptionThreshold float64 `json:"description_threshold" yaml:"description_threshold"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SupplierFuzzyFloor:   DefaultSupplierFuzzyFloor,
		ValueFullBand:        DefaultValueFullBand,
		ValueOuterBound:      DefaultValueOuterBound,
		DescriptionThreshold: reconcile.DefaultDescriptionThreshold,
	}
}

// Scorer is pure and safe for concurrent use.
type Scorer struct {
	cfg        Config
	aliases    *normalize.AliasTable
	reconciler *reconcile.Reconciler
}

// New creates a scorer. aliases may be nil.
func New(cfg Config, aliases *normalize.AliasTable) *Scorer {
	def := DefaultConfig()
	if cfg.SupplierFuzzyFloor <= 0 || cfg.SupplierFuzzyFloor > 1 {
		cfg.SupplierFuzzyFloor = def.SupplierFuzzyFloor
	}
	if cfg.ValueFullBand <= 0 {
		cfg.ValueFullBand = def.ValueFullBand
	}
	if cfg.ValueOuterBound <= cfg.ValueFullBand {
		cfg.ValueOuterBound = def.ValueOuterBound
	}
	return &Scorer{
		cfg:        cfg,
		aliases:    aliases,
		reconciler: reconcile.New(cfg.DescriptionThreshold),
	}
}

// Reconciler returns the line reconciler the scorer uses for the line-item
// component, so pair reconciliation agrees with scoring.
func (s *Scorer) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// Aliases returns the supplier alias table (may be nil).
func (s *Scorer) Aliases() *normalize.AliasTable {
	return s.aliases
}

// Result is the outcome of scoring one (invoice, delivery note) pair.
type Result struct {
	Confidence float64
	Breakdown  ir.ScoreBreakdown
	Reasons    []ir.ReasonCode
	DaysApart  int
}

// Score computes the confidence for inv against dn.
func (s *Scorer) Score(inv ir.Invoice, dn ir.DeliveryNote) Result {
	supplier, supplierReason := s.supplier(inv.SupplierName, dn.SupplierName)
	date, dateReason, days := dateComponent(inv, dn)
	lines, linesReason := s.lineItems(inv.Lines, dn.Lines)
	value, valueReason := s.value(inv.Total, dn.Total)

	b := ir.MustScoreBreakdown(
		ir.Clamp(supplier, 0, ir.MaxSupplier),
		ir.Clamp(date, 0, ir.MaxDate),
		ir.Clamp(lines, 0, ir.MaxLineItems),
		ir.Clamp(value, 0, ir.MaxValue),
	)
	return Result{
		Confidence: b.Confidence(),
		Breakdown:  b,
		Reasons:    []ir.ReasonCode{supplierReason, dateReason, linesReason, valueReason},
		DaysApart:  days,
	}
}

// Candidate scores the pair and packages it as a MatchCandidate.
func (s *Scorer) Candidate(inv ir.Invoice, dn ir.DeliveryNote) ir.MatchCandidate {
	r := s.Score(inv, dn)
	return ir.MatchCandidate{
		InvoiceID:      inv.ID,
		DeliveryNoteID: dn.ID,
		Confidence:     r.Confidence,
		Breakdown:      r.Breakdown,
		Reasons:        r.Reasons,
		DaysApart:      r.DaysApart,
	}
}

func (s *Scorer) supplier(a, b string) (float64, ir.ReasonCode) {
	na, nb := normalize.SupplierName(a), normalize.SupplierName(b)
	switch {
	case na == "" || nb == "":
		return 0, ir.ReasonSupplierMissing
	case na == nb:
		return ir.MaxSupplier, ir.ReasonSupplierExact
	case s.aliases.Same(a, b):
		return ir.MaxSupplier, ir.ReasonSupplierAlias
	}
	sim := normalize.JaroWinkler(na, nb)
	if sim < s.cfg.SupplierFuzzyFloor {
		return 0, ir.ReasonSupplierMismatch
	}
	return ir.MaxSupplier * sim, ir.ReasonSupplierFuzzy
}

func dateComponent(inv ir.Invoice, dn ir.DeliveryNote) (float64, ir.ReasonCode, int) {
	if inv.Date.IsZero() || dn.Date.IsZero() {
		return 0, ir.ReasonDateMissing, -1
	}
	days := ir.DaysApart(inv.Date, dn.Date)
	switch {
	case days == 0:
		return 25, ir.ReasonDateSame, days
	case days <= 1:
		return 20, ir.ReasonDateWithin1, days
	case days <= 3:
		return 10, ir.ReasonDateWithin3, days
	default:
		return 0, ir.ReasonDateOutside, days
	}
}

func (s *Scorer) lineItems(inv, dn []ir.LineItem) (float64, ir.ReasonCode) {
	if len(inv) == 0 || len(dn) == 0 {
		return 0, ir.ReasonLinesMissing
	}
	matched := len(s.reconciler.Match(inv, dn))
	score := float64(matched) / float64(max(len(inv), 1)) * ir.MaxLineItems
	switch {
	case matched == len(inv):
		return score, ir.ReasonLinesFullOverlap
	case matched > 0:
		return score, ir.ReasonLinesPartialOverlap
	default:
		return 0, ir.ReasonLinesNoOverlap
	}
}

func (s *Scorer) value(inv, dn decimal.NullDecimal) (float64, ir.ReasonCode) {
	if !inv.Valid || !dn.Valid || inv.Decimal.IsZero() {
		return 0, ir.ReasonValueMissing
	}
	ratio, _ := inv.Decimal.Sub(dn.Decimal).Abs().Div(inv.Decimal.Abs()).Float64()
	full, outer := s.cfg.ValueFullBand, s.cfg.ValueOuterBound
	switch {
	case ratio <= full:
		return ir.MaxValue, ir.ReasonValueMatch
	case ratio >= outer:
		return 0, ir.ReasonValueMismatch
	default:
		return ir.MaxValue * (outer - ratio) / (outer - full), ir.ReasonValueNear
	}
}
