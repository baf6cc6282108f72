// Package reconcile pairs invoice lines with delivery-note lines and
// classifies each pairing.
//
// Matching is two-step. Every candidate edge is built first: normalized SKU
// equality gives similarity 1.0, otherwise the normalized-description
// Levenshtein ratio counts if it reaches the threshold. Edges are then
// assigned greedily, highest similarity first, so each line is used at most
// once. Ties go to the closest quantity, then to input order.
//
// Classification uses zero tolerance. Tolerances belong to the policy package.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
)

// DefaultDescriptionThreshold is the minimum description similarity for a
// non-SKU match.
const DefaultDescriptionThreshold = 0.8

// Per-line confidence multipliers.
const (
	qtyMismatchFactor   = 0.8
	priceMismatchFactor = 0.9
)

// Reconciler matches and classifies line items. It is stateless apart from
// its threshold and safe for concurrent use.
type Reconciler struct {
	threshold float64
}

// New creates a Reconciler. A threshold outside (0, 1] selects the default.
func New(threshold float64) *Reconciler {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultDescriptionThreshold
	}
	return &Reconciler{threshold: threshold}
}

// Threshold returns the description similarity threshold in use.
func (r *Reconciler) Threshold() float64 {
	return r.threshold
}

// Match is one assigned (invoice line, delivery line) edge.
type Match struct {
	InvoiceIndex  int
	DeliveryIndex int
	Similarity    float64
	BySKU         bool
}

type edge struct {
	Match
	qtyGap decimal.Decimal
}

// Match assigns invoice lines to delivery lines. The result is ordered by
// invoice line index.
func (r *Reconciler) Match(inv, dn []ir.LineItem) []Match {
	invSKU := make([]string, len(inv))
	invDesc := make([]string, len(inv))
	for i, li := range inv {
		invSKU[i] = normalize.SKU(li.SKU)
		invDesc[i] = normalize.Description(li.Description)
	}
	dnSKU := make([]string, len(dn))
	dnDesc := make([]string, len(dn))
	for j, li := range dn {
		dnSKU[j] = normalize.SKU(li.SKU)
		dnDesc[j] = normalize.Description(li.Description)
	}

	var edges []edge
	for i := range inv {
		for j := range dn {
			var sim float64
			bySKU := false
			switch {
			case invSKU[i] != "" && invSKU[i] == dnSKU[j]:
				sim, bySKU = 1, true
			default:
				sim = normalize.LevenshteinRatio(invDesc[i], dnDesc[j])
				if sim < r.threshold {
					continue
				}
			}
			edges = append(edges, edge{
				Match:  Match{InvoiceIndex: i, DeliveryIndex: j, Similarity: sim, BySKU: bySKU},
				qtyGap: inv[i].Quantity.Sub(dn[j].Quantity).Abs(),
			})
		}
	}

	sort.SliceStable(edges, func(a, b int) bool {
		ea, eb := edges[a], edges[b]
		if ea.Similarity != eb.Similarity {
			return ea.Similarity > eb.Similarity
		}
		if ea.BySKU != eb.BySKU {
			return ea.BySKU
		}
		if c := ea.qtyGap.Cmp(eb.qtyGap); c != 0 {
			return c < 0
		}
		if ea.InvoiceIndex != eb.InvoiceIndex {
			return ea.InvoiceIndex < eb.InvoiceIndex
		}
		return ea.DeliveryIndex < eb.DeliveryIndex
	})

	usedInv := make([]bool, len(inv))
	usedDN := make([]bool, len(dn))
	var matches []Match
	for _, e := range edges {
		if usedInv[e.InvoiceIndex] || usedDN[e.DeliveryIndex] {
			continue
		}
		usedInv[e.InvoiceIndex] = true
		usedDN[e.DeliveryIndex] = true
		matches = append(matches, e.Match)
	}
	sort.Slice(matches, func(a, b int) bool {
		return matches[a].InvoiceIndex < matches[b].InvoiceIndex
	})
	return matches
}

// Reconcile matches the lines and returns one LineDiff per matched pair,
// per unmatched invoice line and per unmatched delivery line.
//
// Diffs are ordered by invoice line, then unmatched delivery lines in
// delivery order. EffectiveStatus equals Status until a policy is applied.
func (r *Reconciler) Reconcile(pairID string, inv, dn []ir.LineItem) []ir.LineDiff {
	matches := r.Match(inv, dn)
	byInv := make(map[int]Match, len(matches))
	matchedDN := make(map[int]bool, len(matches))
	for _, m := range matches {
		byInv[m.InvoiceIndex] = m
		matchedDN[m.DeliveryIndex] = true
	}

	diffs := make([]ir.LineDiff, 0, len(inv)+len(dn)-len(matches))
	for i, li := range inv {
		m, ok := byInv[i]
		if !ok {
			diffs = append(diffs, missingOnDN(pairID, i, li))
			continue
		}
		diffs = append(diffs, classify(pairID, i, li, m.DeliveryIndex, dn[m.DeliveryIndex], m.Similarity))
	}
	for j, li := range dn {
		if matchedDN[j] {
			continue
		}
		diffs = append(diffs, missingOnInv(pairID, j, li))
	}
	return diffs
}

func classify(pairID string, i int, inv ir.LineItem, j int, dn ir.LineItem, sim float64) ir.LineDiff {
	d := ir.LineDiff{
		InvoiceLineRef:  inv.Ref(i),
		DeliveryLineRef: dn.Ref(j),
		Description:     inv.Description,
		InvoiceQty:      decimal.NewNullDecimal(inv.Quantity),
		InvoicePrice:    inv.UnitPrice,
		DeliveryQty:     decimal.NewNullDecimal(dn.Quantity),
		DeliveryPrice:   dn.UnitPrice,
		UOM:             unitOf(inv, dn),
		UnitsDiffer:     inv.Unit != "" && dn.Unit != "" && normalize.Unit(inv.Unit) != normalize.Unit(dn.Unit),
		Similarity:      ir.Round2(sim),
	}
	d.ID = ir.LineDiffID(pairID, d.InvoiceLineRef, d.DeliveryLineRef, false)

	d.QtyMismatch = !inv.Quantity.Equal(dn.Quantity)
	if inv.UnitPrice.Valid && dn.UnitPrice.Valid {
		d.PriceMismatch = !inv.UnitPrice.Decimal.Equal(dn.UnitPrice.Decimal)
	}

	conf := 100 * sim
	switch {
	case d.QtyMismatch:
		d.Status = ir.LineQtyMismatch
	case d.PriceMismatch:
		d.Status = ir.LinePriceMismatch
	default:
		d.Status = ir.LineOK
	}
	if d.QtyMismatch {
		conf *= qtyMismatchFactor
	}
	if d.PriceMismatch {
		conf *= priceMismatchFactor
	}
	d.Confidence = ir.Round2(conf)
	d.EffectiveStatus = d.Status
	return d
}

func missingOnDN(pairID string, i int, li ir.LineItem) ir.LineDiff {
	ref := li.Ref(i)
	return ir.LineDiff{
		ID:              ir.LineDiffID(pairID, ref, "", false),
		InvoiceLineRef:  ref,
		Description:     li.Description,
		Status:          ir.LineMissingOnDN,
		EffectiveStatus: ir.LineMissingOnDN,
		InvoiceQty:      decimal.NewNullDecimal(li.Quantity),
		InvoicePrice:    li.UnitPrice,
		UOM:             li.Unit,
	}
}

func missingOnInv(pairID string, j int, li ir.LineItem) ir.LineDiff {
	ref := li.Ref(j)
	return ir.LineDiff{
		ID:              ir.LineDiffID(pairID, "", ref, false),
		DeliveryLineRef: ref,
		Description:     li.Description,
		Status:          ir.LineMissingOnInv,
		EffectiveStatus: ir.LineMissingOnInv,
		DeliveryQty:     decimal.NewNullDecimal(li.Quantity),
		DeliveryPrice:   li.UnitPrice,
		UOM:             li.Unit,
	}
}

func unitOf(inv, dn ir.LineItem) string {
	if inv.Unit != "" {
		return inv.Unit
	}
	return dn.Unit
}

// ValidateLines rejects line items the engine cannot reason about: negative
// quantities or prices and duplicate explicit ids.
func ValidateLines(op, docID string, lines []ir.LineItem) error {
	seen := make(map[string]bool, len(lines))
	for i, li := range lines {
		ref := li.Ref(i)
		if seen[ref] {
			return lineError(op, docID, "duplicate line reference %q", ref)
		}
		seen[ref] = true
		if li.Quantity.IsNegative() {
			return lineError(op, docID, "line %s has negative quantity %s", ref, li.Quantity)
		}
		if li.UnitPrice.Valid && li.UnitPrice.Decimal.IsNegative() {
			return lineError(op, docID, "line %s has negative unit price %s", ref, li.UnitPrice.Decimal)
		}
		if li.Description == "" && li.SKU == "" {
			return lineError(op, docID, "line %s has neither description nor sku", ref)
		}
	}
	return nil
}

func lineError(op, docID, format string, args ...any) error {
	return &ir.Error{
		Kind:    ir.KindInput,
		Op:      op,
		Message: fmt.Sprintf("document %s: ", docID) + fmt.Sprintf(format, args...),
	}
}

// Coverage summarizes how well the invoice lines were covered by a
// reconciliation.
type Coverage struct {
	InvoiceLines int
	Matched      int
	Discrepant   int
}

// LineCoverage returns the fraction of invoice lines that matched, 1 when
// the invoice has no lines.
func (c Coverage) LineCoverage() float64 {
	if c.InvoiceLines == 0 {
		return 1
	}
	return float64(c.Matched) / float64(c.InvoiceLines)
}

// MismatchRate returns the fraction of matched lines that are effectively
// discrepant.
func (c Coverage) MismatchRate() float64 {
	if c.Matched == 0 {
		return 0
	}
	return float64(c.Discrepant) / float64(c.Matched)
}

// Summarize computes coverage over diffs, ignoring synthetic remainders.
func Summarize(diffs []ir.LineDiff) Coverage {
	var c Coverage
	for _, d := range diffs {
		if d.Synthetic {
			continue
		}
		if d.InvoiceLineRef != "" {
			c.InvoiceLines++
		}
		if d.InvoiceLineRef != "" && d.DeliveryLineRef != "" {
			c.Matched++
			if d.Effective() != ir.LineOK {
				c.Discrepant++
			}
		}
	}
	return c
}
