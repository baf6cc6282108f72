// Package policy applies configured tolerances to reconciliation output.
//
// The policy never edits raw values or raw statuses. It only decides each
// diff's EffectiveStatus and may append synthetic remainder diffs. Applying
// it drops earlier synthetic diffs and effective decisions first, so the
// result depends only on the raw diffs and the configuration.
package policy

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/pairwise/internal/ir"
)

// Config holds the auto-apply tolerances.
type Config struct {
	// QtyTolerancePct is the accepted relative quantity difference, in percent.
	QtyTolerancePct float64 `json:"qty_tolerance_pct" yaml:"qty_tolerance_pct"`

	// PriceTolerancePct is the accepted relative unit-price difference, in percent.
	PriceTolerancePct float64 `json:"price_tolerance_pct" yaml:"price_tolerance_pct"`

	// AutoSplit turns short deliveries into an accepted line plus a synthetic
	// missing remainder.
	AutoSplit bool `json:"auto_split" yaml:"auto_split"`
}

// Policy is immutable and safe for concurrent use.
type Policy struct {
	qtyTol   decimal.Decimal
	priceTol decimal.Decimal
	split    bool
}

// New creates a policy. Negative tolerances are treated as 0.
func New(cfg Config) *Policy {
	return &Policy{
		qtyTol:   pct(cfg.QtyTolerancePct),
		priceTol: pct(cfg.PriceTolerancePct),
		split:    cfg.AutoSplit,
	}
}

func pct(v float64) decimal.Decimal {
	if v < 0 {
		v = 0
	}
	return decimal.NewFromFloat(v)
}

// Config returns the configuration the policy was built from.
func (p *Policy) Config() Config {
	q, _ := p.qtyTol.Float64()
	pr, _ := p.priceTol.Float64()
	return Config{QtyTolerancePct: q, PriceTolerancePct: pr, AutoSplit: p.split}
}

// Apply returns a new slice with effective statuses decided and synthetic
// remainders inserted directly after their parent. The input is not modified.
func (p *Policy) Apply(pairID string, diffs []ir.LineDiff) []ir.LineDiff {
	out := make([]ir.LineDiff, 0, len(diffs))
	for _, d := range diffs {
		if d.Synthetic {
			continue
		}
		d.EffectiveStatus = d.Status
		d.AutoApplied = false

		if d.InvoiceLineRef == "" || d.DeliveryLineRef == "" || d.Status == ir.LineOK {
			out = append(out, d)
			continue
		}

		qtyOK := !d.QtyMismatch || Within(d.InvoiceQty, d.DeliveryQty, p.qtyTol)
		priceOK := !d.PriceMismatch || Within(d.InvoicePrice, d.DeliveryPrice, p.priceTol)

		if !qtyOK && p.canSplit(d) {
			if priceOK {
				d.EffectiveStatus = ir.LineOK
			} else {
				d.EffectiveStatus = ir.LinePriceMismatch
			}
			d.AutoApplied = true
			out = append(out, d, remainder(pairID, d))
			continue
		}

		if qtyOK && priceOK {
			d.EffectiveStatus = ir.LineOK
			d.AutoApplied = true
		} else if qtyOK {
			d.EffectiveStatus = ir.LinePriceMismatch
		}
		out = append(out, d)
	}
	return out
}

// canSplit reports whether d is a short delivery of the same unit.
func (p *Policy) canSplit(d ir.LineDiff) bool {
	if !p.split || !d.QtyMismatch || d.UnitsDiffer {
		return false
	}
	if !d.InvoiceQty.Valid || !d.DeliveryQty.Valid {
		return false
	}
	dq, iq := d.DeliveryQty.Decimal, d.InvoiceQty.Decimal
	return dq.IsPositive() && dq.LessThan(iq)
}

func remainder(pairID string, parent ir.LineDiff) ir.LineDiff {
	rest := parent.InvoiceQty.Decimal.Sub(parent.DeliveryQty.Decimal)
	return ir.LineDiff{
		ID:              ir.LineDiffID(pairID, parent.InvoiceLineRef, parent.DeliveryLineRef, true),
		InvoiceLineRef:  parent.InvoiceLineRef,
		Description:     parent.Description,
		Status:          ir.LineMissingOnDN,
		EffectiveStatus: ir.LineMissingOnDN,
		InvoiceQty:      decimal.NewNullDecimal(rest),
		InvoicePrice:    parent.InvoicePrice,
		UOM:             parent.UOM,
		Synthetic:       true,
		ParentID:        parent.ID,
	}
}

// Within reports whether |inv - dn| / |inv| is at most tolPct percent.
// Missing values are never within tolerance; a zero invoice value is within
// tolerance only when the other side is also zero.
func Within(inv, dn decimal.NullDecimal, tolPct decimal.Decimal) bool {
	if !inv.Valid || !dn.Valid {
		return false
	}
	diff := inv.Decimal.Sub(dn.Decimal).Abs()
	if inv.Decimal.IsZero() {
		return diff.IsZero()
	}
	rel := diff.Div(inv.Decimal.Abs()).Mul(decimal.NewFromInt(100))
	return rel.LessThanOrEqual(tolPct)
}

// AllOK reports whether every diff is effectively ok. An empty slice is
// all ok.
func AllOK(diffs []ir.LineDiff) bool {
	for _, d := range diffs {
		if d.Effective() != ir.LineOK {
			return false
		}
	}
	return true
}

// AnyAutoApplied reports whether the policy accepted at least one discrepancy.
func AnyAutoApplied(diffs []ir.LineDiff) bool {
	for _, d := range diffs {
		if d.AutoApplied {
			return true
		}
	}
	return false
}
