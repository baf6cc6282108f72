package reconcile

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairwise/internal/ir"
)

func line(sku, desc string, qty, price string) ir.LineItem {
	li := ir.LineItem{SKU: sku, Description: desc, Quantity: decimal.RequireFromString(qty)}
	if price != "" {
		li.UnitPrice = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	return li
}

func TestMatchPrefersSKU(t *testing.T) {
	r := New(0)
	inv := []ir.LineItem{line("KEG-50", "Lager keg", "2", "60")}
	dn := []ir.LineItem{
		line("", "Lager keg", "2", ""),
		line("keg 50", "Something else entirely", "2", ""),
	}

	matches := r.Match(inv, dn)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].DeliveryIndex)
	assert.True(t, matches[0].BySKU)
	assert.Equal(t, 1.0, matches[0].Similarity)
}

func TestMatchTieBreaksOnClosestQuantity(t *testing.T) {
	r := New(0)
	inv := []ir.LineItem{line("", "Tonic crate", "6", "")}
	dn := []ir.LineItem{
		line("", "Tonic crate", "1", ""),
		line("", "Tonic crate", "5", ""),
	}

	matches := r.Match(inv, dn)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].DeliveryIndex)
}

func TestMatchEachLineUsedOnce(t *testing.T) {
	r := New(0)
	inv := []ir.LineItem{line("", "Keg", "1", ""), line("", "Keg", "1", "")}
	dn := []ir.LineItem{line("", "Keg", "1", "")}

	matches := r.Match(inv, dn)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].InvoiceIndex)
}

func TestMatchBelowThreshold(t *testing.T) {
	r := New(0.8)
	inv := []ir.LineItem{line("", "Lager keg", "1", "")}
	dn := []ir.LineItem{line("", "Cider box", "1", "")}
	assert.Empty(t, r.Match(inv, dn))
}

func TestReconcileClassification(t *testing.T) {
	tests := []struct {
		name       string
		inv, dn    ir.LineItem
		status     ir.LineStatus
		qty, price bool
		confidence float64
	}{
		{"exact", line("K", "Keg", "2", "60"), line("K", "Keg", "2", "60"), ir.LineOK, false, false, 100},
		{"qty", line("K", "Keg", "2", "60"), line("K", "Keg", "1", "60"), ir.LineQtyMismatch, true, false, 80},
		{"price", line("K", "Keg", "2", "60"), line("K", "Keg", "2", "55"), ir.LinePriceMismatch, false, true, 90},
		{"both flags qty governs", line("K", "Keg", "2", "60"), line("K", "Keg", "1", "55"), ir.LineQtyMismatch, true, true, 72},
		{"price ignored when one side missing", line("K", "Keg", "2", "60"), line("K", "Keg", "2", ""), ir.LineOK, false, false, 100},
		{"equal decimals with different scale", line("K", "Keg", "2.0", "60.00"), line("K", "Keg", "2", "60"), ir.LineOK, false, false, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diffs := New(0).Reconcile("pair-1", []ir.LineItem{tt.inv}, []ir.LineItem{tt.dn})
			require.Len(t, diffs, 1)
			d := diffs[0]
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.status, d.EffectiveStatus)
			assert.Equal(t, tt.qty, d.QtyMismatch)
			assert.Equal(t, tt.price, d.PriceMismatch)
			assert.Equal(t, tt.confidence, d.Confidence)
			assert.Equal(t, "L1", d.InvoiceLineRef)
			assert.Equal(t, "L1", d.DeliveryLineRef)
		})
	}
}

func TestReconcileMissingLines(t *testing.T) {
	inv := []ir.LineItem{line("A", "Keg", "2", ""), line("B", "Lemons", "10", "")}
	dn := []ir.LineItem{line("A", "Keg", "2", ""), line("C", "Limes", "4", "")}

	diffs := New(0).Reconcile("pair-1", inv, dn)
	require.Len(t, diffs, 3)

	assert.Equal(t, ir.LineOK, diffs[0].Status)

	assert.Equal(t, ir.LineMissingOnDN, diffs[1].Status)
	assert.Equal(t, "L2", diffs[1].InvoiceLineRef)
	assert.Empty(t, diffs[1].DeliveryLineRef)
	assert.False(t, diffs[1].DeliveryQty.Valid)
	assert.Zero(t, diffs[1].Confidence)

	assert.Equal(t, ir.LineMissingOnInv, diffs[2].Status)
	assert.Empty(t, diffs[2].InvoiceLineRef)
	assert.Equal(t, "L2", diffs[2].DeliveryLineRef)
}

func TestReconcileDeterministicIDs(t *testing.T) {
	inv := []ir.LineItem{line("A", "Keg", "2", "")}
	dn := []ir.LineItem{line("A", "Keg", "1", "")}

	a := New(0).Reconcile("pair-1", inv, dn)
	b := New(0).Reconcile("pair-1", inv, dn)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a[0].ID, New(0).Reconcile("pair-2", inv, dn)[0].ID)
}

func TestValidateLines(t *testing.T) {
	ok := []ir.LineItem{line("A", "Keg", "2", "1")}
	require.NoError(t, ValidateLines("op", "INV-1", ok))

	neg := []ir.LineItem{line("A", "Keg", "-1", "")}
	err := ValidateLines("op", "INV-1", neg)
	require.Error(t, err)
	assert.True(t, ir.IsInputError(err))

	dup := []ir.LineItem{{ID: "x", Description: "a"}, {ID: "x", Description: "b"}}
	assert.True(t, ir.IsInputError(ValidateLines("op", "INV-1", dup)))

	blank := []ir.LineItem{{Quantity: decimal.NewFromInt(1)}}
	assert.True(t, ir.IsInputError(ValidateLines("op", "INV-1", blank)))
}

func TestSummarize(t *testing.T) {
	diffs := []ir.LineDiff{
		{InvoiceLineRef: "L1", DeliveryLineRef: "L1", Status: ir.LineOK},
		{InvoiceLineRef: "L2", DeliveryLineRef: "L2", Status: ir.LineQtyMismatch, EffectiveStatus: ir.LineOK},
		{InvoiceLineRef: "L3", DeliveryLineRef: "L3", Status: ir.LinePriceMismatch},
		{InvoiceLineRef: "L4", Status: ir.LineMissingOnDN},
		{InvoiceLineRef: "L3", Status: ir.LineMissingOnDN, Synthetic: true},
		{DeliveryLineRef: "L4", Status: ir.LineMissingOnInv},
	}
	c := Summarize(diffs)
	assert.Equal(t, 4, c.InvoiceLines)
	assert.Equal(t, 3, c.Matched)
	assert.Equal(t, 1, c.Discrepant)
	assert.InDelta(t, 0.75, c.LineCoverage(), 1e-9)
	assert.InDelta(t, 1.0/3, c.MismatchRate(), 1e-9)

	assert.Equal(t, 1.0, Summarize(nil).LineCoverage())
}

func TestRenderGolden(t *testing.T) {
	inv := []ir.LineItem{
		line("KEG-50", "Lager keg 50L", "2", "60.00"),
		line("", "Lemons", "10", "0.20"),
		line("", "Tonic crate", "6", "9.50"),
	}
	dn := []ir.LineItem{
		line("keg50", "Lager keg", "1", "60.00"),
		line("", "Tonic crates", "6", "9.00"),
		line("", "Ice bags", "4", ""),
	}
	diffs := New(0).Reconcile("pair-golden", inv, dn)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, diffs))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "reconcile_report", buf.Bytes())
}
