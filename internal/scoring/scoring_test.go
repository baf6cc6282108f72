package scoring

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
)

var oct12 = time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func storiInvoice() ir.Invoice {
	return ir.Invoice{
		ID:           "INV-1",
		SupplierName: "STORI LTD",
		Date:         oct12,
		Total:        money("126.40"),
		Lines: []ir.LineItem{
			{SKU: "KEG", Description: "Keg", Quantity: decimal.NewFromInt(2), UnitPrice: money("63.20")},
		},
	}
}

func storiNote(dayOffset int) ir.DeliveryNote {
	return ir.DeliveryNote{
		ID:           "DN-1",
		SupplierName: "STORI LTD",
		Date:         oct12.AddDate(0, 0, dayOffset),
		Total:        money("125.00"),
		Lines: []ir.LineItem{
			{SKU: "KEG", Description: "Keg", Quantity: decimal.NewFromInt(2)},
		},
	}
}

func TestStoriSameDayScoresHundred(t *testing.T) {
	r := New(DefaultConfig(), nil).Score(storiInvoice(), storiNote(0))

	assert.Equal(t, ir.ScoreBreakdown{Supplier: 40, Date: 25, LineItems: 30, Value: 5}, r.Breakdown)
	assert.Equal(t, 100.0, r.Confidence)
	assert.Equal(t, []ir.ReasonCode{
		ir.ReasonSupplierExact, ir.ReasonDateSame, ir.ReasonLinesFullOverlap, ir.ReasonValueMatch,
	}, r.Reasons)
}

func TestStoriFourDaysLaterScoresSeventyFive(t *testing.T) {
	r := New(DefaultConfig(), nil).Score(storiInvoice(), storiNote(4))

	assert.Equal(t, 0.0, r.Breakdown.Date)
	assert.Equal(t, 75.0, r.Confidence)
	assert.Equal(t, 4, r.DaysApart)
	assert.Contains(t, r.Reasons, ir.ReasonDateOutside)
}

func TestDateComponent(t *testing.T) {
	tests := []struct {
		offset int
		want   float64
		reason ir.ReasonCode
	}{
		{0, 25, ir.ReasonDateSame},
		{1, 20, ir.ReasonDateWithin1},
		{-1, 20, ir.ReasonDateWithin1},
		{2, 10, ir.ReasonDateWithin3},
		{-3, 10, ir.ReasonDateWithin3},
		{4, 0, ir.ReasonDateOutside},
	}
	s := New(DefaultConfig(), nil)
	for _, tt := range tests {
		r := s.Score(storiInvoice(), storiNote(tt.offset))
		assert.Equal(t, tt.want, r.Breakdown.Date, "offset %d", tt.offset)
		assert.Contains(t, r.Reasons, tt.reason)
	}
}

func TestMissingFieldsDegradeOnlyTheirComponent(t *testing.T) {
	s := New(DefaultConfig(), nil)

	inv := storiInvoice()
	inv.Total = decimal.NullDecimal{}
	r := s.Score(inv, storiNote(0))
	assert.Equal(t, 95.0, r.Confidence)
	assert.Contains(t, r.Reasons, ir.ReasonValueMissing)

	inv = storiInvoice()
	inv.Date = time.Time{}
	r = s.Score(inv, storiNote(0))
	assert.Equal(t, 75.0, r.Confidence)
	assert.Contains(t, r.Reasons, ir.ReasonDateMissing)

	inv = storiInvoice()
	inv.SupplierName = ""
	r = s.Score(inv, storiNote(0))
	assert.Equal(t, 60.0, r.Confidence)
	assert.Contains(t, r.Reasons, ir.ReasonSupplierMissing)

	inv = storiInvoice()
	inv.Lines = nil
	r = s.Score(inv, storiNote(0))
	assert.Equal(t, 70.0, r.Confidence)
	assert.Contains(t, r.Reasons, ir.ReasonLinesMissing)

	inv = storiInvoice()
	inv.Total = money("0")
	r = s.Score(inv, storiNote(0))
	assert.Contains(t, r.Reasons, ir.ReasonValueMissing)
}

func TestSupplierAliasAndFuzzy(t *testing.T) {
	aliases := normalize.NewAliasTable(map[string][]string{"Stori Beers": {"STORI LTD"}})
	s := New(DefaultConfig(), aliases)

	dn := storiNote(0)
	dn.SupplierName = "Stori Beers"
	r := s.Score(storiInvoice(), dn)
	assert.Equal(t, 40.0, r.Breakdown.Supplier)
	assert.Contains(t, r.Reasons, ir.ReasonSupplierAlias)

	dn.SupplierName = "Storie Ltd"
	r = New(DefaultConfig(), nil).Score(storiInvoice(), dn)
	assert.Contains(t, r.Reasons, ir.ReasonSupplierFuzzy)
	assert.Greater(t, r.Breakdown.Supplier, 30.0)
	assert.Less(t, r.Breakdown.Supplier, 40.0)

	dn.SupplierName = "Brakes Brothers"
	r = New(DefaultConfig(), nil).Score(storiInvoice(), dn)
	assert.Equal(t, 0.0, r.Breakdown.Supplier)
	assert.Contains(t, r.Reasons, ir.ReasonSupplierMismatch)
}

func TestValueComponentDecay(t *testing.T) {
	s := New(DefaultConfig(), nil)
	tests := []struct {
		dnTotal string
		want    float64
		reason  ir.ReasonCode
	}{
		{"100", 5, ir.ReasonValueMatch},
		{"98", 5, ir.ReasonValueMatch},
		{"91.5", 2.5, ir.ReasonValueNear},
		{"85", 0, ir.ReasonValueMismatch},
		{"150", 0, ir.ReasonValueMismatch},
	}
	for _, tt := range tests {
		inv := storiInvoice()
		inv.Total = money("100")
		dn := storiNote(0)
		dn.Total = money(tt.dnTotal)
		r := s.Score(inv, dn)
		assert.Equal(t, tt.want, r.Breakdown.Value, "dn total %s", tt.dnTotal)
		assert.Contains(t, r.Reasons, tt.reason)
	}
}

func TestLineItemsPartialOverlap(t *testing.T) {
	inv := storiInvoice()
	inv.Lines = append(inv.Lines,
		ir.LineItem{Description: "Lemons", Quantity: decimal.NewFromInt(10)},
		ir.LineItem{Description: "Limes", Quantity: decimal.NewFromInt(5)},
	)
	r := New(DefaultConfig(), nil).Score(inv, storiNote(0))
	assert.Equal(t, 10.0, r.Breakdown.LineItems)
	assert.Contains(t, r.Reasons, ir.ReasonLinesPartialOverlap)
}

func TestScoreBoundsHoldForRandomDocuments(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"STORI LTD", "Stori", "Brakes", "", "Bidfood plc", "stori beers"}
	descs := []string{"Keg", "Lemons", "Tonic crate", "Ice", "Kegs"}
	s := New(DefaultConfig(), nil)

	randLines := func() []ir.LineItem {
		n := rng.Intn(4)
		out := make([]ir.LineItem, n)
		for i := range out {
			out[i] = ir.LineItem{
				Description: descs[rng.Intn(len(descs))],
				Quantity:    decimal.NewFromInt(int64(rng.Intn(5))),
			}
		}
		return out
	}
	randTotal := func() decimal.NullDecimal {
		if rng.Intn(5) == 0 {
			return decimal.NullDecimal{}
		}
		return decimal.NewNullDecimal(decimal.NewFromInt(int64(rng.Intn(500) - 50)))
	}

	for i := 0; i < 500; i++ {
		inv := ir.Invoice{
			SupplierName: names[rng.Intn(len(names))],
			Date:         oct12.AddDate(0, 0, rng.Intn(10)),
			Total:        randTotal(),
			Lines:        randLines(),
		}
		dn := ir.DeliveryNote{
			SupplierName: names[rng.Intn(len(names))],
			Date:         oct12.AddDate(0, 0, rng.Intn(10)),
			Total:        randTotal(),
			Lines:        randLines(),
		}
		r := s.Score(inv, dn)
		require.GreaterOrEqual(t, r.Confidence, 0.0)
		require.LessOrEqual(t, r.Confidence, 100.0)
		require.Equal(t, ir.Clamp(r.Breakdown.Sum(), 0, 100), r.Confidence)
		require.Len(t, r.Reasons, 4)
	}
}
