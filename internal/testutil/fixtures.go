package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/pairwise/internal/ir"
)

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Money parses a decimal amount as a present NullDecimal. Panics on bad input.
func Money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// Line builds a line item. An empty price leaves the unit price absent.
func Line(sku, description, qty, price string) ir.LineItem {
	li := ir.LineItem{
		SKU:         sku,
		Description: description,
		Quantity:    decimal.RequireFromString(qty),
	}
	if price != "" {
		li.UnitPrice = Money(price)
	}
	return li
}

// StoriInvoice is the reference invoice: STORI LTD, 2025-10-12, total
// 126.40, two kegs.
func StoriInvoice(id string) ir.Invoice {
	return ir.Invoice{
		ID:           id,
		SupplierName: "STORI LTD",
		Date:         Day(2025, time.October, 12),
		Total:        Money("126.40"),
		Lines:        []ir.LineItem{Line("KEG", "Keg", "2", "63.20")},
	}
}

// StoriNote is a delivery note matching StoriInvoice, shifted by dayOffset
// days and delivering qty kegs.
func StoriNote(id string, dayOffset int, qty string) ir.DeliveryNote {
	return ir.DeliveryNote{
		ID:           id,
		SupplierName: "STORI LTD",
		Date:         Day(2025, time.October, 12).AddDate(0, 0, dayOffset),
		Total:        Money("125.00"),
		Lines:        []ir.LineItem{Line("KEG", "Keg", qty, "")},
	}
}
