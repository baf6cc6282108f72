// Package report exports matching pairs and their line diffs to an Excel
// workbook for review outside the system.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/roach88/pairwise/internal/ir"
)

// Sheet names.
const (
	PairsSheet = "Pairs"
	DiffsSheet = "Line diffs"
)

var pairHeader = []any{
	"Pair", "Invoice", "Delivery note", "Status", "Confidence",
	"Supplier", "Date", "Line items", "Value",
	"Reasons", "Actor", "Pending", "Superseded", "Updated",
}

var diffHeader = []any{
	"Pair", "Invoice", "Line", "Invoice line", "Delivery line", "Description",
	"Status", "Effective status", "Invoice qty", "Delivery qty",
	"Invoice price", "Delivery price", "UOM", "Similarity", "Auto applied",
}

// Write renders pairs to an xlsx workbook on w. Pairs keep their given
// order; line diffs follow each pair's order.
func Write(w io.Writer, pairs []ir.MatchingPair) error {
	f, err := build(pairs)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SaveAs renders pairs to an xlsx file at path.
func SaveAs(path string, pairs []ir.MatchingPair) error {
	f, err := build(pairs)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook %s: %w", path, err)
	}
	return nil
}

func build(pairs []ir.MatchingPair) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", PairsSheet); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.NewSheet(DiffsSheet); err != nil {
		f.Close()
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := writeRow(f, PairsSheet, 1, pairHeader, bold); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeRow(f, DiffsSheet, 1, diffHeader, bold); err != nil {
		f.Close()
		return nil, err
	}

	pairRow, diffRow := 2, 2
	for _, p := range pairs {
		if err := writeRow(f, PairsSheet, pairRow, pairCells(p), 0); err != nil {
			f.Close()
			return nil, err
		}
		pairRow++
		for _, d := range p.LineDiffs {
			if err := writeRow(f, DiffsSheet, diffRow, diffCells(p, d), 0); err != nil {
				f.Close()
				return nil, err
			}
			diffRow++
		}
	}
	return f, nil
}

func writeRow(f *excelize.File, sheet string, row int, cells []any, style int) error {
	first, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, first, &cells); err != nil {
		return fmt.Errorf("%s row %d: %w", sheet, row, err)
	}
	if style == 0 {
		return nil
	}
	last, err := excelize.CoordinatesToCellName(len(cells), row)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, first, last, style)
}

func pairCells(p ir.MatchingPair) []any {
	reasons := make([]string, len(p.Reasons))
	for i, r := range p.Reasons {
		reasons[i] = string(r)
	}
	return []any{
		p.ID, p.InvoiceID, p.DeliveryNoteID, string(p.Status), p.Confidence,
		p.Breakdown.Supplier, p.Breakdown.Date, p.Breakdown.LineItems, p.Breakdown.Value,
		strings.Join(reasons, ", "), p.Actor, p.Pending, p.Superseded,
		p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func diffCells(p ir.MatchingPair, d ir.LineDiff) []any {
	return []any{
		p.ID, p.InvoiceID, d.ID, d.InvoiceLineRef, d.DeliveryLineRef, d.Description,
		string(d.Status), string(d.Effective()),
		number(d.InvoiceQty), number(d.DeliveryQty),
		number(d.InvoicePrice), number(d.DeliveryPrice),
		d.UOM, d.Similarity, d.AutoApplied,
	}
}

// number leaves the cell blank for a missing value.
func number(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}
