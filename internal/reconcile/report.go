package reconcile

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/roach88/pairwise/internal/ir"
)

// Render writes a fixed-width reconciliation table for diffs.
func Render(w io.Writer, diffs []ir.LineDiff) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INV\tDN\tDESCRIPTION\tSTATUS\tEFFECTIVE\tINV QTY\tDN QTY\tINV PRICE\tDN PRICE\tCONF\tFLAGS")
	for _, d := range diffs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			dash(d.InvoiceLineRef),
			dash(d.DeliveryLineRef),
			d.Description,
			d.Status,
			d.Effective(),
			num(d.InvoiceQty),
			num(d.DeliveryQty),
			num(d.InvoicePrice),
			num(d.DeliveryPrice),
			d.Confidence,
			flags(d),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func num(n decimal.NullDecimal) string {
	if !n.Valid {
		return "-"
	}
	return n.Decimal.String()
}

func flags(d ir.LineDiff) string {
	var out string
	add := func(s string) {
		if out != "" {
			out += ","
		}
		out += s
	}
	if d.QtyMismatch {
		add("qty")
	}
	if d.PriceMismatch {
		add("price")
	}
	if d.AutoApplied {
		add("auto")
	}
	if d.Synthetic {
		add("split")
	}
	return dash(out)
}
