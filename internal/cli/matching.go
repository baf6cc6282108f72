package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
)

// CandidatesOptions holds flags for the candidates command.
type CandidatesOptions struct {
	*RootOptions
	Window        int
	MinConfidence float64
	Limit         int
	Retry         bool
}

// NewCandidatesCommand creates the candidates command.
func NewCandidatesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CandidatesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "candidates <invoice-id>",
		Short: "Rank delivery notes that may match an invoice",
		Long: `Rank delivery notes from the invoice's supplier within the date window,
best first. Notes the invoice has rejected and notes matched to other
invoices are left out; --retry forgets the rejections first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "candidates", func(ctx context.Context, a *app, out *OutputFormatter) error {
				var copts []engine.CandidateOption
				if cmd.Flags().Changed("window") {
					copts = append(copts, engine.WithWindow(opts.Window))
				}
				if cmd.Flags().Changed("min-confidence") {
					copts = append(copts, engine.WithMinConfidence(opts.MinConfidence))
				}
				if cmd.Flags().Changed("limit") {
					copts = append(copts, engine.WithLimit(opts.Limit))
				}
				generate := a.engine.GenerateCandidates
				if opts.Retry {
					generate = a.engine.RetryCandidates
				}
				cands, err := generate(ctx, args[0], copts...)
				if err != nil {
					return err
				}
				return out.Success(cands, func(w io.Writer) { printCandidates(w, args[0], cands) })
			})
		},
	}

	cmd.Flags().IntVar(&opts.Window, "window", 0, "date window in days (default from config)")
	cmd.Flags().Float64Var(&opts.MinConfidence, "min-confidence", 0, "drop candidates below this confidence (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum candidates (default from config)")
	cmd.Flags().BoolVar(&opts.Retry, "retry", false, "clear the invoice's rejections first")

	return cmd
}

func printCandidates(w io.Writer, invoiceID string, cands []ir.MatchCandidate) {
	if len(cands) == 0 {
		fmt.Fprintf(w, "No candidates for %s\n", invoiceID)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DELIVERY NOTE\tCONFIDENCE\tSUPPLIER\tDATE\tLINES\tVALUE\tDAYS\tREASONS")
	for _, c := range cands {
		fmt.Fprintf(tw, "%s\t%.1f\t%.0f\t%.0f\t%.1f\t%.1f\t%d\t%s\n",
			c.DeliveryNoteID, c.Confidence,
			c.Breakdown.Supplier, c.Breakdown.Date, c.Breakdown.LineItems, c.Breakdown.Value,
			c.DaysApart, joinReasons(c.Reasons))
	}
	tw.Flush()
}

func joinReasons(reasons []ir.ReasonCode) string {
	s := make([]string, len(reasons))
	for i, r := range reasons {
		s[i] = string(r)
	}
	return strings.Join(s, ",")
}

// NewConfirmCommand creates the confirm command.
func NewConfirmCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <invoice-id> <delivery-note-id>",
		Short: "Confirm an invoice's delivery note",
		Long: `Confirm a delivery note as the invoice's match. The pair is scored,
reconciled line by line and queued for delivery to the document store.
Confirming over a matched pair fails; use override.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "confirm", func(ctx context.Context, a *app, out *OutputFormatter) error {
				pair, err := a.engine.ConfirmPair(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return out.Success(pair, func(w io.Writer) { printPair(w, pair) })
			})
		},
	}
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <invoice-id> <delivery-note-id>",
		Short: "Reject a delivery note as an invoice's match",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "reject", func(ctx context.Context, a *app, out *OutputFormatter) error {
				if err := a.engine.RejectCandidate(ctx, args[0], args[1]); err != nil {
					return err
				}
				data := map[string]string{"invoice_id": args[0], "delivery_note_id": args[1]}
				return out.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "Rejected %s for %s\n", args[1], args[0])
				})
			})
		},
	}
}

// NewOverrideCommand creates the override command.
func NewOverrideCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "override <pair-id> <delivery-note-id>",
		Short: "Replace the delivery note of a current pair",
		Long: `Replace the delivery note of a current pair. The old pair is kept as
superseded history and the invoice's undelivered decisions are cancelled.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "override", func(ctx context.Context, a *app, out *OutputFormatter) error {
				pair, err := a.engine.OverridePair(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return out.Success(pair, func(w io.Writer) { printPair(w, pair) })
			})
		},
	}
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <pair-id>",
		Short: "Recompute a pair's line diffs from current documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "reconcile", func(ctx context.Context, a *app, out *OutputFormatter) error {
				diffs, err := a.engine.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Success(diffs, func(w io.Writer) { printDiffs(w, diffs) })
			})
		},
	}
}

// NewRetryLateCommand creates the retry-late command.
func NewRetryLateCommand(rootOpts *RootOptions) *cobra.Command {
	var lookback time.Duration

	cmd := &cobra.Command{
		Use:   "retry-late",
		Short: "Auto-match invoices whose delivery notes arrived late",
		Long: `Re-run candidate generation for every unpaired invoice. A sole top
candidate at or above the auto-match threshold is confirmed; ties are
left for review.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "retry-late", func(ctx context.Context, a *app, out *OutputFormatter) error {
				res, err := a.engine.RetryLateMatches(ctx, lookback)
				if err != nil {
					return err
				}
				return out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Scanned %d invoice(s): %d new match(es), %d tie(s) left for review\n",
						res.Scanned, res.NewMatchesFound, res.Ties)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&lookback, "lookback", 0, "only invoices dated within this duration (default from config)")

	return cmd
}

func printPair(w io.Writer, p ir.MatchingPair) {
	fmt.Fprintf(w, "Pair %s: %s <-> %s\n", p.ID, p.InvoiceID, p.DeliveryNoteID)
	fmt.Fprintf(w, "  status:     %s", p.Status)
	if p.Pending {
		fmt.Fprint(w, " (pending delivery)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  confidence: %.1f (supplier %.0f, date %.0f, lines %.1f, value %.1f)\n",
		p.Confidence, p.Breakdown.Supplier, p.Breakdown.Date, p.Breakdown.LineItems, p.Breakdown.Value)
	if len(p.Reasons) > 0 {
		fmt.Fprintf(w, "  reasons:    %s\n", joinReasons(p.Reasons))
	}
	if p.Supersedes != "" {
		fmt.Fprintf(w, "  supersedes: %s\n", p.Supersedes)
	}
	if len(p.LineDiffs) > 0 {
		fmt.Fprintln(w)
		printDiffs(w, p.LineDiffs)
	}
}

func printDiffs(w io.Writer, diffs []ir.LineDiff) {
	if len(diffs) == 0 {
		fmt.Fprintln(w, "No line diffs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tINVOICE\tDELIVERY\tSTATUS\tINV QTY\tDN QTY\tDESCRIPTION")
	for _, d := range diffs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, dash(d.InvoiceLineRef), dash(d.DeliveryLineRef), d.Effective(),
			qtyString(d.InvoiceQty.Valid, d.InvoiceQty.Decimal.String()),
			qtyString(d.DeliveryQty.Valid, d.DeliveryQty.Decimal.String()),
			d.Description)
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func qtyString(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s
}
