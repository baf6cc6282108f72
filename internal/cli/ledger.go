package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
	"github.com/roach88/pairwise/internal/queue"
	"github.com/roach88/pairwise/internal/report"
)

// PairFilterOptions holds the pair selection flags shared by pairs and
// export.
type PairFilterOptions struct {
	Status     string
	InvoiceID  string
	Superseded bool
	Limit      int
	Offset     int
}

func (o *PairFilterOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Status, "status", "", "only pairs with this status (unmatched|partial|matched|conflict)")
	cmd.Flags().StringVar(&o.InvoiceID, "invoice", "", "only pairs of this invoice")
	cmd.Flags().BoolVar(&o.Superseded, "all", false, "include superseded pairs")
	cmd.Flags().IntVar(&o.Limit, "limit", 0, "maximum pairs (0 for all)")
	cmd.Flags().IntVar(&o.Offset, "offset", 0, "pairs to skip")
}

func (o *PairFilterOptions) filter() (pairing.Filter, error) {
	status := ir.PairStatus(o.Status)
	switch status {
	case "", ir.StatusUnmatched, ir.StatusPartial, ir.StatusMatched, ir.StatusConflict:
	default:
		return pairing.Filter{}, ir.Errorf(ir.KindInput, "pairs", "unknown status %q", o.Status)
	}
	if o.Limit < 0 || o.Offset < 0 {
		return pairing.Filter{}, ir.Errorf(ir.KindInput, "pairs", "limit and offset must not be negative")
	}
	return pairing.Filter{
		Status:            status,
		InvoiceID:         o.InvoiceID,
		IncludeSuperseded: o.Superseded,
		Limit:             o.Limit,
		Offset:            o.Offset,
	}, nil
}

// NewPairsCommand creates the pairs command.
func NewPairsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PairFilterOptions{}

	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Summarize matching pairs and the action queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "pairs", func(ctx context.Context, a *app, out *OutputFormatter) error {
				filter, err := opts.filter()
				if err != nil {
					return err
				}
				sum, err := a.engine.Summary(ctx, filter)
				if err != nil {
					return err
				}
				return out.Success(sum, func(w io.Writer) { printSummary(w, sum) })
			})
		},
	}
	opts.register(cmd)

	return cmd
}

func printSummary(w io.Writer, sum engine.Summary) {
	fmt.Fprintf(w, "matched %d  partial %d  conflict %d  unmatched %d  |  queued %d  failed %d\n\n",
		sum.Counts[ir.StatusMatched], sum.Counts[ir.StatusPartial],
		sum.Counts[ir.StatusConflict], sum.Counts[ir.StatusUnmatched],
		sum.PendingActions, sum.FailedActions)
	if len(sum.Pairs) == 0 {
		fmt.Fprintln(w, "No pairs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAIR\tINVOICE\tDELIVERY NOTE\tSTATUS\tCONFIDENCE\tACTOR\tFLAGS")
	for _, p := range sum.Pairs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%s\t%s\n",
			p.ID, p.InvoiceID, p.DeliveryNoteID, p.Status, p.Confidence, p.Actor, pairFlags(p))
	}
	tw.Flush()
}

func pairFlags(p ir.MatchingPair) string {
	switch {
	case p.Superseded:
		return "superseded"
	case p.Pending:
		return "pending"
	default:
		return ""
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <invoice-id>",
		Short: "Show an invoice's pairs and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "history", func(ctx context.Context, a *app, out *OutputFormatter) error {
				pairs, err := a.engine.PairHistory(ctx, args[0])
				if err != nil {
					return err
				}
				records, err := a.engine.AuditLog(ctx, args[0])
				if err != nil {
					return err
				}
				data := struct {
					Pairs []ir.MatchingPair `json:"pairs"`
					Audit []ir.AuditRecord  `json:"audit"`
				}{pairs, records}
				return out.Success(data, func(w io.Writer) { printAudit(w, args[0], records) })
			})
		},
	}
}

func printAudit(w io.Writer, invoiceID string, records []ir.AuditRecord) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No history for %s\n", invoiceID)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tACTION\tACTOR\tPAIR\tSTATUS\tDELIVERY NOTE")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Seq, r.At.UTC().Format(time.RFC3339), r.Action, r.Actor, dash(r.PairID),
			statusChange(r.PrevStatus, r.NewStatus), dash(r.DeliveryNoteID))
	}
	tw.Flush()
}

func statusChange(prev, next ir.PairStatus) string {
	if prev == next {
		return dash(string(next))
	}
	return fmt.Sprintf("%s -> %s", dash(string(prev)), dash(string(next)))
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PairFilterOptions{}

	cmd := &cobra.Command{
		Use:   "export <file.xlsx>",
		Short: "Export pairs and line diffs to an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "export", func(ctx context.Context, a *app, out *OutputFormatter) error {
				filter, err := opts.filter()
				if err != nil {
					return err
				}
				pairs, err := a.ledger.ListPairs(ctx, filter)
				if err != nil {
					return err
				}
				if err := report.SaveAs(args[0], pairs); err != nil {
					return err
				}
				data := map[string]any{"path": args[0], "pairs": len(pairs)}
				return out.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "Exported %d pair(s) to %s\n", len(pairs), args[0])
				})
			})
		},
	}
	opts.register(cmd)

	return cmd
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and deliver queued decisions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and failed actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "queue list", func(ctx context.Context, a *app, out *OutputFormatter) error {
				data := struct {
					Pending []ir.QueuedAction `json:"pending"`
					Failed  []ir.QueuedAction `json:"failed"`
				}{a.engine.PendingActions(), a.engine.FailedActions()}
				return out.Success(data, func(w io.Writer) {
					printActions(w, append(data.Pending, data.Failed...))
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver every ready queued action now",
		Long: `Deliver every queued action whose backoff has elapsed, in FIFO order per
invoice, even when offline. Actions that fail retryably stay queued;
exhausted actions are reverted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "queue drain", func(ctx context.Context, a *app, out *OutputFormatter) error {
				res, err := a.engine.DrainQueue(ctx)
				if err != nil {
					return err
				}
				return out.Success(res, func(w io.Writer) { printDrain(w, res) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <action-id>",
		Short: "Re-queue a failed action with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "queue retry", func(ctx context.Context, a *app, out *OutputFormatter) error {
				action, err := a.engine.RetryFailedAction(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Success(action, func(w io.Writer) { printActions(w, []ir.QueuedAction{action}) })
			})
		},
	})

	return cmd
}

func printActions(w io.Writer, actions []ir.QueuedAction) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tSEQ\tKIND\tINVOICE\tDELIVERY NOTE\tSTATE\tRETRIES\tLAST ERROR")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.Seq, a.Kind, a.InvoiceID, a.DeliveryNoteID, a.State, a.RetryCount, a.LastError)
	}
	tw.Flush()
}

func printDrain(w io.Writer, res queue.DrainResult) {
	fmt.Fprintf(w, "Delivered %d, failed %d, retrying %d\n", res.Succeeded, res.Failed, res.Retrying)
}
