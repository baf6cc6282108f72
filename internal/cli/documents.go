package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pairwise/internal/docstore"
	"github.com/roach88/pairwise/internal/ir"
)

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <batch.json>",
		Short: "Load invoices and delivery notes into the document store",
		Long: `Load a JSON batch of documents into the document store.

The batch holds "invoices" and "delivery_notes" arrays and is stored in
one transaction. A document whose id already exists is replaced; run
"pairwise reconcile" on its pairs afterwards. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "import", func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runImport(ctx, a, out, cmd.InOrStdin(), args[0])
			})
		},
	}
}

func runImport(ctx context.Context, a *app, out *OutputFormatter, stdin io.Reader, path string) error {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return ir.WrapError(ir.KindInput, "import", err)
		}
		defer f.Close()
		r = f
	}
	batch, err := docstore.ReadBatch(r)
	if err != nil {
		return err
	}
	res, err := a.docs.Import(ctx, batch)
	if err != nil {
		return err
	}
	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Imported %d invoice(s) and %d delivery note(s)\n", res.Invoices, res.DeliveryNotes)
	})
}
