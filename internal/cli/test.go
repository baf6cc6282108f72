package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pairwise/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // golden files directory
	Update    bool   // regenerate golden files
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-file|scenarios-dir>",
		Short: "Run matching scenarios against an in-memory engine",
		Long: `Run scripted matching scenarios. Each scenario seeds an in-memory
document store, runs its flow of decisions against a fresh engine and checks
its assertions. With --golden, traces are also compared against golden files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  pairwise test ./scenarios
  pairwise test ./scenarios --filter "offline_*"
  pairwise test ./scenarios --golden ./scenarios/golden --update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}
			if _, err := os.Stat(args[0]); err != nil {
				return out.Fail("test", WrapExitError(ExitCommandError, "test", err))
			}
			if opts.Update && opts.GoldenDir == "" {
				return out.Fail("test", NewExitError(ExitCommandError, "--update requires --golden"))
			}

			result, err := harness.RunSuite(cmd.Context(), args[0], harness.SuiteOptions{
				Filter:    opts.Filter,
				GoldenDir: opts.GoldenDir,
				Update:    opts.Update,
			})
			if err != nil {
				return out.Fail("test", WrapExitError(ExitCommandError, "test", err))
			}
			out.VerboseLog("ran %d scenario(s) from %s", result.Total, args[0])

			if err := out.Success(result, func(w io.Writer) { printSuite(w, result, opts.Update) }); err != nil {
				return err
			}
			if result.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "compare traces against golden files in this directory")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")

	return cmd
}

func printSuite(w io.Writer, result *harness.SuiteResult, updated bool) {
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, sr := range result.Scenarios {
		switch {
		case sr.Pass && updated:
			fmt.Fprintf(w, "✓ %s (golden updated)\n", sr.Name)
		case sr.Pass:
			fmt.Fprintf(w, "✓ %s\n", sr.Name)
		default:
			fmt.Fprintf(w, "✗ %s\n", sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
