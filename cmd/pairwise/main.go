// Command pairwise matches supplier invoices to delivery notes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/pairwise/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
