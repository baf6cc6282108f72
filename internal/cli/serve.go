package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pairwise/internal/api"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and deliver queued decisions",
		Long: `Serve the HTTP API and run the queue worker until interrupted. Queued
decisions are delivered in the background with exponential backoff.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(rootOpts, cmd, "serve", func(ctx context.Context, a *app, out *OutputFormatter) error {
				if addr == "" {
					addr = a.cfg.API.Addr
				}
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				srv := api.New(a.engine,
					api.WithLogger(a.log),
					api.WithAllowOrigins(a.cfg.API.AllowOrigins...),
				)
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := a.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return fmt.Errorf("queue worker: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					return srv.ListenAndServe(gctx, addr)
				})
				out.VerboseLog("serving on %s", addr)
				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")

	return cmd
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{
				Format:    rootOpts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   rootOpts.Verbose,
			}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.Fail("config", WrapExitError(ExitCommandError, "config", err))
			}
			return out.Success(cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				_ = enc.Encode(cfg)
				_ = enc.Close()
			})
		},
	}
}
