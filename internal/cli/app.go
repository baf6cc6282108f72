package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/roach88/pairwise/internal/audit"
	"github.com/roach88/pairwise/internal/config"
	"github.com/roach88/pairwise/internal/docstore"
	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/lock"
	"github.com/roach88/pairwise/internal/store"
)

// app is everything a command needs, opened from configuration.
type app struct {
	cfg    config.Config
	log    *logrus.Logger
	ledger *store.Store
	docs   *docstore.Store
	locks  lock.Locker
	sinks  audit.Multi
	engine *engine.Engine
}

// loadConfig layers .env files, the YAML file and PAIRWISE_* variables,
// then validates the result.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if err := config.LoadEnv(opts.EnvFiles...); err != nil {
		return config.Config{}, fmt.Errorf("load env: %w", err)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(opts *RootOptions, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(logrus.WarnLevel)
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if opts.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// openApp opens the ledger, the document store, the locker and the audit
// sinks, and loads the engine's queue.
func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (_ *app, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: newLogger(opts, logOut)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.ledger, err = store.Open(cfg.Ledger.Path); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if a.docs, err = docstore.Open(cfg.Docstore.DSN, docstore.WithLogger(a.log)); err != nil {
		return nil, err
	}

	a.locks = lock.NewLocal()
	if cfg.Locks.Addr != "" {
		rl, err := lock.NewRedis(ctx, cfg.Locks)
		if err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Locks.Addr, err)
		}
		a.locks = rl
	}

	if cfg.Audit.Log {
		a.sinks = append(a.sinks, audit.LogSink{Log: a.log.WithField("component", "audit")})
	}
	if len(cfg.Audit.Kafka.Brokers) > 0 {
		a.sinks = append(a.sinks, audit.NewKafkaSink(cfg.Audit.Kafka.Brokers, cfg.Audit.Kafka.Topic))
	}
	if cfg.Audit.AMQP.URL != "" {
		sink, err := audit.DialAMQP(cfg.Audit.AMQP.URL, cfg.Audit.AMQP.Queue)
		if err != nil {
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		a.sinks = append(a.sinks, sink)
	}

	eopts := []engine.Option{
		engine.WithLedger(a.ledger),
		engine.WithActionStore(a.ledger),
		engine.WithLocker(a.locks),
		engine.WithLogger(a.log),
	}
	if len(a.sinks) > 0 {
		eopts = append(eopts, engine.WithAuditSink(a.sinks))
	}
	a.engine = engine.New(a.docs, cfg.Engine(), eopts...)
	a.engine.SetOnline(!opts.Offline)
	if err := a.engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	var errs []error
	if err := a.sinks.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.locks.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.docs != nil {
		errs = append(errs, a.docs.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Warn("close")
	}
}

// command is the body of a command that needs an open app.
type command func(ctx context.Context, a *app, out *OutputFormatter) error

// runWithApp opens the app, runs fn under the configured actor and reports
// its error through the formatter.
func runWithApp(opts *RootOptions, cmd *cobra.Command, op string, fn command) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := engine.WithActor(cmd.Context(), opts.Actor)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(op, WrapExitError(ExitCommandError, "open", err))
	}
	defer a.close()
	out.VerboseLog("ledger %s, online %t", a.cfg.Ledger.Path, a.engine.Online())

	if err := fn(ctx, a, out); err != nil {
		return out.Fail(op, err)
	}
	return nil
}
