package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/rickgao/ibkr-data/internal/orchestrator"
	"github.com/rickgao/ibkr-data/internal/poller"
	"github.com/rickgao/ibkr-data/internal/server"
	"github.com/rickgao/ibkr-data/internal/version"
)

// serveCmd holds the flags for the 'serve' subcommand.
type serveCmd struct {
	addr      string
	noInitial bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "sync on a schedule and serve health and status over HTTP" }
func (*serveCmd) Usage() string {
	return `ibkrsync serve [-addr <host:port>] [-no-initial]

  Runs sync cycles on the configured cron schedule until interrupted and
  exposes /health and /status.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "listen address; overrides server.addr")
	f.BoolVar(&c.noInitial, "no-initial", false, "wait for the first scheduled tick instead of syncing at start")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		logger := a.logger
		logger.Info("starting ibkrsync",
			"version", version.Version,
			"commit", version.Commit,
			"storage", a.cfg.Storage.Driver,
			"schedule", a.cfg.Poller.Schedule,
		)

		pc := poller.DefaultConfig()
		pc.Schedule = a.cfg.Poller.Schedule
		pc.Timeout = a.cfg.Poller.Timeout
		pc.RunOnStart = !c.noInitial
		pc.Plan = orchestrator.Plan{Accounts: a.cfg.Sync.Accounts}
		p, err := poller.New(pc, a.orch, logger)
		if err != nil {
			return err
		}

		addr := a.cfg.Server.Addr
		if c.addr != "" {
			addr = c.addr
		}
		srv := server.New(addr, server.NewHandler(a.store, p, logger), logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		if err := p.Start(ctx); err != nil {
			_ = srv.Stop(context.Background())
			return err
		}

		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Stop(shutdownCtx); err != nil {
			logger.Warn("poller stop", "err", err)
		}
		if err := srv.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping http server: %v\n", err)
		}
		logger.Info("ibkrsync stopped")
		return nil
	})
}
