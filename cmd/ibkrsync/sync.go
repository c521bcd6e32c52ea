package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/rickgao/ibkr-data/internal/cursor"
	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/orchestrator"
)

// syncCmd holds the flags for the 'sync' subcommand.
type syncCmd struct {
	from     string
	to       string
	entity   string
	accounts string
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "run one sync cycle against the gateway" }
func (*syncCmd) Usage() string {
	return `ibkrsync sync [-entity <type>] [-account <id,...>] [-from <date>] [-to <date>]

  Syncs every entity type, or only -entity, for every stored account, the
  configured accounts, or -account. Without -from the stored cursor decides
  the window; with it the window is backfilled as given.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.entity, "entity", "", "entity type: accounts, positions, executions, cash_transactions, account_summaries")
	f.StringVar(&c.accounts, "account", "", "comma-separated account ids")
	f.StringVar(&c.from, "from", "", "backfill window start, YYYY-MM-DD or RFC 3339")
	f.StringVar(&c.to, "to", "", "backfill window end, defaults to now")
}

// plan turns the flags into a cycle plan.
func (c *syncCmd) plan(configured []string, now time.Time) (orchestrator.Plan, error) {
	var p orchestrator.Plan
	if c.entity != "" {
		e, err := model.ParseEntityType(c.entity)
		if err != nil {
			return p, err
		}
		p.Entities = []model.EntityType{e}
	}
	p.Accounts = splitList(c.accounts)
	if len(p.Accounts) == 0 {
		p.Accounts = configured
	}

	if c.from == "" {
		if c.to != "" {
			return p, errors.New("-to needs -from")
		}
		return p, nil
	}
	from, err := parseTime(c.from)
	if err != nil {
		return p, fmt.Errorf("-from: %w", err)
	}
	to := now.UTC()
	if c.to != "" {
		if to, err = parseTime(c.to); err != nil {
			return p, fmt.Errorf("-to: %w", err)
		}
	}
	w := cursor.Window{From: from, To: to}
	if !w.Valid() {
		return p, fmt.Errorf("window %s is empty or reversed", window(from, to))
	}
	p.Window = &w
	return p, nil
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	plan, err := c.plan(cfg.Sync.Accounts, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(a *app) error {
		results, err := a.orch.SyncAll(ctx, plan)
		if perr := printRuns(os.Stdout, runsOf(results)); perr != nil {
			return perr
		}
		return err
	})
}
