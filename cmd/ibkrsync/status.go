package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/storage"
)

// statusCmd holds the flags for the 'status' subcommand.
type statusCmd struct {
	n int
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show recent sync runs and stored record counts" }
func (*statusCmd) Usage() string {
	return `ibkrsync status [-n <runs>]

  Lists the most recent sync runs, newest first, then the number of stored
  records per entity type and the cursor of every account.
`
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.n, "n", 20, "number of runs to list")
}

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.n <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -n must be positive")
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(a *app) error {
		return writeStatus(ctx, os.Stdout, a.store, c.n)
	})
}

func writeStatus(ctx context.Context, out io.Writer, store storage.Reader, n int) error {
	runs, err := store.RecentRuns(ctx, n)
	if err != nil {
		return err
	}
	if err := printRuns(out, runs); err != nil {
		return err
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tRECORDS")
	for _, e := range model.AllEntities {
		count, err := store.Count(ctx, e)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\n", e, count)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tENTITY\tCURSOR\tSTATUS")
	for _, acct := range accounts {
		for _, e := range model.AllEntities {
			if !e.AccountScoped() {
				continue
			}
			last, err := store.LastCompletedRun(ctx, e, acct.ID)
			if err != nil {
				return err
			}
			if last == nil {
				fmt.Fprintf(tw, "%s\t%s\t-\tnever synced\n", accountLabel(acct.ID), e)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", accountLabel(acct.ID), e, window(last.To, last.To), last.Status)
		}
	}
	return tw.Flush()
}
