package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/orchestrator"
)

// validateCmd holds the flags for the 'validate' subcommand.
type validateCmd struct {
	accounts string
}

func (*validateCmd) Name() string     { return "validate" }
func (*validateCmd) Synopsis() string { return "fetch and validate without writing anything" }
func (*validateCmd) Usage() string {
	return `ibkrsync validate [-account <id,...>]

  Fetches the next window of every entity type, normalizes and validates
  it, and reports each violation. Nothing is stored and no cursor moves.
`
}

func (c *validateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.accounts, "account", "", "comma-separated account ids; defaults to configured or stored accounts")
}

func (c *validateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		accounts := splitList(c.accounts)
		if len(accounts) == 0 {
			accounts = a.cfg.Sync.Accounts
		}
		if len(accounts) == 0 {
			stored, err := a.store.ListAccounts(ctx)
			if err != nil {
				return err
			}
			for _, acct := range stored {
				accounts = append(accounts, acct.ID)
			}
		}

		reqs := []orchestrator.Request{{Entity: model.EntityAccounts}}
		for _, id := range accounts {
			for _, e := range model.AllEntities {
				if e.AccountScoped() {
					reqs = append(reqs, orchestrator.Request{Entity: e, AccountID: id})
				}
			}
		}

		var (
			results []*orchestrator.Result
			errs    []error
		)
		for _, req := range reqs {
			res, err := a.orch.Check(ctx, req)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			results = append(results, res)
		}
		if err := printRuns(os.Stdout, runsOf(results)); err != nil {
			return err
		}
		if err := printViolations(os.Stdout, results); err != nil {
			return err
		}
		return errors.Join(errs...)
	})
}

func printViolations(out io.Writer, results []*orchestrator.Result) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := false
	for _, res := range results {
		for _, rej := range res.Rejections {
			if !header {
				fmt.Fprintln(out)
				fmt.Fprintln(tw, "ENTITY\tACCOUNT\tRULE\tSEVERITY\tKEY\tMESSAGE")
				header = true
			}
			fmt.Fprintf(tw, "%s\t%s\tnormalize\terror\t-\t%v\n", res.Run.Entity, accountLabel(res.Run.AccountID), rej)
		}
		for _, v := range res.Violations {
			if !header {
				fmt.Fprintln(out)
				fmt.Fprintln(tw, "ENTITY\tACCOUNT\tRULE\tSEVERITY\tKEY\tMESSAGE")
				header = true
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				res.Run.Entity, accountLabel(res.Run.AccountID), v.Rule, v.Severity, v.Key, v.Message)
		}
	}
	return tw.Flush()
}
