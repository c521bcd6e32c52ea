package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/orchestrator"
)

func accountLabel(id string) string {
	if id == "" {
		return "-"
	}
	return orchestrator.MaskAccount(id)
}

// printRuns writes one line per run.
func printRuns(out io.Writer, runs []model.SyncRun) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tACCOUNT\tSTATUS\tWINDOW\tFETCHED\tWRITTEN\tUNCHANGED\tREJECTED\tDIVERGENT\tHINT")
	for _, r := range runs {
		hint := r.Hint
		if hint == "" {
			hint = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Entity, accountLabel(r.AccountID), r.Status, window(r.From, r.To),
			r.Fetched, r.Written, r.Unchanged, r.Rejected, r.Divergent, hint)
	}
	return tw.Flush()
}

func window(from, to time.Time) string {
	if from.Equal(to) {
		return from.UTC().Format(time.RFC3339)
	}
	return from.UTC().Format(time.RFC3339) + ".." + to.UTC().Format(time.RFC3339)
}

func runsOf(results []*orchestrator.Result) []model.SyncRun {
	runs := make([]model.SyncRun, 0, len(results))
	for _, res := range results {
		runs = append(runs, res.Run)
	}
	return runs
}

// parseTime accepts a date or an RFC 3339 timestamp.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	return t.UTC(), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
