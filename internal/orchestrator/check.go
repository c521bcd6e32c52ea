package orchestrator

import (
	"context"
	"fmt"
)

// Check fetches, normalizes and validates req like Sync but writes
// nothing: no records, no run, no cursor movement. The returned Result
// carries the violations and the status the run would have had. The
// account does not need to be stored yet.
func (o *Orchestrator) Check(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	started := o.cursors.Now()
	if err := o.servable(req, started); err != nil {
		return nil, err
	}
	logger := o.logger.With("entity", req.Entity, "account", MaskAccount(req.AccountID), "dry_run", true)
	res := &Result{}
	res.Run.Entity, res.Run.AccountID, res.Run.StartedAt = req.Entity, req.AccountID, started
	res.enter(StateIdle)

	win, err := o.window(ctx, req, started)
	if err != nil {
		return res, fmt.Errorf("check %s: %w", req.key(), err)
	}
	res.Run.From, res.Run.To = win.From, win.To
	res.enter(StateWindowComputed)

	res.enter(StateFetching)
	raws, err := o.fetch(ctx, req, win.Window, started)
	if err != nil {
		return res, fmt.Errorf("check %s: %w", req.key(), err)
	}
	res.Run.Fetched = len(raws)

	res.enter(StateNormalizing)
	batch, err := o.normalize(ctx, logger, req, raws, win.Window, started, res)
	if err != nil {
		return res, fmt.Errorf("check %s: %w", req.key(), err)
	}

	res.enter(StateValidating)
	accepted, err := o.validate(ctx, logger, req, batch, started, res)
	if err != nil {
		return res, fmt.Errorf("check %s: %w", req.key(), err)
	}

	// Accepted records count as unchanged so decide sees them without
	// claiming anything was written.
	res.Run.Unchanged = len(accepted)
	decide(&res.Run)
	res.Run.CompletedAt = o.cursors.Now()
	return res, nil
}
