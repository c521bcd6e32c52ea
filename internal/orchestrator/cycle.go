package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ibkr-data/internal/api"
	"github.com/rickgao/ibkr-data/internal/cursor"
	"github.com/rickgao/ibkr-data/internal/model"
)

// Plan selects what a cycle syncs.
type Plan struct {
	Entities []model.EntityType // Empty means model.AllEntities
	Accounts []string           // Empty means every stored account
	Window   *cursor.Window     // Backfill window applied to every sync
}

func (p Plan) includes(e model.EntityType) bool {
	return len(p.Entities) == 0 || slices.Contains(p.Entities, e)
}

// SyncAll runs a whole cycle: accounts first, since they are what the
// other types reference, then every other type per account with bounded
// concurrency. Once a run reports an invalid session, syncs that have not
// started yet are recorded as failed without calling the gateway.
//
// The returned error joins the errors of all failed runs.
func (o *Orchestrator) SyncAll(ctx context.Context, plan Plan) ([]*Result, error) {
	start := time.Now()
	var (
		results   []*Result
		errs      []error
		suspended atomic.Bool
	)
	collect := func(res *Result, err error) {
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, api.ErrSessionInvalid) {
				suspended.Store(true)
			}
		}
	}

	if plan.includes(model.EntityAccounts) {
		collect(o.Sync(ctx, Request{Entity: model.EntityAccounts, Window: plan.Window}))
	}

	accounts := plan.Accounts
	if len(accounts) == 0 {
		stored, err := o.store.ListAccounts(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list accounts: %w", err))
			return results, errors.Join(errs...)
		}
		for _, a := range stored {
			accounts = append(accounts, a.ID)
		}
	}

	var reqs []Request
	for _, acct := range accounts {
		for _, e := range model.AllEntities {
			if e.AccountScoped() && plan.includes(e) {
				reqs = append(reqs, Request{Entity: e, AccountID: acct, Window: plan.Window})
			}
		}
	}

	type outcome struct {
		res *Result
		err error
	}
	outcomes := make([]outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			var res *Result
			var err error
			if suspended.Load() {
				res, err = o.suspend(ctx, req)
			} else {
				res, err = o.Sync(ctx, req)
			}
			if errors.Is(err, api.ErrSessionInvalid) {
				suspended.Store(true)
			}
			outcomes[i] = outcome{res, err}
			return nil
		})
	}
	_ = g.Wait()
	for _, oc := range outcomes {
		collect(oc.res, oc.err)
	}

	failed := 0
	for _, r := range results {
		if r.Status() == model.RunFailed {
			failed++
		}
	}
	o.logger.Info("sync cycle complete",
		"runs", len(results),
		"failed", failed,
		"suspended", suspended.Load(),
		"duration", time.Since(start),
	)
	return results, errors.Join(errs...)
}

// suspend records a failed run for a sync skipped after a session failure.
func (o *Orchestrator) suspend(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	release, err := o.cursors.Lock(ctx, req.key())
	if err != nil {
		return nil, err
	}
	defer release()

	now := o.cursors.Now()
	res := &Result{Run: model.SyncRun{
		Entity:    req.Entity,
		AccountID: req.AccountID,
		From:      now,
		To:        now,
		StartedAt: now,
	}}
	res.enter(StateIdle)
	logger := o.logger.With("entity", req.Entity, "account", MaskAccount(req.AccountID))
	return o.fail(ctx, logger, res, ErrSuspended, api.HintReauthenticate)
}
