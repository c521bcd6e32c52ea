package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/ibkr-data/internal/api"
	"github.com/rickgao/ibkr-data/internal/cursor"
	"github.com/rickgao/ibkr-data/internal/model"
)

// cashRequest is the body of the transactions endpoint.
type cashRequest struct {
	AccountIDs []string `json:"acctIds"`
	Currency   string   `json:"currency"`
	Days       int      `json:"days"`
}

func (o *Orchestrator) fetch(ctx context.Context, req Request, win cursor.Window, now time.Time) ([]json.RawMessage, error) {
	ep, ok := o.cfg.Endpoints[req.Entity]
	if !ok {
		return nil, &api.RequestError{Endpoint: string(req.Entity), Err: errors.New("no endpoint configured")}
	}
	sess, err := o.sessions.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	payload, err := o.fetcher.FetchAll(ctx, sess, ep, o.params(req, win, now))
	if err != nil {
		return nil, err
	}
	return payload.Records, nil
}

// params maps a window onto the endpoint's inputs. History endpoints take
// a day count back from now, so the count covers the window start however
// long ago the window ended. Records past the window end are dropped after
// normalizing.
func (o *Orchestrator) params(req Request, win cursor.Window, now time.Time) api.Params {
	p := api.Params{Path: map[string]string{}}
	if req.AccountID != "" {
		p.Path[api.ParamAccountID] = req.AccountID
	}
	switch req.Entity {
	case model.EntityExecutions:
		p.Query = url.Values{"days": {strconv.Itoa(o.daysBack(req.Entity, win, now))}}
	case model.EntityCashTransactions:
		p.Body = cashRequest{
			AccountIDs: []string{req.AccountID},
			Currency:   o.cfg.Currency,
			Days:       o.daysBack(req.Entity, win, now),
		}
	}
	return p
}

// daysBack caps the day count at the served history. Only cursor windows
// reach the cap; explicit windows beyond it are refused up front.
func (o *Orchestrator) daysBack(entity model.EntityType, win cursor.Window, now time.Time) int {
	days := win.DaysBack(now)
	if lb, ok := o.cfg.Lookbacks.For(entity); ok {
		if limit := int(lb / (24 * time.Hour)); limit > 0 && days > limit {
			return limit
		}
	}
	return days
}

// servable refuses explicit windows that start before the history the
// gateway serves for the entity type.
func (o *Orchestrator) servable(req Request, now time.Time) error {
	if req.Window == nil {
		return nil
	}
	lb, ok := o.cfg.Lookbacks.For(req.Entity)
	if !ok {
		return nil
	}
	if earliest := now.Add(-lb); req.Window.From.Before(earliest) {
		return fmt.Errorf("%w: %s history starts %s, the gateway serves %d days back",
			ErrInvalidRequest, req.Entity, req.Window.From.UTC().Format(time.RFC3339), int(lb/(24*time.Hour)))
	}
	return nil
}

// inWindow reports whether a history record falls in the fetch window.
// Snapshots and records without a timestamp are always kept.
func inWindow(rec model.Record, win cursor.Window) bool {
	switch r := rec.(type) {
	case model.Execution:
		return r.ExecutedAt.IsZero() || win.Contains(r.ExecutedAt)
	case model.CashTransaction:
		return r.Date == "" || win.ContainsDate(r.Date)
	}
	return true
}

// MaskAccount shortens an account id for log lines.
func MaskAccount(id string) string {
	switch {
	case id == "":
		return ""
	case len(id) <= 3:
		return "****"
	}
	return id[:3] + "****"
}
