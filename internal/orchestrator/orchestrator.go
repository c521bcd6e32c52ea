package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ibkr-data/internal/api"
	"github.com/rickgao/ibkr-data/internal/auth"
	"github.com/rickgao/ibkr-data/internal/cursor"
	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/normalize"
	"github.com/rickgao/ibkr-data/internal/storage"
	"github.com/rickgao/ibkr-data/internal/validate"
)

var (
	// ErrInvalidRequest: the request names no entity, lacks a required
	// account, or carries an inverted window or one older than the gateway
	// serves.
	ErrInvalidRequest = errors.New("invalid sync request")

	// ErrUnknownAccount: an account-scoped sync for an account that was
	// never discovered by an accounts sync.
	ErrUnknownAccount = errors.New("account has not been synced")

	// ErrSuspended: the cycle stopped issuing fetches after the gateway
	// reported an invalid session.
	ErrSuspended = errors.New("sync suspended after session failure")
)

// Resolution hints beyond the gateway ones in package api.
const (
	HintSyncAccounts      = "run an accounts sync first"
	HintInspectRejections = "inspect the rejected records in the log; the gateway payload may have changed"
	HintDivergence        = "stored records differ from the gateway; investigate before correcting them by hand"
)

// Fetcher retrieves raw records. *api.Client implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, sess auth.Session, ep api.Endpoint, p api.Params) (*api.Payload, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Fetcher    Fetcher
	Sessions   auth.Provider
	Store      storage.Store
	Normalizer *normalize.Normalizer
	Validator  *validate.Validator
	Logger     *slog.Logger
	Now        func() time.Time // Defaults to time.Now
}

// Config holds orchestrator settings.
type Config struct {
	Endpoints    map[model.EntityType]api.Endpoint
	Currency     string
	Overlap      time.Duration
	Lookbacks    cursor.Lookbacks
	Concurrency  int // Concurrent account-scoped syncs in SyncAll
	HistoryLimit int // P&L points loaded per key for the outlier rule
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Endpoints:    api.DefaultEndpoints(),
		Currency:     "USD",
		Overlap:      time.Hour,
		Lookbacks:    cursor.DefaultLookbacks(),
		Concurrency:  4,
		HistoryLimit: 30,
	}
}

// Orchestrator drives sync runs.
type Orchestrator struct {
	cfg        Config
	fetcher    Fetcher
	sessions   auth.Provider
	store      storage.Store
	normalizer *normalize.Normalizer
	validator  *validate.Validator
	cursors    *cursor.Store
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("orchestrator: fetcher is required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session provider is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Normalizer == nil:
		return nil, errors.New("orchestrator: normalizer is required")
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = api.DefaultEndpoints()
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Lookbacks == (cursor.Lookbacks{}) {
		cfg.Lookbacks = cursor.DefaultLookbacks()
	}

	var opts []cursor.Option
	if deps.Now != nil {
		opts = append(opts, cursor.WithClock(deps.Now))
	}
	return &Orchestrator{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		sessions:   deps.Sessions,
		store:      deps.Store,
		normalizer: deps.Normalizer,
		validator:  deps.Validator,
		cursors:    cursor.New(deps.Store, cfg.Overlap, opts...),
		logger:     logger,
	}, nil
}

// Cursors exposes the cursor store, for status reporting.
func (o *Orchestrator) Cursors() *cursor.Store {
	return o.cursors
}

// Request asks for one sync run.
type Request struct {
	Entity    model.EntityType
	AccountID string         // Required for every type except accounts
	Window    *cursor.Window // Explicit backfill window; nil uses the cursor
}

func (r Request) key() cursor.Key {
	return cursor.Key{Entity: r.Entity, AccountID: r.AccountID}
}

func (r Request) validate() error {
	if e, err := model.ParseEntityType(string(r.Entity)); err != nil || e != r.Entity {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidRequest, r.Entity)
	}
	if r.Entity.AccountScoped() && r.AccountID == "" {
		return fmt.Errorf("%w: %s sync needs an account", ErrInvalidRequest, r.Entity)
	}
	if !r.Entity.AccountScoped() && r.AccountID != "" {
		return fmt.Errorf("%w: %s sync takes no account", ErrInvalidRequest, r.Entity)
	}
	if r.Window != nil && !r.Window.Valid() {
		return fmt.Errorf("%w: window %s to %s", ErrInvalidRequest,
			r.Window.From.Format(time.RFC3339), r.Window.To.Format(time.RFC3339))
	}
	return nil
}

// Result describes a finished run.
type Result struct {
	Run         model.SyncRun
	Trace       []State
	Violations  []validate.Violation
	Rejections  []error // Normalization failures
	Divergences []*storage.Divergence
}

// Status is the recorded run status.
func (r *Result) Status() model.RunStatus {
	return r.Run.Status
}

// State is the last state the run reached.
func (r *Result) State() State {
	if len(r.Trace) == 0 {
		return StateIdle
	}
	return r.Trace[len(r.Trace)-1]
}

func (r *Result) enter(s State) {
	r.Trace = append(r.Trace, s)
}

// Sync runs one sync for req. The Result is non-nil whenever a run was
// recorded; the error is non-nil when the run failed or could not start.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := o.servable(req, o.cursors.Now()); err != nil {
		return nil, err
	}
	release, err := o.cursors.Lock(ctx, req.key())
	if err != nil {
		return nil, err
	}
	defer release()
	return o.run(ctx, req)
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	started := o.cursors.Now()
	logger := o.logger.With("entity", req.Entity, "account", MaskAccount(req.AccountID))
	res := &Result{Run: model.SyncRun{
		Entity:    req.Entity,
		AccountID: req.AccountID,
		StartedAt: started,
	}}
	res.enter(StateIdle)

	win, err := o.window(ctx, req, started)
	if err != nil {
		return o.fail(ctx, logger, res, err, "")
	}
	res.Run.From, res.Run.To = win.From, win.To
	res.Run.OverlapSeconds = int(win.Overlap / time.Second)
	res.enter(StateWindowComputed)

	if req.Entity.AccountScoped() {
		acct, err := o.store.GetAccount(ctx, req.AccountID)
		if err != nil {
			return o.fail(ctx, logger, res, err, "")
		}
		if acct == nil {
			return o.fail(ctx, logger, res,
				fmt.Errorf("%w: %s", ErrUnknownAccount, MaskAccount(req.AccountID)), HintSyncAccounts)
		}
	}

	res.enter(StateFetching)
	logger.Debug("fetching", "from", win.From, "to", win.To, "found_cursor", win.Found)
	raws, err := o.fetch(ctx, req, win.Window, started)
	if err != nil {
		return o.fail(ctx, logger, res, err, "")
	}
	res.Run.Fetched = len(raws)

	res.enter(StateNormalizing)
	batch, err := o.normalize(ctx, logger, req, raws, win.Window, started, res)
	if err != nil {
		return o.fail(ctx, logger, res, err, "")
	}

	res.enter(StateValidating)
	accepted, err := o.validate(ctx, logger, req, batch, started, res)
	if err != nil {
		return o.fail(ctx, logger, res, err, "")
	}

	res.enter(StatePersisting)
	err = o.store.WithTx(ctx, func(w storage.Writer) error {
		if err := o.persist(ctx, logger, w, accepted, res); err != nil {
			return err
		}
		decide(&res.Run)
		res.Run.CompletedAt = o.cursors.Now()
		id, err := o.cursors.RecordRun(ctx, w, res.Run)
		if err != nil {
			return err
		}
		res.Run.ID = id
		return nil
	})
	if err != nil {
		res.Run.ID = uuid.Nil
		return o.fail(ctx, logger, res, err, "")
	}

	if res.Run.Status == model.RunPartial {
		res.enter(StatePartiallyCompleted)
	} else {
		res.enter(StateCompleted)
	}
	logger.Info("sync completed",
		"status", res.Run.Status,
		"fetched", res.Run.Fetched,
		"written", res.Run.Written,
		"unchanged", res.Run.Unchanged,
		"rejected", res.Run.Rejected,
		"divergent", res.Run.Divergent,
		"duration", res.Run.CompletedAt.Sub(started),
	)
	return res, nil
}

// window is the explicit backfill window or the cursor window.
func (o *Orchestrator) window(ctx context.Context, req Request, now time.Time) (cursor.Cursor, error) {
	if req.Window != nil {
		return cursor.Cursor{Window: cursor.Window{From: req.Window.From.UTC(), To: req.Window.To.UTC()}}, nil
	}
	return o.cursors.GetCursor(ctx, req.key(), cursor.DefaultWindow(req.Entity, now, o.cfg.Lookbacks))
}

// decide sets the status from the run's counts and returns the hint. A
// batch with any rejected or divergent record is partial even when nothing
// was accepted: fetching the window again would not change the outcome,
// so the cursor moves past it and the records are left for review.
func decide(run *model.SyncRun) string {
	if run.Rejected+run.Divergent == 0 {
		run.Status = model.RunSuccess
		return ""
	}
	run.Status = model.RunPartial
	run.Error = fmt.Sprintf("%d rejected, %d divergent", run.Rejected, run.Divergent)
	if run.Divergent > 0 {
		run.Hint = HintDivergence
	} else {
		run.Hint = HintInspectRejections
	}
	return run.Hint
}

func hintFor(err error) string {
	if errors.Is(err, auth.ErrNoSession) {
		return api.HintReauthenticate
	}
	return api.Hint(err)
}

// fail records a failed run. The record is written even when ctx has been
// cancelled, so an aborted run still leaves an audit entry.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, res *Result, cause error, hint string) (*Result, error) {
	run := &res.Run
	run.Status = model.RunFailed
	run.Error = cause.Error()
	if hint == "" {
		hint = hintFor(cause)
	}
	run.Hint = hint
	// Nothing of a rolled-back batch is stored.
	run.Written, run.Unchanged = 0, 0
	if run.From.IsZero() {
		run.From, run.To = run.StartedAt, run.StartedAt
	}
	run.CompletedAt = o.cursors.Now()
	res.enter(StateFailed)

	id, err := o.cursors.RecordRun(context.WithoutCancel(ctx), o.store, *run)
	if err != nil {
		logger.Error("failed to record failed run", "cause", cause, "err", err)
		return res, fmt.Errorf("sync %s: %w", res.key(), errors.Join(cause, err))
	}
	run.ID = id

	logger.Warn("sync failed", "err", cause, "hint", hint, "fetched", run.Fetched, "rejected", run.Rejected)
	return res, fmt.Errorf("sync %s: %w", res.key(), cause)
}

func (r *Result) key() cursor.Key {
	return cursor.Key{Entity: r.Run.Entity, AccountID: r.Run.AccountID}
}

// normalize converts raw records, collecting failures as rejections.
// Records that belong to another account or fall outside the window are
// skipped and not counted.
func (o *Orchestrator) normalize(ctx context.Context, logger *slog.Logger, req Request, raws []json.RawMessage, win cursor.Window, observed time.Time, res *Result) ([]model.Record, error) {
	scope := normalize.Scope{
		AccountID:       req.AccountID,
		ObservedAt:      observed,
		DefaultCurrency: o.cfg.Currency,
	}
	batch := make([]model.Record, 0, len(raws))
	outside := 0
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := o.normalizer.Normalize(req.Entity, raw, scope)
		if err != nil {
			res.Run.Rejected++
			res.Rejections = append(res.Rejections, err)
			logger.Warn("record rejected", "index", i, "err", err)
			continue
		}
		if acct := recordAccount(rec); req.AccountID != "" && acct != req.AccountID {
			res.Run.Fetched--
			logger.Debug("skipping record of another account", "index", i, "record_account", MaskAccount(acct))
			continue
		}
		if !inWindow(rec, win) {
			res.Run.Fetched--
			outside++
			continue
		}
		batch = append(batch, rec)
	}
	if outside > 0 {
		logger.Debug("skipped records outside the window", "count", outside, "from", win.From, "to", win.To)
	}
	return batch, nil
}

func recordAccount(rec model.Record) string {
	switch r := rec.(type) {
	case model.PositionSnapshot:
		return r.AccountID
	case model.Execution:
		return r.AccountID
	case model.CashTransaction:
		return r.AccountID
	case model.AccountSummary:
		return r.AccountID
	}
	return ""
}

// validate runs the rules and returns the records without blocking
// violations.
func (o *Orchestrator) validate(ctx context.Context, logger *slog.Logger, req Request, batch []model.Record, now time.Time, res *Result) ([]model.Record, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	vc, err := o.validationContext(ctx, req, batch, now)
	if err != nil {
		return nil, err
	}
	violations, err := o.validator.Validate(batch, vc)
	if err != nil {
		return nil, err
	}
	res.Violations = violations
	for _, v := range violations {
		if v.Blocking() {
			logger.Warn("validation failed", "rule", v.Rule, "key", v.Key, "msg", v.Message)
		} else {
			logger.Info("validation warning", "rule", v.Rule, "key", v.Key, "msg", v.Message)
		}
	}

	rejected := validate.Rejected(violations)
	res.Run.Rejected += len(rejected)
	accepted := make([]model.Record, 0, len(batch)-len(rejected))
	for i, rec := range batch {
		if !rejected[i] {
			accepted = append(accepted, rec)
		}
	}
	return accepted, nil
}

func (o *Orchestrator) validationContext(ctx context.Context, req Request, batch []model.Record, now time.Time) (validate.Context, error) {
	vc := validate.Context{Now: now}
	var err error
	switch req.Entity {
	case model.EntityExecutions:
		ids := make([]string, 0, len(batch))
		for _, rec := range batch {
			ids = append(ids, rec.(model.Execution).ExecID)
		}
		vc.PriorExecutionTimes, err = o.store.ExecutionTimes(ctx, ids)
	case model.EntityPositions:
		vc.PnLHistory, err = o.store.PositionPnLHistory(ctx, req.AccountID, o.cfg.HistoryLimit)
	case model.EntityAccountSummaries:
		var h []int64
		h, err = o.store.SummaryPnLHistory(ctx, req.AccountID, o.cfg.HistoryLimit)
		vc.PnLHistory = map[string][]int64{req.AccountID: h}
	}
	if err != nil {
		return validate.Context{}, fmt.Errorf("load validation context: %w", err)
	}
	return vc, nil
}
