package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/ibkr-data/internal/api"
	"github.com/rickgao/ibkr-data/internal/auth"
	"github.com/rickgao/ibkr-data/internal/cursor"
	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/money"
	"github.com/rickgao/ibkr-data/internal/normalize"
	"github.com/rickgao/ibkr-data/internal/storage/sqlstore"
	"github.com/rickgao/ibkr-data/internal/validate"
)

var t0 = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

const acct = "U1234567"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fetchCall struct {
	Endpoint string
	Params   api.Params
}

// fakeFetcher serves canned records per endpoint name.
type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]json.RawMessage
	errs    map[string]error
	hook    func(ctx context.Context) error
	calls   []fetchCall
}

func (f *fakeFetcher) FetchAll(ctx context.Context, _ auth.Session, ep api.Endpoint, p api.Params) (*api.Payload, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{Endpoint: ep.Name, Params: p})
	hook := f.hook
	err := f.errs[ep.Name]
	records := f.records[ep.Name]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return &api.Payload{Records: records}, nil
}

func (f *fakeFetcher) set(endpoint string, raws ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]json.RawMessage, len(raws))
	for i, r := range raws {
		out[i] = json.RawMessage(r)
	}
	f.records[endpoint] = out
	delete(f.errs, endpoint)
}

func (f *fakeFetcher) fail(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[endpoint] = err
}

func (f *fakeFetcher) callsTo(endpoint string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	store *sqlstore.Store
	fetch *fakeFetcher
	clock *clock
	orch  *Orchestrator
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	conv, err := money.NewConverter("USD")
	require.NoError(t, err)

	h := &harness{
		store: st,
		fetch: &fakeFetcher{records: map[string][]json.RawMessage{}, errs: map[string]error{}},
		clock: &clock{now: t0},
	}
	cfg := DefaultConfig()
	cfg.Overlap = time.Hour
	for _, fn := range tweak {
		fn(&cfg)
	}
	h.orch, err = New(Deps{
		Fetcher:    h.fetch,
		Sessions:   auth.NewStaticProvider(auth.Session{Cookie: "api=test"}),
		Store:      st,
		Normalizer: normalize.New(conv),
		Validator:  validate.New(validate.DefaultConfig()),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        h.clock.Now,
	}, cfg)
	require.NoError(t, err)
	return h
}

func accountJSON(id string) string {
	return `{"accountId": "` + id + `", "accountTitle": "Jane Doe", "currency": "USD", "type": "INDIVIDUAL"}`
}

func execJSON(id, account, price string) string {
	return execAt(id, account, price, t0.Add(-30*time.Minute))
}

func execAt(id, account, price string, at time.Time) string {
	return `{"execution_id": "` + id + `", "symbol": "AAPL", "side": "B", "trade_time_r": ` + strconv.FormatInt(at.UnixMilli(), 10) + `,
		"size": 10, "price": "` + price + `", "account": "` + account + `", "sec_type": "STK", "conid": 265598}`
}

const positionJSON = `{"acctId": "U1234567", "conid": 265598, "ticker": "AAPL", "assetClass": "STK",
	"position": 10, "mktPrice": 190, "mktValue": 1900, "avgCost": 180, "unrealizedPnl": 100, "currency": "USD"}`

const summaryJSON = `{"netliquidation": {"amount": 100, "currency": "USD"},
	"totalcashvalue": {"amount": 40}, "grosspositionvalue": {"amount": 60}}`

func cashOn(date, id string) string {
	return `{"acctid": "U1234567", "date": "` + date + `", "amt": 12.34, "cur": "USD",
		"type": "Dividend", "transactionId": "` + id + `", "conid": 265598}`
}

func (h *harness) seedAccounts(t *testing.T, ids ...string) {
	t.Helper()
	raws := make([]string, len(ids))
	for i, id := range ids {
		raws[i] = accountJSON(id)
	}
	h.fetch.set("accounts", raws...)
	res, err := h.orch.Sync(context.Background(), Request{Entity: model.EntityAccounts})
	require.NoError(t, err)
	require.Equal(t, model.RunSuccess, res.Status())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

func TestSyncAccountsThenPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)

	accounts, err := h.store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Jane Doe", accounts[0].Title)

	h.fetch.set("positions", positionJSON)
	res, err := h.orch.Sync(ctx, Request{Entity: model.EntityPositions, AccountID: acct})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status())
	assert.Equal(t, []State{
		StateIdle, StateWindowComputed, StateFetching, StateNormalizing,
		StateValidating, StatePersisting, StateCompleted,
	}, res.Trace)
	assert.Equal(t, 1, res.Run.Fetched)
	assert.Equal(t, 1, res.Run.Written)

	calls := h.fetch.callsTo("positions")
	require.Len(t, calls, 1)
	assert.Equal(t, acct, calls[0].Params.Path[api.ParamAccountID])

	positions, err := h.store.CurrentPositions(ctx, acct)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10_000_000), positions[0].Quantity)
	assert.True(t, positions[0].SnapshotAt.Equal(t0))

	n, err := h.store.Count(ctx, "instruments")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncUnknownAccount(t *testing.T) {
	h := newHarness(t)
	h.fetch.set("positions", positionJSON)

	res, err := h.orch.Sync(context.Background(), Request{Entity: model.EntityPositions, AccountID: acct})
	require.ErrorIs(t, err, ErrUnknownAccount)
	require.NotNil(t, res)
	assert.Equal(t, model.RunFailed, res.Status())
	assert.Equal(t, HintSyncAccounts, res.Run.Hint)
	assert.Equal(t, StateFailed, res.State())
	assert.Empty(t, h.fetch.callsTo("positions"))
}

func TestSyncWindowAppliesOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	req := Request{Entity: model.EntityExecutions, AccountID: acct}

	first, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Run.From.Equal(t0.Add(-7*24*time.Hour)))
	assert.True(t, first.Run.To.Equal(t0))
	assert.Zero(t, first.Run.OverlapSeconds)
	assert.Equal(t, "7", h.fetch.callsTo("trades")[0].Params.Query.Get("days"))

	h.clock.Advance(2 * time.Hour)
	second, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Run.From.Equal(t0.Add(-time.Hour)), "from = previous to - overlap, got %s", second.Run.From)
	assert.True(t, second.Run.To.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, 3600, second.Run.OverlapSeconds)
	assert.Equal(t, "1", h.fetch.callsTo("trades")[1].Params.Query.Get("days"))
}

func TestSyncIdempotentRerun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	req := Request{Entity: model.EntityExecutions, AccountID: acct}

	_, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	res, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, res.Status())
	assert.Equal(t, 0, res.Run.Written)
	assert.Equal(t, 1, res.Run.Unchanged)
	n, err := h.store.Count(ctx, model.EntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncFailureDoesNotAdvanceCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	req := Request{Entity: model.EntityExecutions, AccountID: acct}

	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	_, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	h.fetch.fail("trades", &api.RetriesExhaustedError{Attempts: 5, Last: &api.APIError{StatusCode: 503}})
	res, err := h.orch.Sync(ctx, req)
	require.ErrorIs(t, err, api.ErrRetriesExhausted)
	assert.Equal(t, model.RunFailed, res.Status())
	assert.Equal(t, api.HintRetryLater, res.Run.Hint)
	assert.NotEmpty(t, res.Run.Error)

	last, err := h.store.LastCompletedRun(ctx, model.EntityExecutions, acct)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.To.Equal(t0))

	h.clock.Advance(time.Hour)
	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	res, err = h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Run.From.Equal(t0.Add(-time.Hour)))

	runs, err := h.store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	var failed int
	for _, r := range runs {
		if r.Status == model.RunFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestSyncPartial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("trades",
		execJSON("e1", acct, "195.12"),
		execJSON("e2", acct, "-1"),
		`42`,
	)

	res, err := h.orch.Sync(ctx, Request{Entity: model.EntityExecutions, AccountID: acct})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status())
	assert.Equal(t, StatePartiallyCompleted, res.State())
	assert.Equal(t, 3, res.Run.Fetched)
	assert.Equal(t, 1, res.Run.Written)
	assert.Equal(t, 2, res.Run.Rejected)
	assert.Equal(t, HintInspectRejections, res.Run.Hint)
	require.Len(t, res.Rejections, 1)
	assert.ErrorIs(t, res.Rejections[0], normalize.ErrSchemaViolation)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, validate.RuleExecutionSanity, res.Violations[0].Rule)

	last, err := h.store.LastCompletedRun(ctx, model.EntityExecutions, acct)
	require.NoError(t, err)
	require.NotNil(t, last, "partial runs advance the cursor")
	assert.Equal(t, model.RunPartial, last.Status)
}

func TestSyncAllRejectedAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("trades", execJSON("e1", acct, "0"))
	req := Request{Entity: model.EntityExecutions, AccountID: acct}

	res, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status())
	assert.Equal(t, StatePartiallyCompleted, res.State())
	assert.Equal(t, 1, res.Run.Rejected)
	assert.Zero(t, res.Run.Written)
	assert.Equal(t, HintInspectRejections, res.Run.Hint)

	last, err := h.store.LastCompletedRun(ctx, model.EntityExecutions, acct)
	require.NoError(t, err)
	require.NotNil(t, last, "a window of bad records is not fetched again")
	assert.True(t, last.To.Equal(t0))

	h.clock.Advance(2 * time.Hour)
	res, err = h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Run.From.Equal(t0.Add(-time.Hour)))
}

func TestSyncAllDivergedAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	req := Request{Entity: model.EntityExecutions, AccountID: acct}

	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	_, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.fetch.set("trades", execJSON("e1", acct, "199.00"))
	res, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status())
	assert.Equal(t, 1, res.Run.Divergent)
	assert.Equal(t, HintDivergence, res.Run.Hint)

	last, err := h.store.LastCompletedRun(ctx, model.EntityExecutions, acct)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.To.Equal(t0.Add(time.Minute)))
}

func TestSyncDivergence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	req := Request{Entity: model.EntityExecutions, AccountID: acct}

	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	_, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.fetch.set("trades", execJSON("e1", acct, "199.00"), execJSON("e2", acct, "195.12"))
	res, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status())
	assert.Equal(t, 1, res.Run.Divergent)
	assert.Equal(t, 1, res.Run.Written)
	assert.Equal(t, HintDivergence, res.Run.Hint)
	require.Len(t, res.Divergences, 1)
	assert.Equal(t, "e1", res.Divergences[0].Key)
	assert.Contains(t, res.Divergences[0].Fields, "price")

	n, err := h.store.Count(ctx, model.EntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSyncSkipsOtherAccounts(t *testing.T) {
	h := newHarness(t)
	h.seedAccounts(t, acct)
	h.fetch.set("trades", execJSON("e1", acct, "195.12"), execJSON("e9", "U9999999", "10"))

	res, err := h.orch.Sync(context.Background(), Request{Entity: model.EntityExecutions, AccountID: acct})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status())
	assert.Equal(t, 1, res.Run.Fetched)
	assert.Equal(t, 1, res.Run.Written)
}

func TestSyncExplicitWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("transactions",
		cashOn("2024-02-20", "t1"),
		cashOn("2024-02-20", "t1"),
		cashOn("2024-02-13", "t2"),
		cashOn("2024-03-14", "t3"),
	)

	// Ten days that ended twenty days ago.
	win := cursor.Window{From: t0.Add(-30 * 24 * time.Hour), To: t0.Add(-20 * 24 * time.Hour)}
	res, err := h.orch.Sync(ctx, Request{
		Entity: model.EntityCashTransactions, AccountID: acct, Window: &win,
	})
	require.NoError(t, err)
	assert.True(t, res.Run.From.Equal(win.From))
	assert.True(t, res.Run.To.Equal(win.To))
	assert.Zero(t, res.Run.OverlapSeconds)
	assert.Equal(t, 2, res.Run.Fetched, "records outside the window are not counted")
	assert.Equal(t, 1, res.Run.Written)
	assert.Equal(t, 1, res.Run.Unchanged, "duplicate in one payload is deduplicated")

	calls := h.fetch.callsTo("transactions")
	require.Len(t, calls, 1)
	body, ok := calls[0].Params.Body.(cashRequest)
	require.True(t, ok)
	assert.Equal(t, cashRequest{AccountIDs: []string{acct}, Currency: "USD", Days: 30}, body)

	n, err := h.store.Count(ctx, model.EntityCashTransactions)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncPastExecutionWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("trades",
		execAt("e1", acct, "195.12", t0.Add(-4*24*time.Hour)),
		execAt("e2", acct, "195.12", t0.Add(-6*24*time.Hour)),
		execAt("e3", acct, "195.12", t0.Add(-30*time.Minute)),
	)

	win := cursor.Window{From: t0.Add(-5 * 24 * time.Hour), To: t0.Add(-3 * 24 * time.Hour)}
	res, err := h.orch.Sync(ctx, Request{Entity: model.EntityExecutions, AccountID: acct, Window: &win})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status())
	assert.Equal(t, 1, res.Run.Fetched)
	assert.Equal(t, 1, res.Run.Written)

	calls := h.fetch.callsTo("trades")
	require.Len(t, calls, 1)
	assert.Equal(t, "5", calls[0].Params.Query.Get("days"))

	times, err := h.store.ExecutionTimes(ctx, []string{"e1", "e2", "e3"})
	require.NoError(t, err)
	assert.Len(t, times, 1)
	assert.Contains(t, times, "e1")
}

func TestSyncWindowBeyondHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	h.fetch.set("transactions", cashOn("2024-03-14", "t1"))

	execs := cursor.Window{From: t0.Add(-10 * 24 * time.Hour), To: t0.Add(-8 * 24 * time.Hour)}
	cash := cursor.Window{From: t0.Add(-100 * 24 * time.Hour), To: t0}
	reqs := []Request{
		{Entity: model.EntityExecutions, AccountID: acct, Window: &execs},
		{Entity: model.EntityCashTransactions, AccountID: acct, Window: &cash},
	}
	for _, req := range reqs {
		res, err := h.orch.Sync(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%s", req.Entity)
		assert.Nil(t, res)

		res, err = h.orch.Check(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%s", req.Entity)
		assert.Nil(t, res)
	}
	assert.Empty(t, h.fetch.callsTo("trades"))
	assert.Empty(t, h.fetch.callsTo("transactions"))

	runs, err := h.store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "only the accounts sync is recorded")
}

func TestSyncStaleCursorCapsDays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	req := Request{Entity: model.EntityExecutions, AccountID: acct}
	h.fetch.set("trades", execJSON("e1", acct, "195.12"))
	_, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(20 * 24 * time.Hour)
	h.fetch.set("trades")
	res, err := h.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Run.From.Equal(t0.Add(-time.Hour)))
	assert.Equal(t, "7", h.fetch.callsTo("trades")[1].Params.Query.Get("days"))
}

func TestSyncSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccounts(t, acct)
	h.fetch.set("summary", summaryJSON)

	res, err := h.orch.Sync(ctx, Request{Entity: model.EntityAccountSummaries, AccountID: acct})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status())

	s, err := h.store.LatestAccountSummary(ctx, acct)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(100_000_000), *s.NetLiquidation)
}

func TestSyncEmptyPayload(t *testing.T) {
	h := newHarness(t)
	h.seedAccounts(t, acct)
	h.fetch.set("positions")

	res, err := h.orch.Sync(context.Background(), Request{Entity: model.EntityPositions, AccountID: acct})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status())
	assert.Zero(t, res.Run.Fetched)
}

func TestSyncSessionError(t *testing.T) {
	h := newHarness(t)
	h.fetch.fail("accounts", &api.APIError{StatusCode: 401, Message: "not authenticated"})

	res, err := h.orch.Sync(context.Background(), Request{Entity: model.EntityAccounts})
	require.ErrorIs(t, err, api.ErrSessionInvalid)
	assert.Equal(t, model.RunFailed, res.Status())
	assert.Equal(t, api.HintReauthenticate, res.Run.Hint)
}

func TestSyncCancelledRecordsFailure(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetch.set("accounts", accountJSON(acct))
	h.fetch.hook = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	res, err := h.orch.Sync(ctx, Request{Entity: model.EntityAccounts})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, model.RunFailed, res.Status())

	runs, err := h.store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
	assert.Equal(t, res.Run.ID, runs[0].ID)
}

func TestSyncRequestValidation(t *testing.T) {
	h := newHarness(t)
	inverted := cursor.Window{From: t0, To: t0.Add(-time.Hour)}
	tests := []struct {
		name string
		req  Request
	}{
		{"no entity", Request{}},
		{"unknown entity", Request{Entity: "orders"}},
		{"alias is not canonical", Request{Entity: "trades", AccountID: acct}},
		{"positions without account", Request{Entity: model.EntityPositions}},
		{"accounts with account", Request{Entity: model.EntityAccounts, AccountID: acct}},
		{"inverted window", Request{Entity: model.EntityExecutions, AccountID: acct, Window: &inverted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.orch.Sync(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Nil(t, res)
		})
	}
}

func TestSyncAllRunsEveryAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetch.set("accounts", accountJSON(acct), accountJSON("U7654321"))
	h.fetch.set("positions")
	h.fetch.set("summary", summaryJSON)

	results, err := h.orch.SyncAll(ctx, Plan{Entities: []model.EntityType{
		model.EntityAccounts, model.EntityPositions, model.EntityAccountSummaries,
	}})
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, model.EntityAccounts, results[0].Run.Entity)
	for _, r := range results {
		assert.Equal(t, model.RunSuccess, r.Status(), "%s %s", r.Run.Entity, r.Run.AccountID)
	}
	assert.Len(t, h.fetch.callsTo("summary"), 2)
}

func TestSyncAllSuspendsAfterSessionFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Concurrency = 1 })
	ctx := context.Background()
	h.fetch.set("accounts", accountJSON(acct), accountJSON("U7654321"))
	h.fetch.fail("positions", &api.APIError{StatusCode: 401, Message: "not authenticated"})
	h.fetch.set("trades")

	results, err := h.orch.SyncAll(ctx, Plan{Entities: []model.EntityType{
		model.EntityAccounts, model.EntityPositions, model.EntityExecutions,
	}})
	require.ErrorIs(t, err, api.ErrSessionInvalid)
	require.ErrorIs(t, err, ErrSuspended)
	require.Len(t, results, 5)

	assert.Equal(t, model.RunSuccess, results[0].Status())
	for _, r := range results[1:] {
		assert.Equal(t, model.RunFailed, r.Status())
		assert.Equal(t, api.HintReauthenticate, r.Run.Hint)
	}
	assert.Len(t, h.fetch.callsTo("positions"), 1)
	assert.Empty(t, h.fetch.callsTo("trades"))
}

func TestSyncAllSelectedAccounts(t *testing.T) {
	h := newHarness(t)
	h.seedAccounts(t, acct, "U7654321")
	h.fetch.set("summary", summaryJSON)

	results, err := h.orch.SyncAll(context.Background(), Plan{
		Entities: []model.EntityType{model.EntityAccountSummaries},
		Accounts: []string{"U7654321"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "U7654321", results[0].Run.AccountID)
}

func TestSyncConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	h.seedAccounts(t, acct)
	h.fetch.set("trades", execJSON("e1", acct, "195.12"))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.orch.Sync(context.Background(), Request{Entity: model.EntityExecutions, AccountID: acct})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	n, err := h.store.Count(context.Background(), model.EntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMaskAccount(t *testing.T) {
	assert.Equal(t, "U12****", MaskAccount("U1234567"))
	assert.Equal(t, "****", MaskAccount("U1"))
	assert.Equal(t, "", MaskAccount(""))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetch_window_computed", StateWindowComputed.String())
	assert.Equal(t, "partially_completed", StatePartiallyCompleted.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePersisting.Terminal())
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		run  model.SyncRun
		want model.RunStatus
		hint string
	}{
		{"empty", model.SyncRun{}, model.RunSuccess, ""},
		{"all written", model.SyncRun{Written: 2, Unchanged: 1}, model.RunSuccess, ""},
		{"some rejected", model.SyncRun{Written: 1, Rejected: 1}, model.RunPartial, HintInspectRejections},
		{"some divergent", model.SyncRun{Unchanged: 1, Divergent: 1}, model.RunPartial, HintDivergence},
		{"nothing accepted", model.SyncRun{Rejected: 2}, model.RunPartial, HintInspectRejections},
		{"everything divergent", model.SyncRun{Divergent: 1}, model.RunPartial, HintDivergence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run
			hint := decide(&run)
			assert.Equal(t, tt.want, run.Status)
			assert.Equal(t, tt.hint, hint)
		})
	}
}

func TestHintFor(t *testing.T) {
	assert.Equal(t, api.HintReauthenticate, hintFor(auth.ErrNoSession))
	assert.Equal(t, api.HintCheckRequest, hintFor(&api.APIError{StatusCode: 404}))
	assert.Equal(t, "", hintFor(errors.New("boom")))
}

func TestCheckWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetch.set("trades",
		execJSON("e1", acct, "195.12"),
		execJSON("e2", acct, "-1"),
	)

	// The account has not been synced; a dry run does not need it.
	res, err := h.orch.Check(ctx, Request{Entity: model.EntityExecutions, AccountID: acct})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status())
	assert.Equal(t, StateValidating, res.State())
	assert.Equal(t, 2, res.Run.Fetched)
	assert.Equal(t, 1, res.Run.Rejected)
	assert.Zero(t, res.Run.Written)
	require.NotEmpty(t, res.Violations)

	runs, err := h.store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	n, err := h.store.Count(ctx, model.EntityExecutions)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckFetchError(t *testing.T) {
	h := newHarness(t)
	h.fetch.fail("accounts", errors.New("connection refused"))

	res, err := h.orch.Check(context.Background(), Request{Entity: model.EntityAccounts})
	require.Error(t, err)
	assert.Equal(t, StateFetching, res.State())

	runs, err := h.store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
