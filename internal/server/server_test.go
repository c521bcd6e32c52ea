package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/poller"
	"github.com/rickgao/ibkr-data/internal/storage"
	"github.com/rickgao/ibkr-data/internal/storage/sqlstore"
)

var observed = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

type fixedStatus poller.Status

func (f fixedStatus) Status() poller.Status { return poller.Status(f) }

// setupTestStore opens a temporary database holding one account with a
// position, a summary and a sync run.
func setupTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	err = st.WithTx(ctx, func(w storage.Writer) error {
		if _, _, err := w.UpsertAccount(ctx, model.Account{ID: "U1234567", Title: "Jane", BaseCurrency: "USD", CreatedAt: observed}); err != nil {
			return err
		}
		inst := model.Instrument{ContractID: 265598, Symbol: "AAPL", SecurityType: model.SecurityEquity, Currency: "USD"}
		if _, _, err := w.UpsertInstrument(ctx, inst); err != nil {
			return err
		}
		if _, _, err := w.InsertPositionSnapshot(ctx, model.PositionSnapshot{
			AccountID: "U1234567", ContractID: 265598, SnapshotAt: observed,
			Quantity: 10_000_000, MarketPrice: model.Int64(190_500_000), Currency: "USD", Instrument: inst,
		}); err != nil {
			return err
		}
		if _, _, err := w.InsertAccountSummary(ctx, model.AccountSummary{
			AccountID: "U1234567", SnapshotAt: observed, Currency: "USD", NetLiquidation: model.Int64(100_000_000),
		}); err != nil {
			return err
		}
		return w.InsertSyncRun(ctx, model.SyncRun{
			ID: uuid.New(), Entity: model.EntityPositions, AccountID: "U1234567", From: observed, To: observed,
			Status: model.RunSuccess, Fetched: 1, Written: 1, StartedAt: observed, CompletedAt: observed,
		})
	})
	require.NoError(t, err)
	return st
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestHealth(t *testing.T) {
	h := NewHandler(setupTestStore(t), nil, nil)

	rr := get(h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
}

type downStore struct{ storage.Reader }

func (downStore) Ping(context.Context) error { return errors.New("database is closed") }

func TestHealthUnavailable(t *testing.T) {
	h := NewHandler(downStore{}, nil, nil)

	rr := get(h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStatus(t *testing.T) {
	sched := fixedStatus{Cycles: 3, LastRuns: 5, LastFailed: 1, LastError: "boom"}
	h := NewHandler(setupTestStore(t), sched, nil)

	rr := get(h, "/status?limit=5")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Runs      []runView        `json:"runs"`
		Counts    map[string]int64 `json:"counts"`
		Scheduler *schedulerView   `json:"scheduler"`
	}
	decode(t, rr, &body)

	require.Len(t, body.Runs, 1)
	assert.Equal(t, "success", body.Runs[0].Status)
	assert.Equal(t, "positions", body.Runs[0].Entity)
	assert.Equal(t, int64(1), body.Counts["positions"])
	assert.Equal(t, int64(1), body.Counts["accounts"])
	require.NotNil(t, body.Scheduler)
	assert.EqualValues(t, 3, body.Scheduler.Cycles)
	assert.Equal(t, "boom", body.Scheduler.LastError)
}

func TestStatusWithoutScheduler(t *testing.T) {
	h := NewHandler(setupTestStore(t), nil, nil)

	var body map[string]any
	decode(t, get(h, "/status"), &body)
	assert.NotContains(t, body, "scheduler")
}

func TestAccountEndpoints(t *testing.T) {
	h := NewHandler(setupTestStore(t), nil, nil)

	var accounts []map[string]any
	decode(t, get(h, "/accounts"), &accounts)
	require.Len(t, accounts, 1)
	assert.Equal(t, "U1234567", accounts[0]["id"])

	var positions []map[string]any
	decode(t, get(h, "/accounts/U1234567/positions"), &positions)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0]["symbol"])
	assert.Equal(t, "10.000000", positions[0]["quantity"])
	assert.Equal(t, "190.500000", positions[0]["market_price"])
	assert.Nil(t, positions[0]["market_value"])

	var summary map[string]any
	decode(t, get(h, "/accounts/U1234567/summary"), &summary)
	assert.Equal(t, "100.000000", summary["net_liquidation"])

	assert.Equal(t, http.StatusNotFound, get(h, "/accounts/U0000000/summary").Code)
}

func TestServerStartStop(t *testing.T) {
	s := New("127.0.0.1:0", NewHandler(setupTestStore(t), nil, nil), nil)
	require.NoError(t, s.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
