// Package server exposes health and sync status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/money"
	"github.com/rickgao/ibkr-data/internal/poller"
	"github.com/rickgao/ibkr-data/internal/storage"
	"github.com/rickgao/ibkr-data/internal/version"
)

// StatusSource reports scheduler state. *poller.Poller implements it.
type StatusSource interface {
	Status() poller.Status
}

// NewHandler builds the HTTP router. sched may be nil when no poller runs.
func NewHandler(store storage.Reader, sched StatusSource, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoveryLoggingMiddleware(logger))
	r.Use(requestLoggingMiddleware(logger))

	h := &handler{store: store, sched: sched}
	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/accounts", h.accounts)
	r.Get("/accounts/{id}/positions", h.positions)
	r.Get("/accounts/{id}/summary", h.summary)
	return r
}

type handler struct {
	store storage.Reader
	sched StatusSource
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

type runView struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	AccountID string    `json:"account_id,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Status    string    `json:"status"`
	Fetched   int       `json:"fetched"`
	Written   int       `json:"written"`
	Unchanged int       `json:"unchanged"`
	Rejected  int       `json:"rejected"`
	Divergent int       `json:"divergent"`
	Completed time.Time `json:"completed_at"`
	Hint      string    `json:"hint,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func newRunView(r model.SyncRun) runView {
	return runView{
		ID:        r.ID.String(),
		Entity:    string(r.Entity),
		AccountID: r.AccountID,
		From:      r.From,
		To:        r.To,
		Status:    string(r.Status),
		Fetched:   r.Fetched,
		Written:   r.Written,
		Unchanged: r.Unchanged,
		Rejected:  r.Rejected,
		Divergent: r.Divergent,
		Completed: r.CompletedAt,
		Hint:      r.Hint,
		Error:     r.Error,
	}
}

type schedulerView struct {
	Running    bool      `json:"running"`
	Cycles     int       `json:"cycles"`
	Skipped    int       `json:"skipped"`
	LastStart  time.Time `json:"last_start,omitempty"`
	LastEnd    time.Time `json:"last_end,omitempty"`
	LastRuns   int       `json:"last_runs"`
	LastFailed int       `json:"last_failed"`
	LastError  string    `json:"last_error,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	runs, err := h.store.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	counts := make(map[string]int64, len(model.AllEntities))
	for _, e := range model.AllEntities {
		n, err := h.store.Count(r.Context(), e)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[string(e)] = n
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	resp := map[string]any{
		"version": version.Version,
		"runs":    views,
		"counts":  counts,
	}
	if h.sched != nil {
		s := h.sched.Status()
		resp["scheduler"] = schedulerView(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) accounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, map[string]any{
			"id":            a.ID,
			"title":         a.Title,
			"base_currency": a.BaseCurrency,
			"type":          a.Type,
			"updated_at":    a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// amount renders a scaled value as a decimal string; nil stays null.
func amount(v *int64) any {
	if v == nil {
		return nil
	}
	return money.Format(*v)
}

func (h *handler) positions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	positions, err := h.store.CurrentPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		out = append(out, map[string]any{
			"contract_id":    p.ContractID,
			"symbol":         p.Instrument.Symbol,
			"security_type":  p.Instrument.SecurityType,
			"quantity":       money.Format(p.Quantity),
			"market_price":   amount(p.MarketPrice),
			"market_value":   amount(p.MarketValue),
			"average_cost":   amount(p.AverageCost),
			"unrealized_pnl": amount(p.UnrealizedPnL),
			"currency":       p.Currency,
			"snapshot_at":    p.SnapshotAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	s, err := h.store.LatestAccountSummary(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s == nil {
		writeError(w, http.StatusNotFound, "no summary for account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":           s.AccountID,
		"snapshot_at":          s.SnapshotAt,
		"currency":             s.Currency,
		"net_liquidation":      amount(s.NetLiquidation),
		"cash_balance":         amount(s.CashBalance),
		"gross_position_value": amount(s.GrossPositionValue),
		"maintenance_margin":   amount(s.MaintenanceMargin),
		"buying_power":         amount(s.BuyingPower),
		"unrealized_pnl":       amount(s.UnrealizedPnL),
	})
}

func parseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Server wraps an http.Server with Start/Stop.
type Server struct {
	srv     *http.Server
	logger  *slog.Logger
	done    chan error
	started bool
}

// New creates a Server listening on addr.
func New(addr string, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
		done:   make(chan error, 1),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.started = true
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil || !s.started {
		return err
	}
	return <-s.done
}
