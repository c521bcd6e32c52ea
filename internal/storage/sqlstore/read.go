package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ibkr-data/internal/model"
)

const runColumns = `id, entity, account_id, window_from, window_to, overlap_seconds, status,
	fetched, written, unchanged, rejected, divergent, started_at, completed_at, hint, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.SyncRun, error) {
	var (
		r                            model.SyncRun
		id, entity, status           string
		from, to, started, completed string
	)
	err := row.Scan(&id, &entity, &r.AccountID, &from, &to, &r.OverlapSeconds, &status,
		&r.Fetched, &r.Written, &r.Unchanged, &r.Rejected, &r.Divergent, &started, &completed,
		&r.Hint, &r.Error)
	if err != nil {
		return r, err
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return r, fmt.Errorf("parse run id %q: %w", id, err)
	}
	r.Entity = model.EntityType(entity)
	r.Status = model.RunStatus(status)
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{from, &r.From}, {to, &r.To}, {started, &r.StartedAt}, {completed, &r.CompletedAt}} {
		if *f.dst, err = parseTS(f.src); err != nil {
			return r, err
		}
	}
	return r, nil
}

// LastCompletedRun returns the success or partial run whose window ends
// last. A backfill of an older window never moves the cursor backwards.
func (s *Store) LastCompletedRun(ctx context.Context, entity model.EntityType, accountID string) (*model.SyncRun, error) {
	row := s.queryRow(ctx,
		`SELECT `+runColumns+` FROM sync_runs
		WHERE entity = ? AND account_id = ? AND status IN (?, ?)
		ORDER BY window_to DESC, completed_at DESC
		LIMIT 1`,
		string(entity), accountID, string(model.RunSuccess), string(model.RunPartial),
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed run: %w", err)
	}
	return &r, nil
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx,
		`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC, completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const accountColumns = `id, title, base_currency, account_type, extras, created_at, updated_at`

func scanAccount(row scanner) (model.Account, error) {
	var (
		a                model.Account
		extras           sql.NullString
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.Title, &a.BaseCurrency, &a.Type, &extras, &created, &updated); err != nil {
		return a, err
	}
	var err error
	if a.Extras, err = decodeExtras(extras); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTS(created); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTS(updated); err != nil {
		return a, err
	}
	return a, nil
}

// ListAccounts returns every stored account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount returns one account, or nil if unknown.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

// CurrentPositions returns the account's latest position snapshot with
// instrument attributes joined in.
func (s *Store) CurrentPositions(ctx context.Context, accountID string) ([]model.PositionSnapshot, error) {
	rows, err := s.query(ctx,
		`SELECT p.account_id, p.contract_id, p.snapshot_at, p.quantity, p.market_price, p.market_value,
			p.average_cost, p.unrealized_pnl, p.realized_pnl, p.currency, p.extras,
			i.symbol, i.security_type, i.currency
		FROM current_positions p
		JOIN instruments i ON i.contract_id = p.contract_id
		WHERE p.account_id = ?
		ORDER BY p.contract_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("current positions: %w", err)
	}
	defer rows.Close()

	var out []model.PositionSnapshot
	for rows.Next() {
		var (
			p                                        model.PositionSnapshot
			at, secType                              string
			price, value, cost, unrealized, realized sql.NullInt64
			extras                                   sql.NullString
		)
		if err := rows.Scan(&p.AccountID, &p.ContractID, &at, &p.Quantity, &price, &value, &cost,
			&unrealized, &realized, &p.Currency, &extras,
			&p.Instrument.Symbol, &secType, &p.Instrument.Currency); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.SnapshotAt, err = parseTS(at); err != nil {
			return nil, err
		}
		if p.Extras, err = decodeExtras(extras); err != nil {
			return nil, err
		}
		p.MarketPrice, p.MarketValue, p.AverageCost = intPtr(price), intPtr(value), intPtr(cost)
		p.UnrealizedPnL, p.RealizedPnL = intPtr(unrealized), intPtr(realized)
		p.Instrument.ContractID = p.ContractID
		p.Instrument.SecurityType = model.SecurityType(secType)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestAccountSummary returns the newest summary, or nil.
func (s *Store) LatestAccountSummary(ctx context.Context, accountID string) (*model.AccountSummary, error) {
	var (
		sum    model.AccountSummary
		at     string
		vals   [9]sql.NullInt64
		extras sql.NullString
	)
	err := s.queryRow(ctx,
		`SELECT account_id, snapshot_at, currency, net_liquidation, cash_balance, gross_position_value,
			maintenance_margin, initial_margin, excess_liquidity, buying_power, realized_pnl,
			unrealized_pnl, extras
		FROM current_account_summaries WHERE account_id = ?`, accountID,
	).Scan(&sum.AccountID, &at, &sum.Currency, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4],
		&vals[5], &vals[6], &vals[7], &vals[8], &extras)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest account summary: %w", err)
	}
	if sum.SnapshotAt, err = parseTS(at); err != nil {
		return nil, err
	}
	if sum.Extras, err = decodeExtras(extras); err != nil {
		return nil, err
	}
	sum.NetLiquidation, sum.CashBalance, sum.GrossPositionValue = intPtr(vals[0]), intPtr(vals[1]), intPtr(vals[2])
	sum.MaintenanceMargin, sum.InitialMargin, sum.ExcessLiquidity = intPtr(vals[3]), intPtr(vals[4]), intPtr(vals[5])
	sum.BuyingPower, sum.RealizedPnL, sum.UnrealizedPnL = intPtr(vals[6]), intPtr(vals[7]), intPtr(vals[8])
	return &sum, nil
}

// ExecutionTimes looks up stored timestamps for execution ids.
func (s *Store) ExecutionTimes(ctx context.Context, execIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(execIDs))
	const chunk = 500
	for start := 0; start < len(execIDs); start += chunk {
		ids := execIDs[start:min(start+chunk, len(execIDs))]
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

		rows, err := s.query(ctx,
			`SELECT exec_id, executed_at FROM executions WHERE exec_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("execution times: %w", err)
		}
		for rows.Next() {
			var id, at string
			if err := rows.Scan(&id, &at); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan execution time: %w", err)
			}
			t, err := parseTS(at)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = t
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PositionPnLHistory returns up to limit unrealized P&L points per
// position, oldest first.
func (s *Store) PositionPnLHistory(ctx context.Context, accountID string, limit int) (map[string][]int64, error) {
	rows, err := s.query(ctx,
		`SELECT account_id, contract_id, unrealized_pnl FROM position_snapshots
		WHERE account_id = ? AND unrealized_pnl IS NOT NULL
		ORDER BY contract_id, snapshot_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("position pnl history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]int64)
	for rows.Next() {
		var p model.PositionSnapshot
		var pnl int64
		if err := rows.Scan(&p.AccountID, &p.ContractID, &pnl); err != nil {
			return nil, fmt.Errorf("scan pnl: %w", err)
		}
		k := p.HistoryKey()
		out[k] = append(out[k], pnl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for k, v := range out {
			if len(v) > limit {
				out[k] = v[len(v)-limit:]
			}
		}
	}
	return out, nil
}

// SummaryPnLHistory returns up to limit unrealized P&L points for the
// account, oldest first.
func (s *Store) SummaryPnLHistory(ctx context.Context, accountID string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.query(ctx,
		`SELECT unrealized_pnl FROM account_summaries
		WHERE account_id = ? AND unrealized_pnl IS NOT NULL
		ORDER BY snapshot_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("summary pnl history: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan pnl: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var countTables = map[model.EntityType]string{
	model.EntityAccounts:         "accounts",
	model.EntityPositions:        "position_snapshots",
	model.EntityExecutions:       "executions",
	model.EntityCashTransactions: "cash_transactions",
	model.EntityAccountSummaries: "account_summaries",
	"instruments":                "instruments",
	"sync_runs":                  "sync_runs",
}

// Count returns the number of stored rows for an entity type. The
// pseudo-types "instruments" and "sync_runs" are also accepted.
func (s *Store) Count(ctx context.Context, entity model.EntityType) (int64, error) {
	table, ok := countTables[entity]
	if !ok {
		return 0, fmt.Errorf("count: unknown entity type %q", entity)
	}
	var n int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
