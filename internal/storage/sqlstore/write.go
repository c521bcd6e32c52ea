package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/storage"
)

// insertOrCompare inserts with ON CONFLICT DO NOTHING. When the key already
// exists, compare reads the stored row and reports differing columns.
func (c conn) insertOrCompare(ctx context.Context, insert string, args []any, compare func() (*differ, error)) (storage.Outcome, []string, error) {
	res, err := c.exec(ctx, insert, args...)
	if err != nil {
		return 0, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return storage.Inserted, nil, nil
	}

	d, err := compare()
	if err != nil {
		return 0, nil, err
	}
	if d.diverged() {
		return storage.Diverged, d.fields, nil
	}
	return storage.Unchanged, nil, nil
}

// UpsertAccount inserts an account or refreshes its title. Base currency
// and type are fixed at creation.
func (c conn) UpsertAccount(ctx context.Context, a model.Account) (storage.Outcome, *storage.Divergence, error) {
	extras, err := encodeExtras(a.Extras)
	if err != nil {
		return 0, nil, err
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	var title string
	out, fields, err := c.insertOrCompare(ctx,
		`INSERT INTO accounts (id, title, base_currency, account_type, extras, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		[]any{a.ID, a.Title, a.BaseCurrency, a.Type, extras, ts(created), ts(updated)},
		func() (*differ, error) {
			var baseCurrency, accountType string
			err := c.queryRow(ctx,
				`SELECT title, base_currency, account_type FROM accounts WHERE id = ?`, a.ID,
			).Scan(&title, &baseCurrency, &accountType)
			if err != nil {
				return nil, fmt.Errorf("read account %s: %w", a.ID, err)
			}
			d := &differ{}
			d.str("base_currency", baseCurrency, a.BaseCurrency)
			d.str("account_type", accountType, a.Type)
			return d, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("upsert account %s: %w", a.ID, err)
	}

	switch out {
	case storage.Diverged:
		return out, storage.NewDivergence(model.EntityAccounts, a.ID, fields), nil
	case storage.Unchanged:
		if title == a.Title {
			return out, nil, nil
		}
		if _, err := c.exec(ctx,
			`UPDATE accounts SET title = ?, updated_at = ? WHERE id = ?`,
			a.Title, ts(updated), a.ID,
		); err != nil {
			return 0, nil, fmt.Errorf("update account %s: %w", a.ID, err)
		}
		return storage.Updated, nil, nil
	}
	return out, nil, nil
}

// UpsertInstrument inserts a contract on first reference. Later
// observations fill optional attributes that are still unset; a different
// symbol, type or currency is reported as a divergence and not applied.
func (c conn) UpsertInstrument(ctx context.Context, i model.Instrument) (storage.Outcome, *storage.Divergence, error) {
	var stored struct {
		name, exchange, primaryExchange, localSymbol, expiry, right sql.NullString
		strike, multiplier, underlying                             sql.NullInt64
	}
	out, fields, err := c.insertOrCompare(ctx,
		`INSERT INTO instruments (contract_id, symbol, security_type, currency, name, exchange,
			primary_exchange, local_symbol, expiry, strike, option_right, multiplier, underlying_contract_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contract_id) DO NOTHING`,
		[]any{
			i.ContractID, i.Symbol, string(i.SecurityType), i.Currency, nullStr(i.Name), nullStr(i.Exchange),
			nullStr(i.PrimaryExchange), nullStr(i.LocalSymbol), nullStr(i.Expiry), nullInt(i.Strike),
			nullStr(string(i.Right)), nullInt(i.Multiplier), nullInt(i.UnderlyingContractID),
		},
		func() (*differ, error) {
			var symbol, secType, currency string
			err := c.queryRow(ctx,
				`SELECT symbol, security_type, currency, name, exchange, primary_exchange, local_symbol,
					expiry, strike, option_right, multiplier, underlying_contract_id
				FROM instruments WHERE contract_id = ?`, i.ContractID,
			).Scan(&symbol, &secType, &currency, &stored.name, &stored.exchange, &stored.primaryExchange,
				&stored.localSymbol, &stored.expiry, &stored.strike, &stored.right, &stored.multiplier, &stored.underlying)
			if err != nil {
				return nil, fmt.Errorf("read instrument %d: %w", i.ContractID, err)
			}
			d := &differ{}
			d.str("symbol", symbol, i.Symbol)
			d.str("security_type", secType, string(i.SecurityType))
			d.str("currency", currency, i.Currency)
			return d, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("upsert instrument %d: %w", i.ContractID, err)
	}
	if out == storage.Inserted {
		return out, nil, nil
	}

	refine := func(s sql.NullString, v string) bool { return !s.Valid && v != "" }
	refineInt := func(s sql.NullInt64, v *int64) bool { return !s.Valid && v != nil }
	needed := refine(stored.name, i.Name) || refine(stored.exchange, i.Exchange) ||
		refine(stored.primaryExchange, i.PrimaryExchange) || refine(stored.localSymbol, i.LocalSymbol) ||
		refine(stored.expiry, i.Expiry) || refine(stored.right, string(i.Right)) ||
		refineInt(stored.strike, i.Strike) || refineInt(stored.multiplier, i.Multiplier) ||
		refineInt(stored.underlying, i.UnderlyingContractID)

	if needed {
		if _, err := c.exec(ctx,
			`UPDATE instruments SET
				name = COALESCE(name, ?),
				exchange = COALESCE(exchange, ?),
				primary_exchange = COALESCE(primary_exchange, ?),
				local_symbol = COALESCE(local_symbol, ?),
				expiry = COALESCE(expiry, ?),
				strike = COALESCE(strike, ?),
				option_right = COALESCE(option_right, ?),
				multiplier = COALESCE(multiplier, ?),
				underlying_contract_id = COALESCE(underlying_contract_id, ?)
			WHERE contract_id = ?`,
			nullStr(i.Name), nullStr(i.Exchange), nullStr(i.PrimaryExchange), nullStr(i.LocalSymbol),
			nullStr(i.Expiry), nullInt(i.Strike), nullStr(string(i.Right)), nullInt(i.Multiplier),
			nullInt(i.UnderlyingContractID), i.ContractID,
		); err != nil {
			return 0, nil, fmt.Errorf("refine instrument %d: %w", i.ContractID, err)
		}
	}

	key := strconv.FormatInt(i.ContractID, 10)
	switch {
	case out == storage.Diverged:
		return out, storage.NewDivergence("instruments", key, fields), nil
	case needed:
		return storage.Updated, nil, nil
	}
	return storage.Unchanged, nil, nil
}

// InsertPositionSnapshot appends a snapshot row.
func (c conn) InsertPositionSnapshot(ctx context.Context, p model.PositionSnapshot) (storage.Outcome, *storage.Divergence, error) {
	extras, err := encodeExtras(p.Extras)
	if err != nil {
		return 0, nil, err
	}
	at := ts(p.SnapshotAt)

	out, fields, err := c.insertOrCompare(ctx,
		`INSERT INTO position_snapshots (account_id, contract_id, snapshot_at, quantity, market_price,
			market_value, average_cost, unrealized_pnl, realized_pnl, currency, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, contract_id, snapshot_at) DO NOTHING`,
		[]any{
			p.AccountID, p.ContractID, at, p.Quantity, nullInt(p.MarketPrice), nullInt(p.MarketValue),
			nullInt(p.AverageCost), nullInt(p.UnrealizedPnL), nullInt(p.RealizedPnL), p.Currency, extras,
		},
		func() (*differ, error) {
			var (
				qty                                      int64
				price, value, cost, unrealized, realized sql.NullInt64
				currency                                 string
			)
			err := c.queryRow(ctx,
				`SELECT quantity, market_price, market_value, average_cost, unrealized_pnl, realized_pnl, currency
				FROM position_snapshots WHERE account_id = ? AND contract_id = ? AND snapshot_at = ?`,
				p.AccountID, p.ContractID, at,
			).Scan(&qty, &price, &value, &cost, &unrealized, &realized, &currency)
			if err != nil {
				return nil, fmt.Errorf("read position %s: %w", p.Key(), err)
			}
			d := &differ{}
			d.i64("quantity", qty, p.Quantity)
			d.opt("market_price", price, p.MarketPrice)
			d.opt("market_value", value, p.MarketValue)
			d.opt("average_cost", cost, p.AverageCost)
			d.opt("unrealized_pnl", unrealized, p.UnrealizedPnL)
			d.opt("realized_pnl", realized, p.RealizedPnL)
			d.str("currency", currency, p.Currency)
			return d, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("insert position %s: %w", p.Key(), err)
	}
	if out == storage.Diverged {
		return out, storage.NewDivergence(model.EntityPositions, p.Key(), fields), nil
	}
	return out, nil, nil
}

// UpsertExecution inserts a fill keyed by its execution id.
func (c conn) UpsertExecution(ctx context.Context, e model.Execution) (storage.Outcome, *storage.Divergence, error) {
	extras, err := encodeExtras(e.Extras)
	if err != nil {
		return 0, nil, err
	}

	out, fields, err := c.insertOrCompare(ctx,
		`INSERT INTO executions (exec_id, account_id, contract_id, order_id, side, quantity, price, currency,
			commission, commission_currency, net_amount, exchange, liquidity, order_ref, executed_at, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exec_id) DO NOTHING`,
		[]any{
			e.ExecID, e.AccountID, e.ContractID, nullInt(e.OrderID), string(e.Side), e.Quantity, e.Price,
			e.Currency, nullInt(e.Commission), nullStr(e.CommissionCurrency), nullInt(e.NetAmount),
			nullStr(e.Exchange), nullStr(e.Liquidity), nullStr(e.OrderRef), ts(e.ExecutedAt), extras,
		},
		func() (*differ, error) {
			var (
				accountID, side, currency, executedAt string
				contractID, qty, price                int64
				orderID, commission, net              sql.NullInt64
				commissionCurrency                    sql.NullString
				exchange, liquidity, orderRef         sql.NullString
			)
			err := c.queryRow(ctx,
				`SELECT account_id, contract_id, order_id, side, quantity, price, currency,
					commission, commission_currency, net_amount, exchange, liquidity, order_ref, executed_at
				FROM executions WHERE exec_id = ?`, e.ExecID,
			).Scan(&accountID, &contractID, &orderID, &side, &qty, &price, &currency,
				&commission, &commissionCurrency, &net, &exchange, &liquidity, &orderRef, &executedAt)
			if err != nil {
				return nil, fmt.Errorf("read execution %s: %w", e.ExecID, err)
			}
			d := &differ{}
			d.str("account_id", accountID, e.AccountID)
			d.i64("contract_id", contractID, e.ContractID)
			d.opt("order_id", orderID, e.OrderID)
			d.str("side", side, string(e.Side))
			d.i64("quantity", qty, e.Quantity)
			d.i64("price", price, e.Price)
			d.str("currency", currency, e.Currency)
			d.opt("commission", commission, e.Commission)
			d.nstr("commission_currency", commissionCurrency, e.CommissionCurrency)
			d.opt("net_amount", net, e.NetAmount)
			d.nstr("exchange", exchange, e.Exchange)
			d.nstr("liquidity", liquidity, e.Liquidity)
			d.nstr("order_ref", orderRef, e.OrderRef)
			d.str("executed_at", executedAt, ts(e.ExecutedAt))
			return d, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("upsert execution %s: %w", e.ExecID, err)
	}
	if out == storage.Diverged {
		return out, storage.NewDivergence(model.EntityExecutions, e.ExecID, fields), nil
	}
	return out, nil, nil
}

// UpsertCashTransaction inserts a cash movement keyed by its dedupe key.
func (c conn) UpsertCashTransaction(ctx context.Context, t model.CashTransaction) (storage.Outcome, *storage.Divergence, error) {
	extras, err := encodeExtras(t.Extras)
	if err != nil {
		return 0, nil, err
	}
	key := t.DedupeKey()

	out, fields, err := c.insertOrCompare(ctx,
		`INSERT INTO cash_transactions (dedupe_key, source_id, account_id, contract_id, txn_date, amount,
			currency, txn_type, description, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		[]any{
			key, nullStr(t.SourceID), t.AccountID, nullInt(t.ContractID), t.Date, t.Amount,
			t.Currency, t.Type, nullStr(t.Description), extras,
		},
		func() (*differ, error) {
			var (
				accountID, date, currency, txnType string
				amount                             int64
				contractID                         sql.NullInt64
				sourceID, description              sql.NullString
			)
			err := c.queryRow(ctx,
				`SELECT source_id, account_id, contract_id, txn_date, amount, currency, txn_type, description
				FROM cash_transactions WHERE dedupe_key = ?`, key,
			).Scan(&sourceID, &accountID, &contractID, &date, &amount, &currency, &txnType, &description)
			if err != nil {
				return nil, fmt.Errorf("read cash transaction %s: %w", key, err)
			}
			d := &differ{}
			d.str("account_id", accountID, t.AccountID)
			d.opt("contract_id", contractID, t.ContractID)
			d.str("txn_date", date, t.Date)
			d.i64("amount", amount, t.Amount)
			d.str("currency", currency, t.Currency)
			d.str("txn_type", txnType, t.Type)
			d.nstr("source_id", sourceID, t.SourceID)
			d.nstr("description", description, t.Description)
			return d, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("upsert cash transaction %s: %w", key, err)
	}
	if out == storage.Diverged {
		return out, storage.NewDivergence(model.EntityCashTransactions, key, fields), nil
	}
	return out, nil, nil
}

// InsertAccountSummary appends a balance snapshot.
func (c conn) InsertAccountSummary(ctx context.Context, s model.AccountSummary) (storage.Outcome, *storage.Divergence, error) {
	extras, err := encodeExtras(s.Extras)
	if err != nil {
		return 0, nil, err
	}
	at := ts(s.SnapshotAt)
	amounts := []struct {
		column string
		value  *int64
	}{
		{"net_liquidation", s.NetLiquidation},
		{"cash_balance", s.CashBalance},
		{"gross_position_value", s.GrossPositionValue},
		{"maintenance_margin", s.MaintenanceMargin},
		{"initial_margin", s.InitialMargin},
		{"excess_liquidity", s.ExcessLiquidity},
		{"buying_power", s.BuyingPower},
		{"realized_pnl", s.RealizedPnL},
		{"unrealized_pnl", s.UnrealizedPnL},
	}

	args := []any{s.AccountID, at, s.Currency}
	for _, a := range amounts {
		args = append(args, nullInt(a.value))
	}
	args = append(args, extras)

	out, fields, err := c.insertOrCompare(ctx,
		`INSERT INTO account_summaries (account_id, snapshot_at, currency, net_liquidation, cash_balance,
			gross_position_value, maintenance_margin, initial_margin, excess_liquidity, buying_power,
			realized_pnl, unrealized_pnl, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, snapshot_at) DO NOTHING`,
		args,
		func() (*differ, error) {
			var currency string
			stored := make([]sql.NullInt64, len(amounts))
			dest := []any{&currency}
			for i := range stored {
				dest = append(dest, &stored[i])
			}
			err := c.queryRow(ctx,
				`SELECT currency, net_liquidation, cash_balance, gross_position_value, maintenance_margin,
					initial_margin, excess_liquidity, buying_power, realized_pnl, unrealized_pnl
				FROM account_summaries WHERE account_id = ? AND snapshot_at = ?`,
				s.AccountID, at,
			).Scan(dest...)
			if err != nil {
				return nil, fmt.Errorf("read account summary %s: %w", s.Key(), err)
			}
			d := &differ{}
			d.str("currency", currency, s.Currency)
			for i, a := range amounts {
				d.opt(a.column, stored[i], a.value)
			}
			return d, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("insert account summary %s: %w", s.Key(), err)
	}
	if out == storage.Diverged {
		return out, storage.NewDivergence(model.EntityAccountSummaries, s.Key(), fields), nil
	}
	return out, nil, nil
}

// InsertSyncRun writes a run record. Runs are never updated.
func (c conn) InsertSyncRun(ctx context.Context, r model.SyncRun) error {
	_, err := c.exec(ctx,
		`INSERT INTO sync_runs (id, entity, account_id, window_from, window_to, overlap_seconds, status,
			fetched, written, unchanged, rejected, divergent, started_at, completed_at, hint, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), string(r.Entity), r.AccountID, ts(r.From), ts(r.To), r.OverlapSeconds, string(r.Status),
		r.Fetched, r.Written, r.Unchanged, r.Rejected, r.Divergent, ts(r.StartedAt), ts(r.CompletedAt),
		r.Hint, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert sync run %s: %w", r.ID, err)
	}
	return nil
}
