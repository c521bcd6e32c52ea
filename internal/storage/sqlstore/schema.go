package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are stored as fixed-width UTC text so they sort and compare
// identically on both drivers. Money columns are BIGINT scaled integers.
var tables = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		base_currency TEXT NOT NULL,
		account_type  TEXT NOT NULL DEFAULT '',
		extras        TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instruments (
		contract_id            BIGINT PRIMARY KEY,
		symbol                 TEXT NOT NULL,
		security_type          TEXT NOT NULL,
		currency               TEXT NOT NULL,
		name                   TEXT,
		exchange               TEXT,
		primary_exchange       TEXT,
		local_symbol           TEXT,
		expiry                 TEXT,
		strike                 BIGINT,
		option_right           TEXT,
		multiplier             BIGINT,
		underlying_contract_id BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS position_snapshots (
		account_id     TEXT NOT NULL REFERENCES accounts (id),
		contract_id    BIGINT NOT NULL REFERENCES instruments (contract_id),
		snapshot_at    TEXT NOT NULL,
		quantity       BIGINT NOT NULL,
		market_price   BIGINT,
		market_value   BIGINT,
		average_cost   BIGINT,
		unrealized_pnl BIGINT,
		realized_pnl   BIGINT,
		currency       TEXT NOT NULL,
		extras         TEXT,
		PRIMARY KEY (account_id, contract_id, snapshot_at)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		exec_id             TEXT PRIMARY KEY,
		account_id          TEXT NOT NULL REFERENCES accounts (id),
		contract_id         BIGINT NOT NULL REFERENCES instruments (contract_id),
		order_id            BIGINT,
		side                TEXT NOT NULL,
		quantity            BIGINT NOT NULL,
		price               BIGINT NOT NULL,
		currency            TEXT NOT NULL,
		commission          BIGINT,
		commission_currency TEXT,
		net_amount          BIGINT,
		exchange            TEXT,
		liquidity           TEXT,
		order_ref           TEXT,
		executed_at         TEXT NOT NULL,
		extras              TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_account_time ON executions (account_id, executed_at)`,
	// contract_id is informational here; dividends can name contracts that
	// were never held through the positions endpoint.
	`CREATE TABLE IF NOT EXISTS cash_transactions (
		dedupe_key  TEXT PRIMARY KEY,
		source_id   TEXT,
		account_id  TEXT NOT NULL REFERENCES accounts (id),
		contract_id BIGINT,
		txn_date    TEXT NOT NULL,
		amount      BIGINT NOT NULL,
		currency    TEXT NOT NULL,
		txn_type    TEXT NOT NULL,
		description TEXT,
		extras      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cash_transactions_account_date ON cash_transactions (account_id, txn_date)`,
	`CREATE TABLE IF NOT EXISTS account_summaries (
		account_id           TEXT NOT NULL REFERENCES accounts (id),
		snapshot_at          TEXT NOT NULL,
		currency             TEXT NOT NULL,
		net_liquidation      BIGINT,
		cash_balance         BIGINT,
		gross_position_value BIGINT,
		maintenance_margin   BIGINT,
		initial_margin       BIGINT,
		excess_liquidity     BIGINT,
		buying_power         BIGINT,
		realized_pnl         BIGINT,
		unrealized_pnl       BIGINT,
		extras               TEXT,
		PRIMARY KEY (account_id, snapshot_at)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id              TEXT PRIMARY KEY,
		entity          TEXT NOT NULL,
		account_id      TEXT NOT NULL DEFAULT '',
		window_from     TEXT NOT NULL,
		window_to       TEXT NOT NULL,
		overlap_seconds INTEGER NOT NULL,
		status          TEXT NOT NULL,
		fetched         INTEGER NOT NULL,
		written         INTEGER NOT NULL,
		unchanged       INTEGER NOT NULL,
		rejected        INTEGER NOT NULL,
		divergent       INTEGER NOT NULL,
		started_at      TEXT NOT NULL,
		completed_at    TEXT NOT NULL,
		hint            TEXT NOT NULL DEFAULT '',
		error           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_cursor ON sync_runs (entity, account_id, status, window_to)`,
}

// Views derive current state from the append-only snapshot tables.
var views = map[string]string{
	"current_positions": `SELECT p.* FROM position_snapshots p
		WHERE p.snapshot_at = (
			SELECT MAX(q.snapshot_at) FROM position_snapshots q
			WHERE q.account_id = p.account_id
		)`,
	"current_account_summaries": `SELECT s.* FROM account_summaries s
		WHERE s.snapshot_at = (
			SELECT MAX(t.snapshot_at) FROM account_summaries t
			WHERE t.account_id = s.account_id
		)`,
}

var viewOrder = []string{"current_positions", "current_account_summaries"}

// migrate creates the schema. It is safe to run on every open.
func migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range tables {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, name := range viewOrder {
		if _, err := tx.ExecContext(ctx, d.createView(name, views[name])); err != nil {
			return fmt.Errorf("create view %s: %w", name, err)
		}
	}

	return tx.Commit()
}
