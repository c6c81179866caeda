package db

import (
	"database/sql"
	"fmt"
)

// Decimal columns are TEXT so values round-trip exactly; timestamps are unix nanoseconds.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    client_order_id TEXT PRIMARY KEY,
    exchange_order_id TEXT DEFAULT '',
    symbol TEXT NOT NULL,
    asset TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    qty TEXT NOT NULL,
    limit_price TEXT DEFAULT '0',
    status TEXT NOT NULL,
    reason TEXT DEFAULT '',
    filled_qty TEXT DEFAULT '0',
    avg_fill_price TEXT DEFAULT '0',
    strategy_tag TEXT DEFAULT '',
    attempts INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS fills (
    fill_id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    client_order_id TEXT NOT NULL,
    exchange_order_id TEXT DEFAULT '',
    symbol TEXT NOT NULL,
    asset TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL,
    fee TEXT DEFAULT '0',
    fee_asset TEXT DEFAULT '',
    filled_at INTEGER NOT NULL,
    applied_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(client_order_id);
CREATE INDEX IF NOT EXISTS idx_fills_symbol_seq ON fills(symbol, seq);

CREATE TABLE IF NOT EXISTS lots (
    asset TEXT NOT NULL,
    position INTEGER NOT NULL,
    qty TEXT NOT NULL,
    unit_cost TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    source_order_id TEXT NOT NULL,
    PRIMARY KEY (asset, position)
);

CREATE TABLE IF NOT EXISTS realized_pnl (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    qty TEXT NOT NULL,
    cost_basis TEXT NOT NULL,
    proceeds TEXT NOT NULL,
    realized_at INTEGER NOT NULL,
    sell_order_id TEXT NOT NULL,
    fill_id TEXT NOT NULL,
    lot_order_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_realized_asset_time ON realized_pnl(asset, realized_at);

CREATE TABLE IF NOT EXISTS halts (
    asset TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    reason TEXT NOT NULL,
    order_id TEXT DEFAULT '',
    last_state TEXT DEFAULT '',
    halted_at INTEGER NOT NULL,
    acknowledged_at INTEGER DEFAULT 0,
    acknowledged_by TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS order_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_order_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    reason TEXT DEFAULT '',
    at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kpis (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at INTEGER NOT NULL,
    payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    taken_at INTEGER NOT NULL,
    mismatches INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL
);
`

// ApplyMigrations runs schema creation and additive column migrations.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Sell-fee share allocated to each realized row.
	if err := ensureColumn(d.DB, "realized_pnl", "fee", "TEXT DEFAULT '0'"); err != nil {
		return err
	}
	// Fill-wait deadline, zero once the order is terminal.
	if err := ensureColumn(d.DB, "orders", "deadline", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
