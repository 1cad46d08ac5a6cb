package store

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

-- kv_state holds small durable records addressed by a string key:
-- strategy lifecycle state (one row per account), entitlements (one row
-- per user), and manual-disconnect flags (spec.md §6).
CREATE TABLE IF NOT EXISTS kv_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- journal_entries is the append-only trade journal (C11). Rows are never
-- updated in place for the fields that matter to PnL history; closeTrade
-- sets the exit columns once a trade is closed.
CREATE TABLE IF NOT EXISTS journal_entries (
	id              TEXT PRIMARY KEY,
	strategy        TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	side            TEXT NOT NULL,
	amount          REAL NOT NULL,
	entry_price     REAL NOT NULL,
	stop_loss       REAL,
	take_profit     REAL,
	entry_order_id  TEXT NOT NULL,
	sl_order_id     TEXT,
	tp_order_id     TEXT,
	opened_at       DATETIME NOT NULL,
	closed_at       DATETIME,
	exit_price      REAL,
	pnl             REAL,
	pnl_source      TEXT, -- "fills" | "estimation"
	exit_reason     TEXT  -- sl_hit | tp_hit | manual | strategy_stop | error
);
CREATE INDEX IF NOT EXISTS idx_journal_strategy ON journal_entries(strategy);
CREATE INDEX IF NOT EXISTS idx_journal_instrument ON journal_entries(instrument);
CREATE INDEX IF NOT EXISTS idx_journal_opened_at ON journal_entries(opened_at);
CREATE INDEX IF NOT EXISTS idx_journal_status ON journal_entries(closed_at);

-- jobs is created for the orchestrator's admitted work (C10); no code reads
-- or writes it: the orchestrator keeps its jobs in the in-memory queue only,
-- and GET /strategy/status reads from that queue.
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	strategy_id      TEXT NOT NULL,
	broker_id        TEXT NOT NULL,
	config_snapshot  TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

-- instrument_cache is created for the broker adapter's instrument info
-- (C3); no code reads or writes it: the adapter's cache is in memory only
-- and starts empty after a restart.
CREATE TABLE IF NOT EXISTS instrument_cache (
	name             TEXT PRIMARY KEY,
	tick_size        REAL NOT NULL,
	min_trade_amount REAL NOT NULL,
	contract_size    REAL NOT NULL,
	max_leverage     REAL NOT NULL,
	quote_currency   TEXT NOT NULL,
	contract_type    TEXT NOT NULL,
	cached_at        DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// applyMigrations bootstraps the schema; kept lightweight for fast startup.
func (s *Store) applyMigrations() error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
