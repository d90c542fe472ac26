// Package store provides the durable per-document state on SQLite. It is the
// single source of truth for every loop; mutations that must agree run in one
// transaction, and the connection pool is pinned to a single writer.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite handle. The clock is injected so tests can fix time;
// every write helper stamps rows through it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and initialises the schema.
// Pass ":memory:" for tests. A nil clock defaults to time.Now.
func Open(path string, clock func() time.Time) (*Store, error) {
	if clock == nil {
		clock = time.Now
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer; serialise everything through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, now: clock}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store's clock reading. Loops read time through this so a
// fixed test clock governs the whole pipeline.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id         TEXT PRIMARY KEY,
		display_name   TEXT NOT NULL DEFAULT '',
		evm_address    TEXT NOT NULL DEFAULT '',
		sui_address    TEXT NOT NULL DEFAULT '',
		policy_ens     TEXT NOT NULL DEFAULT '',
		last_user_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS commands (
		cmd_id     TEXT PRIMARY KEY,
		doc_id     TEXT NOT NULL,
		raw_text   TEXT NOT NULL,
		parsed     TEXT,
		status     TEXT NOT NULL,
		result     TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		tx_ids     TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_doc_status
		ON commands(doc_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_commands_status
		ON commands(status, created_at);

	CREATE TABLE IF NOT EXISTS signers (
		doc_id  TEXT NOT NULL,
		address TEXT NOT NULL,
		weight  INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (doc_id, address)
	);

	CREATE TABLE IF NOT EXISTS approvals (
		doc_id         TEXT NOT NULL,
		cmd_id         TEXT NOT NULL,
		signer_address TEXT NOT NULL,
		decision       TEXT NOT NULL,
		at             INTEGER NOT NULL,
		PRIMARY KEY (cmd_id, signer_address)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		doc_id      TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		definition  TEXT NOT NULL DEFAULT '',
		version     INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		allocations TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS session_keys (
		doc_id              TEXT NOT NULL,
		signer_address      TEXT NOT NULL,
		session_key_address TEXT NOT NULL,
		encrypted_priv_key  BLOB NOT NULL,
		expires_at          INTEGER NOT NULL,
		jwt                 TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (doc_id, signer_address)
	);

	CREATE TABLE IF NOT EXISTS wallets (
		doc_id    TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		state     TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS schedules (
		schedule_id    TEXT PRIMARY KEY,
		doc_id         TEXT NOT NULL,
		interval_hours REAL NOT NULL,
		inner_text     TEXT NOT NULL,
		next_run_at    INTEGER NOT NULL,
		status         TEXT NOT NULL,
		total_runs     INTEGER NOT NULL DEFAULT 0,
		last_run_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_due
		ON schedules(status, next_run_at);

	CREATE TABLE IF NOT EXISTS conditional_orders (
		order_id         TEXT PRIMARY KEY,
		doc_id           TEXT NOT NULL,
		kind             TEXT NOT NULL,
		base             TEXT NOT NULL,
		quote            TEXT NOT NULL,
		trigger_price    TEXT NOT NULL,
		qty              TEXT NOT NULL,
		status           TEXT NOT NULL,
		triggered_cmd_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		doc_id   TEXT NOT NULL,
		cmd_id   TEXT NOT NULL,
		side     TEXT NOT NULL,
		qty      TEXT NOT NULL,
		price    TEXT NOT NULL,
		notional TEXT NOT NULL,
		fee      TEXT NOT NULL,
		tx_id    TEXT NOT NULL DEFAULT '',
		at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_doc ON trades(doc_id, at);

	CREATE TABLE IF NOT EXISTS prices (
		pair   TEXT PRIMARY KEY,
		mid    TEXT NOT NULL,
		bid    TEXT NOT NULL,
		ask    TEXT NOT NULL,
		source TEXT NOT NULL,
		at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS doc_config (
		doc_id TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (doc_id, key)
	);

	CREATE TABLE IF NOT EXISTS counters (
		doc_id TEXT NOT NULL,
		name   TEXT NOT NULL,
		value  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (doc_id, name)
	);

	CREATE TABLE IF NOT EXISTS secrets (
		doc_id TEXT PRIMARY KEY,
		blob   BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ms converts a time to the stored epoch-milliseconds form.
func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
