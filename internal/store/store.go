// Package store persists device identities and the start-pistol history in
// a SQLite file (WAL mode).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/flysight-link/internal/session"
)

// DB wraps *sql.DB with domain helpers. It implements session.Store.
type DB struct {
	*sql.DB
	historyLimit int
}

var _ session.Store = (*DB)(nil)

// Open opens (or creates) the SQLite file at path with WAL journal mode
// and applies the schema. historyLimit bounds the retained start results.
func Open(path string, historyLimit int) (*DB, error) {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)

	db := &DB{DB: raw, historyLimit: historyLimit}
	if err := db.migrate(); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies the DDL. Idempotent (IF NOT EXISTS everywhere).
func (db *DB) migrate() error {
	ddl := []string{ddlPeripherals, ddlStartHistory}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

const ddlPeripherals = `
CREATE TABLE IF NOT EXISTS peripherals (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id  TEXT    NOT NULL UNIQUE,
    name       TEXT    NOT NULL DEFAULT '',
    bonded     INTEGER NOT NULL DEFAULT 0,
    last_seen  INTEGER NOT NULL              -- Unix seconds
);
`

const ddlStartHistory = `
CREATE TABLE IF NOT EXISTS start_history (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    fired_at INTEGER NOT NULL                -- Unix milliseconds, device clock
);
CREATE INDEX IF NOT EXISTS idx_start_history_fired_at ON start_history (fired_at DESC);
`

// LoadKnownPeripherals returns stored devices in first-seen order.
func (db *DB) LoadKnownPeripherals() ([]session.Peripheral, error) {
	rows, err := db.Query(
		`SELECT device_id, name, bonded, last_seen FROM peripherals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load peripherals: %w", err)
	}
	defer rows.Close()

	var out []session.Peripheral
	for rows.Next() {
		var (
			p        session.Peripheral
			bonded   int
			lastSeen int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &bonded, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan peripheral: %w", err)
		}
		p.Bonded = bonded != 0
		p.LastSeen = time.Unix(lastSeen, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePeripheral inserts or refreshes one device identity.
func (db *DB) SavePeripheral(p session.Peripheral) error {
	bonded := 0
	if p.Bonded {
		bonded = 1
	}
	_, err := db.Exec(`
		INSERT INTO peripherals (device_id, name, bonded, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE
		  SET name      = excluded.name,
		      bonded    = excluded.bonded,
		      last_seen = excluded.last_seen`,
		p.ID, p.Name, bonded, p.LastSeen.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save peripheral %s: %w", p.ID, err)
	}
	return nil
}

// DeletePeripheral removes a device identity; deleting an unknown id is
// not an error.
func (db *DB) DeletePeripheral(id string) error {
	if _, err := db.Exec(`DELETE FROM peripherals WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete peripheral %s: %w", id, err)
	}
	return nil
}

// AppendStartResult records one firing timestamp and trims the table to
// the configured bound.
func (db *DB) AppendStartResult(t time.Time) error {
	if _, err := db.Exec(`INSERT INTO start_history (fired_at) VALUES (?)`, t.UnixMilli()); err != nil {
		return fmt.Errorf("store: append start result: %w", err)
	}
	_, err := db.Exec(`
		DELETE FROM start_history WHERE id NOT IN (
		    SELECT id FROM start_history ORDER BY fired_at DESC, id DESC LIMIT ?
		)`, db.historyLimit)
	if err != nil {
		return fmt.Errorf("store: trim start history: %w", err)
	}
	return nil
}

// StartHistory returns up to limit timestamps, most recent first.
func (db *DB) StartHistory(limit int) ([]time.Time, error) {
	if limit <= 0 || limit > db.historyLimit {
		limit = db.historyLimit
	}
	rows, err := db.Query(
		`SELECT fired_at FROM start_history ORDER BY fired_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: start history: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("store: scan start result: %w", err)
		}
		out = append(out, time.UnixMilli(ms).UTC())
	}
	return out, rows.Err()
}
