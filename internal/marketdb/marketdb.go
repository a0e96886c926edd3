// Package marketdb is an optional SQLite recorder for price-feed samples,
// useful for offline analysis. Nothing in the core trading path depends
// on it: a recorder failure never affects the in-memory price feed.
package marketdb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

const createPriceHistoryTable = `
CREATE TABLE IF NOT EXISTS price_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	asset TEXT NOT NULL,
	price REAL NOT NULL,
	observed_at INTEGER NOT NULL
);`

const insertPriceSample = `INSERT INTO price_history (asset, price, observed_at) VALUES (?, ?, ?);`

// DB records price-feed samples to a SQLite database opened in WAL mode.
type DB struct {
	db   *sql.DB
	stmt *sql.Stmt
	log  *logging.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// prepares the insert statement used by RecordPrice.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open market database: %w", err)
	}

	if _, err := sqlDB.Exec(createPriceHistoryTable); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize market database schema: %w", err)
	}

	stmt, err := sqlDB.Prepare(insertPriceSample)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to prepare price insert statement: %w", err)
	}

	return &DB{db: sqlDB, stmt: stmt, log: logging.GetDefault().Component("marketdb")}, nil
}

// Close releases the prepared statement and the underlying connection.
func (d *DB) Close() error {
	_ = d.stmt.Close()
	return d.db.Close()
}

// RecordPrice inserts one sample. Intended to be wired as a
// pricefeed.PriceFeed.OnSample callback; a failure here is logged and
// swallowed rather than propagated, since recording is best-effort.
func (d *DB) RecordPrice(asset string, price float64, observedAtUnix int64) {
	if _, err := d.stmt.Exec(asset, price, observedAtUnix); err != nil {
		d.log.Warn("failed to record price sample", "asset", asset, "error", err)
	}
}

// History returns up to limit most recent samples for asset, oldest
// first, for offline analysis.
func (d *DB) History(asset string, limit int) ([]Sample, error) {
	rows, err := d.db.Query(
		`SELECT price, observed_at FROM price_history WHERE asset = ? ORDER BY observed_at DESC LIMIT ?;`,
		asset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.Price, &s.ObservedAtUnix); err != nil {
			return nil, fmt.Errorf("failed to scan price history row: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read price history: %w", err)
	}

	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// Sample is one recorded price observation.
type Sample struct {
	Price          float64
	ObservedAtUnix int64
}
