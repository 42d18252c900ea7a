// Package store persists ledger entries and reputation snapshots outside the
// process: entries in SQL (Postgres or SQLite), snapshots in Redis.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DriverFor picks the driver and DSN for a DATABASE_URL value. Postgres URLs
// pass through unchanged; "sqlite://path", "file:path" and bare paths open
// SQLite.
func DriverFor(databaseURL string) (driver, dsn string, err error) {
	switch {
	case databaseURL == "":
		return "", "", fmt.Errorf("store: empty database url")
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DriverPostgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(databaseURL, "sqlite://"), nil
	case strings.Contains(databaseURL, "://"):
		return "", "", fmt.Errorf("store: unsupported database url scheme: %s", databaseURL)
	default:
		return DriverSQLite, databaseURL, nil
	}
}

// Open opens and pings the database named by databaseURL.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	driver, dsn, err := DriverFor(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	return db, nil
}
