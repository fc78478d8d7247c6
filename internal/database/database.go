package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timestampLayout is fixed width in UTC so lexical order equals time order
// in both dialects.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrStore marks failures of the underlying store. Stage callers treat it as fatal.
var ErrStore = errors.New("offer store unavailable")

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn   *sql.DB
	driver string
}

// NewDB opens the store for driver ("sqlite3" or "postgres") and initializes the schema.
// For sqlite3 dsn is a file path.
func NewDB(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = dsn + "?_foreign_keys=1&_busy_timeout=5000"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY between the stage transactions
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, driver: driver}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// NewWithConn wraps an already opened connection without touching the schema.
func NewWithConn(conn *sql.DB, driver string) *DB {
	return &DB{conn: conn, driver: driver}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	realType, boolType := "REAL", "INTEGER"
	if db.driver == DriverPostgres {
		realType, boolType = "DOUBLE PRECISION", "BOOLEAN"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			canonical_hash TEXT NOT NULL,
			title TEXT NOT NULL,
			category TEXT NOT NULL,
			merchant TEXT NOT NULL,
			geo_scope TEXT NOT NULL,
			score ` + realType + ` NOT NULL DEFAULT 0,
			epc ` + realType + ` NOT NULL DEFAULT 0,
			commission ` + realType + ` NOT NULL DEFAULT 0,
			price ` + realType + ` NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			product_url TEXT NOT NULL DEFAULT '',
			landing_url TEXT NOT NULL DEFAULT '',
			is_active ` + boolType + ` NOT NULL,
			is_approved ` + boolType + ` NOT NULL,
			winner_tier INTEGER,
			dead_reason TEXT,
			dead_at TEXT,
			last_seen_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (source, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_canonical_hash ON offers(canonical_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_active_last_seen ON offers(is_active, last_seen_at)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_active_updated ON offers(is_active, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_category_tier ON offers(category, winner_tier)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// rebind rewrites '?' placeholders into the driver's bind style.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
