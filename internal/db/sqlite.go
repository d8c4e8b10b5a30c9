package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// NewSQLiteConnection opens a file-backed SQLite database. SQLite has a single
// writer, so the pool is pinned to one connection and every statement inside a
// transaction must go through that transaction.
func NewSQLiteConnection(path string, opts PoolOpts) (*sqlx.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty SQLite path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := ping(opts.PingTimeout, 5*time.Second, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
