package db

import (
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

type ClickHouseOpts struct {
	DSN string // e.g. clickhouse://default:@localhost:9000/cqrs?dial_timeout=5s&compress=true
	PoolOpts
}

// NewClickHouseConnection opens the dead-letter archive.
func NewClickHouseConnection(opts ClickHouseOpts) (*sqlx.DB, error) {
	db, err := sqlx.Open("clickhouse", opts.DSN)
	if err != nil {
		return nil, err
	}

	applyPool(db, opts.PoolOpts)

	if err := ping(opts.PingTimeout, 3*time.Second, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
