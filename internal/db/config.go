package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

func poolOpts(c config.DatabaseConfig) PoolOpts {
	return PoolOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

// OpenFromConfig opens a write or read store described by a config section.
func OpenFromConfig(c config.DatabaseConfig) (*sqlx.DB, error) {
	return Open(c.Driver, c.DSN, poolOpts(c))
}

// ClickHouseFromConfig opens the dead-letter archive described by a config section.
func ClickHouseFromConfig(c config.DatabaseConfig) (*sqlx.DB, error) {
	return NewClickHouseConnection(ClickHouseOpts{DSN: c.DSN, PoolOpts: poolOpts(c)})
}

// RedisFromConfig connects the view cache / rate limiter client and pings it
// within the dial timeout.
func RedisFromConfig(c config.RedisConfig) (*redis.Client, error) {
	if c.Addr == "" {
		return nil, errors.New("empty redis addr")
	}
	dial := c.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: dial,
	})
	err := ping(dial, dial, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.Addr, err)
	}
	return rdb, nil
}
