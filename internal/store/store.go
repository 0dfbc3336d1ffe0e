// Package store is the persistence layer. It owns every record lifetime;
// other components hold borrowed views keyed by identifier.
//
// Telemetry tables (logs, metrics, processes, commands) are append-only and
// range-partitioned by month on the event timestamp so the retention janitor
// can drop whole partitions. Devices, users, alerts and incidents are the
// only mutable tables; alert and incident updates use optimistic concurrency
// on updated_at.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
)

// Sentinel errors surfaced to callers. The API layer maps these to stable
// JSON error codes.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateEmail = errors.New("store: email already registered")
	ErrStaleUpdate    = errors.New("store: row changed since read")
)

// Store wraps the shared connection pool. Writes and reads share the pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and bounds the pool.
func Open(ctx context.Context, url string, maxConns int) (*Store, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn up to attempts times with a capped linear backoff,
// retrying only transient failures. Exhausted retries surface the last
// error; the record is never silently dropped here.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return err
		}
		delay := time.Duration(i+1) * 200 * time.Millisecond
		slog.Warn("[Store] transient write failure, retrying", "attempt", i+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Driver-level connection failures come through as opaque errors; treat
	// anything that is not one of our sentinels as retryable once.
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrDuplicateEmail) &&
		!errors.Is(err, ErrStaleUpdate)
}
