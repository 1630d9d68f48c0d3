// Package store implements the Message Store: a channel-sharded Postgres
// schema accessed through a pooled pgx connection for the
// high-volume message tables, plus a GORM-backed generic key-value table
// for low-volume configuration and pruner-status documents.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chengine.dev/engine/engineerr"
)

// Pool wraps a pgx connection pool behind a thin error-kind translation
// layer: Exec, Query and Begin return engineerr storage errors instead of
// raw pgx errors. QueryRow returns the pgx row as is, so its Scan errors
// are raw.
type Pool struct {
	pool *pgxpool.Pool
}

func NewPool(ctx context.Context, connString string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, engineerr.Storage("store.NewPool", engineerr.StorageFatal, "parse dsn", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, engineerr.Storage("store.NewPool", engineerr.StorageFatal, "connect", err)
	}
	return &Pool{pool: pool}, nil
}

func (p *Pool) Close() { p.pool.Close() }

func (p *Pool) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return classifyPgError("store.Exec", err)
}

func (p *Pool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPgError("store.Query", err)
	}
	return rows, nil
}

func (p *Pool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError("store.Begin", err)
	}
	return tx, nil
}

// classifyPgError maps a raw pgx/driver error into the StorageError kinds
// the pipeline's retry logic understands. Connection errors are transient;
// duplicate keys, serialization failures and deadlocks are conflicts;
// missing relations are missing-tables; everything else is treated as
// fatal so the channel stops rather than spinning on an error it cannot
// recover from. pgx.ErrNoRows is returned unchanged.
func classifyPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "connection refused", "connection reset", "i/o timeout", "too many connections", "EOF"):
		return engineerr.Storage(op, engineerr.StorageTransient, "transient connection error", err)
	case containsAny(msg, "duplicate key", "serialization failure", "deadlock detected"):
		return engineerr.Storage(op, engineerr.StorageConflict, "conflicting write", err)
	case containsAny(msg, "does not exist", "relation", "no such table"):
		return engineerr.Storage(op, engineerr.StorageMissingTables, "missing channel tables", err)
	default:
		return engineerr.Storage(op, engineerr.StorageFatal, "unclassified storage error", err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
