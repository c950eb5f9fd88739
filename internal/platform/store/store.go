// Package store is the engine's durable-store wrapper (C2). It reproduces
// the shape the teacher's be-lib-common/database package exposed to every
// repository — a DB handle with an InTransaction helper taking a
// func(pgx.Tx) error — on top of jackc/pgx/v5's pool directly, since the
// internal database package isn't part of this module's dependency graph.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
)

// DB wraps a pgx connection pool. Every repository in this module takes a
// *DB rather than a *pgxpool.Pool so transaction demarcation stays uniform.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using a pgx pool config built from dsn.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInvalid, "parsing database dsn")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "connecting to database")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "pinging database")
	}

	return &DB{pool: pool}, nil
}

// NewFromPool wraps an already-constructed pool (for example one pointed
// at a throwaway schema).
func NewFromPool(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Close releases the underlying pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool exposes the raw pool for components (migrations) that need direct
// access rather than the transaction helper.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// InTransaction runs fn inside a serializable-by-default transaction,
// committing on success and rolling back on error or panic. Repositories
// compose writes to multiple tables (entity mutation + outbox insert) by
// running them all through a single InTransaction call, giving the outbox
// pattern its atomicity.
func (d *DB) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "beginning transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = apperr.Wrap(commitErr, apperr.KindUnavailable, "committing transaction")
		}
	}()

	err = fn(tx)
	return err
}

// QueryRow runs a single-row query outside of an explicit transaction.
func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

// Query runs a multi-row query outside of an explicit transaction.
func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.pool.Query(ctx, sql, args...)
}

// Exec runs a statement outside of an explicit transaction.
func (d *DB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := d.pool.Exec(ctx, sql, args...)
	return err
}

// ErrOptimisticLock is returned by version-guarded UPDATE helpers when the
// affected row count is zero, signalling the caller read a stale version.
var ErrOptimisticLock = errors.New("optimistic lock: row version mismatch")

// AssertUpdated inspects a pgx CommandTag's affected row count and returns
// ErrOptimisticLock when no row matched — the standard guard every
// version-column UPDATE ... WHERE version = $n in this module applies.
func AssertUpdated(tag pgx.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return apperr.Wrap(ErrOptimisticLock, apperr.KindConflict, "row version mismatch")
	}
	return nil
}

// IsNoRows reports whether err is pgx's sentinel for a query that matched
// no rows, the same check the teacher repository performed inline
// (`if err == pgx.ErrNoRows`) after every QueryRow.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// WrapQueryErr classifies a query error into the apperr taxonomy: no rows
// becomes a not-found KindInvalid, anything else is KindUnavailable since
// it almost always indicates a connectivity or server-side fault.
func WrapQueryErr(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if IsNoRows(err) {
		return apperr.NotFound(resource, id)
	}
	return apperr.Wrap(err, apperr.KindUnavailable, fmt.Sprintf("querying %s", resource))
}
