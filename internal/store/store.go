// Package store is the durable relational adapter for the coordination
// core: users, projects, agents, sessions, messages, approval requests,
// the event outbox, and the leader-election lease, all on PostgreSQL via
// pgx. It adapts the teacher's context-based transaction passing
// (storage/postgres.go) and Store-interface shape (storage/store.go) to
// the domain this spec describes.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txContextKey is the context key carrying an in-flight transaction, so
// that domain writes and outbox writes within the same request share one
// transaction without every call site threading a pgx.Tx explicitly.
type txContextKey struct{}

// WithTx returns ctx carrying tx. Every Store method consults this
// before falling back to the pool.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// txStrippedContext hides a carried transaction from a derived context
// while preserving deadlines, cancellation, and other values — used when
// a nested operation (e.g. a delegated agent) must not inherit its
// caller's transaction.
type txStrippedContext struct {
	context.Context
}

func (c *txStrippedContext) Value(key any) any {
	if _, ok := key.(txContextKey); ok {
		return nil
	}
	return c.Context.Value(key)
}

// StripTx returns ctx with any carried transaction hidden.
func StripTx(ctx context.Context) context.Context {
	return &txStrippedContext{ctx}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// Store method run against either without a branch at the call site.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed adapter implementing every durable
// operation the coordination core needs.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for migration tooling and health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) q(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// WithinTx runs fn inside a new transaction (or reuses one already
// carried by ctx, matching the teacher's transaction-first design where
// nested calls compose instead of nesting BEGINs).
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
