package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and
// pgx.Tx. Repositories run every statement through one.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// WithTx stores tx on ctx so repositories join it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Conn returns the active transaction on ctx, or fallback.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

// InTx runs fn inside a transaction. If ctx already carries one, fn joins it
// and the outer caller owns commit and rollback.
func InTx(ctx context.Context, b Beginner, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return MapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Transactor runs a unit of work atomically. Services depend on it rather
// than on a pool so that in-memory repositories can be used in tests.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type poolTransactor struct{ b Beginner }

func NewTransactor(b Beginner) Transactor {
	return poolTransactor{b: b}
}

func (t poolTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return InTx(ctx, t.b, fn)
}

// Passthrough runs fn without a transaction.
type Passthrough struct{}

func (Passthrough) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
