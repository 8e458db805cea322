package database

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// Executor runs a statement and returns the number of rows it affected.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
}

// Session is a single database connection on which transactions can be run.
type Session interface {
	// InTransaction runs fn in a transaction that is committed if fn returns nil and rolled back otherwise.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error
	Close() error
}

// SessionFactory opens a new Session.
type SessionFactory func(ctx context.Context) (Session, error)

// PoolSessions returns a SessionFactory that acquires connections from pool.
func PoolSessions(pool *pgxpool.Pool) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return &pgxSession{conn: conn}, nil
	}
}

type pgxSession struct {
	conn *pgxpool.Conn
}

func (s *pgxSession) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error {
	return s.conn.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		return fn(ctx, pgxExecutor{tx: tx})
	})
}

func (s *pgxSession) Close() error {
	s.conn.Release()
	return nil
}

type pgxExecutor struct {
	tx pgx.Tx
}

func (e pgxExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := e.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}
