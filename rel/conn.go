package rel

import (
	"context"
	"database/sql"
)

type IsolationLevel = sql.IsolationLevel

const (
	IsolationDefault       = sql.LevelDefault
	IsolationReadCommitted = sql.LevelReadCommitted
	IsolationSerializable  = sql.LevelSerializable
)

// Dialect is the part of a backend's SQL dialect the document core needs to
// know about.
type Dialect interface {
	Name() string
	SupportsBatch() bool
}

type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Rows is satisfied by *sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type Transaction interface {
	Exec(ctx context.Context, stmt Statement) (Result, error)

	// ExecBatch executes statements in order, in as few round-trips as the
	// backend allows. Per-statement results are not reported.
	ExecBatch(ctx context.Context, stmts []Statement) error

	Query(ctx context.Context, sel *Select) (Rows, error)
	Commit() error
	Rollback() error
}

type Connection interface {
	Dialect() Dialect
	Begin(ctx context.Context, level IsolationLevel) (Transaction, error)
	Close() error
}

type ConnectionFactory interface {
	Connect(ctx context.Context) (Connection, error)

	// Disposable reports whether connections must be closed by their user.
	// Otherwise they are pool-managed and handed back via Release.
	Disposable() bool
	Release(conn Connection)
}
