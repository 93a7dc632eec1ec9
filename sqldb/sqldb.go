// Package sqldb runs rel statements against a database/sql database,
// rendering them with a SQL dialect.
package sqldb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/andreyvit/reldoc/dialect"
	"github.com/andreyvit/reldoc/rel"
)

type Options struct {
	Logger  *zap.Logger
	Verbose bool
}

// Factory hands out pooled *sql.Conn connections; closing one returns it to
// the database/sql pool.
type Factory struct {
	db      *sql.DB
	dialect dialect.Dialect
	log     *zap.SugaredLogger
	verbose bool
}

func New(db *sql.DB, d dialect.Dialect, opt Options) *Factory {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		db:      db,
		dialect: d,
		log:     logger.Sugar(),
		verbose: opt.Verbose,
	}
}

func OpenPostgres(dsn string, opt Options) (*Factory, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqldb: postgres config")
	}
	return New(stdlib.OpenDB(*cfg), dialect.Postgres{}, opt), nil
}

// OpenMySQL enables multi-statement execution, which batching relies on.
func OpenMySQL(cfg *mysql.Config, opt Options) (*Factory, error) {
	cfg = cfg.Clone()
	cfg.MultiStatements = true
	cfg.InterpolateParams = true
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "sqldb: mysql connector")
	}
	return New(sql.OpenDB(connector), dialect.MySQL{}, opt), nil
}

func OpenSQLite(path string, opt Options) (*Factory, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sqldb: sqlite %s", path)
	}
	return New(db, dialect.SQLite{}, opt), nil
}

func (f *Factory) DB() *sql.DB                 { return f.db }
func (f *Factory) SQLDialect() dialect.Dialect { return f.dialect }
func (f *Factory) Close() error                { return f.db.Close() }
func (f *Factory) Disposable() bool            { return true }

func (f *Factory) Release(c rel.Connection) {
	if err := c.Close(); err != nil {
		f.log.Warnf("sqldb: closing connection: %v", err)
	}
}

func (f *Factory) Connect(ctx context.Context) (rel.Connection, error) {
	c, err := f.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "sqldb: connect")
	}
	return &conn{f: f, c: c}, nil
}

type conn struct {
	f *Factory
	c *sql.Conn
}

func (c *conn) Dialect() rel.Dialect { return c.f.dialect }
func (c *conn) Close() error         { return c.c.Close() }

func (c *conn) Begin(ctx context.Context, level rel.IsolationLevel) (rel.Transaction, error) {
	stx, err := c.c.BeginTx(ctx, &sql.TxOptions{Isolation: c.f.dialect.Isolation(level)})
	if err != nil {
		return nil, errors.Wrap(err, "sqldb: begin")
	}
	return &tx{f: c.f, tx: stx}, nil
}

type tx struct {
	f  *Factory
	tx *sql.Tx
}

func (t *tx) logf(format string, args ...any) {
	if t.f.verbose {
		t.f.log.Debugf(format, args...)
	}
}

func (t *tx) Exec(ctx context.Context, stmt rel.Statement) (rel.Result, error) {
	d := t.f.dialect
	if ct, ok := stmt.(*rel.CreateTable); ok {
		for _, text := range dialect.DDL(d, ct) {
			t.logf("sqldb: %s", text)
			if _, err := t.tx.ExecContext(ctx, text); err != nil {
				return rel.Result{}, errors.Wrapf(err, "sqldb: creating %s", ct.Table)
			}
		}
		return rel.Result{}, nil
	}

	text, args := dialect.Render(d, stmt, 0)
	t.logf("sqldb: %s %v", text, args)

	if ins, ok := stmt.(*rel.Insert); ok && ins.Returning != "" && d.ReturningClause(ins.Returning) != "" {
		var id int64
		if err := t.tx.QueryRowContext(ctx, text, args...).Scan(&id); err != nil {
			return rel.Result{}, errors.Wrapf(err, "sqldb: %s", rel.Describe(stmt))
		}
		return rel.Result{RowsAffected: 1, LastInsertID: id}, nil
	}

	res, err := t.tx.ExecContext(ctx, text, args...)
	if err != nil {
		return rel.Result{}, errors.Wrapf(err, "sqldb: %s", rel.Describe(stmt))
	}
	var r rel.Result
	if r.RowsAffected, err = res.RowsAffected(); err != nil {
		return rel.Result{}, errors.Wrap(err, "sqldb: rows affected")
	}
	if ins, ok := stmt.(*rel.Insert); ok && ins.Returning != "" {
		if r.LastInsertID, err = res.LastInsertId(); err != nil {
			return rel.Result{}, errors.Wrap(err, "sqldb: last insert id")
		}
	}
	return r, nil
}

func (t *tx) ExecBatch(ctx context.Context, stmts []rel.Statement) error {
	d := t.f.dialect
	if !d.SupportsBatch() || len(stmts) == 1 {
		for _, stmt := range stmts {
			if _, err := t.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}

	var buf strings.Builder
	var args []any
	for i, stmt := range stmts {
		text, a := dialect.Render(d, stmt, len(args))
		if i > 0 {
			buf.WriteString(";\n")
		}
		buf.WriteString(text)
		args = append(args, a...)
	}
	t.logf("sqldb: BATCH of %d statements", len(stmts))
	if _, err := t.tx.ExecContext(ctx, buf.String(), args...); err != nil {
		return errors.Wrapf(err, "sqldb: batch of %d statements", len(stmts))
	}
	return nil
}

func (t *tx) Query(ctx context.Context, sel *rel.Select) (rel.Rows, error) {
	text, args := dialect.RenderSelect(t.f.dialect, sel)
	t.logf("sqldb: %s %v", text, args)
	rows, err := t.tx.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "sqldb: select from %s", sel.Table)
	}
	return rows, nil
}

func (t *tx) Commit() error {
	return errors.Wrap(t.tx.Commit(), "sqldb: commit")
}

func (t *tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return errors.Wrap(err, "sqldb: rollback")
}
