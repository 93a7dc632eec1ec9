// Package dialect renders rel statements into SQL text for a specific
// database engine.
package dialect

import (
	"fmt"
	"strings"

	"github.com/andreyvit/reldoc/rel"
)

type Dialect interface {
	rel.Dialect

	QuoteIdentifier(name string) string

	// Placeholder returns the text for the n-th (1-based) statement argument.
	Placeholder(n int) string

	ColumnType(c rel.Column) string

	// IdentityColumn returns the full column definition of an identity
	// primary key column.
	IdentityColumn(c rel.Column) string

	// ReturningClause returns a clause retrieving the generated identity,
	// or "" when the driver's LastInsertId must be used instead.
	ReturningClause(column string) string

	// Paging renders a LIMIT clause, or "" if limit <= 0.
	Paging(limit int) string

	// InlineIndexes reports whether secondary indexes must be declared inside
	// CREATE TABLE rather than with CREATE INDEX.
	InlineIndexes() bool

	// Isolation maps the requested level onto one the engine accepts.
	Isolation(level rel.IsolationLevel) rel.IsolationLevel
}

func ByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql":
		return MySQL{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unknown SQL dialect %q", name)
	}
}

type Postgres struct{}

func (Postgres) Name() string                       { return "postgres" }
func (Postgres) SupportsBatch() bool                { return false }
func (Postgres) QuoteIdentifier(name string) string { return quote(name, '"') }
func (Postgres) Placeholder(n int) string           { return fmt.Sprintf("$%d", n) }
func (Postgres) InlineIndexes() bool                { return false }
func (Postgres) Paging(limit int) string            { return limitClause(limit) }

func (d Postgres) ReturningClause(column string) string {
	return " RETURNING " + d.QuoteIdentifier(column)
}

func (Postgres) Isolation(level rel.IsolationLevel) rel.IsolationLevel { return level }

func (Postgres) ColumnType(c rel.Column) string {
	switch c.Kind {
	case rel.KindInt64:
		return "BIGINT"
	case rel.KindInt32:
		return "INTEGER"
	case rel.KindFloat:
		return "DOUBLE PRECISION"
	case rel.KindBool:
		return "BOOLEAN"
	case rel.KindString:
		return "VARCHAR(255)"
	case rel.KindText:
		return "TEXT"
	case rel.KindBytes:
		return "BYTEA"
	case rel.KindTime:
		return "TIMESTAMP WITH TIME ZONE"
	case rel.KindUUID:
		return "UUID"
	}
	panic(fmt.Errorf("postgres: unsupported column kind %v", c.Kind))
}

func (d Postgres) IdentityColumn(c rel.Column) string {
	return d.QuoteIdentifier(c.Name) + " BIGSERIAL PRIMARY KEY"
}

type MySQL struct{}

func (MySQL) Name() string                         { return "mysql" }
func (MySQL) SupportsBatch() bool                  { return true }
func (MySQL) QuoteIdentifier(name string) string   { return quote(name, '`') }
func (MySQL) Placeholder(int) string               { return "?" }
func (MySQL) InlineIndexes() bool                  { return true }
func (MySQL) Paging(limit int) string              { return limitClause(limit) }
func (MySQL) ReturningClause(column string) string { return "" }

func (MySQL) Isolation(level rel.IsolationLevel) rel.IsolationLevel { return level }

func (MySQL) ColumnType(c rel.Column) string {
	switch c.Kind {
	case rel.KindInt64:
		return "BIGINT"
	case rel.KindInt32:
		return "INT"
	case rel.KindFloat:
		return "DOUBLE"
	case rel.KindBool:
		return "BOOLEAN"
	case rel.KindString:
		return "VARCHAR(255)"
	case rel.KindText:
		return "LONGTEXT"
	case rel.KindBytes:
		return "LONGBLOB"
	case rel.KindTime:
		return "DATETIME(6)"
	case rel.KindUUID:
		return "CHAR(36)"
	}
	panic(fmt.Errorf("mysql: unsupported column kind %v", c.Kind))
}

func (d MySQL) IdentityColumn(c rel.Column) string {
	return d.QuoteIdentifier(c.Name) + " BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
}

type SQLite struct{}

func (SQLite) Name() string                         { return "sqlite" }
func (SQLite) SupportsBatch() bool                  { return false }
func (SQLite) QuoteIdentifier(name string) string   { return quote(name, '"') }
func (SQLite) Placeholder(int) string               { return "?" }
func (SQLite) InlineIndexes() bool                  { return false }
func (SQLite) Paging(limit int) string              { return limitClause(limit) }
func (SQLite) ReturningClause(column string) string { return "" }

// SQLite transactions are serializable; other levels are rejected by the driver.
func (SQLite) Isolation(rel.IsolationLevel) rel.IsolationLevel { return rel.IsolationDefault }

func (SQLite) ColumnType(c rel.Column) string {
	switch c.Kind {
	case rel.KindInt64, rel.KindInt32, rel.KindBool:
		return "INTEGER"
	case rel.KindFloat:
		return "REAL"
	case rel.KindString, rel.KindText, rel.KindUUID:
		return "TEXT"
	case rel.KindBytes:
		return "BLOB"
	case rel.KindTime:
		return "DATETIME"
	}
	panic(fmt.Errorf("sqlite: unsupported column kind %v", c.Kind))
}

func (d SQLite) IdentityColumn(c rel.Column) string {
	return d.QuoteIdentifier(c.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func quote(name string, q byte) string {
	s := string(q)
	return s + strings.ReplaceAll(name, s, s+s) + s
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
