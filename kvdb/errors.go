package kvdb

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrNoSuchTable          = errors.New("no such table")
	ErrUniqueViolation      = errors.New("unique constraint violation")
	ErrForeignKeyViolation  = errors.New("foreign key constraint violation")
	ErrNotNullViolation     = errors.New("not null constraint violation")
	ErrTxDone               = errors.New("transaction already committed or rolled back")
	ErrUnsupportedStatement = errors.New("unsupported statement")
)

type TableError struct {
	Table  string
	Column string
	Msg    string
	Err    error
}

func tableErrf(table, column string, err error, format string, args ...any) error {
	return &TableError{table, column, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString("kvdb: ")
	buf.WriteString(e.Table)
	if e.Column != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Column)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
