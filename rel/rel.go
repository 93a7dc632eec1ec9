// Package rel describes relational operations without committing to a SQL
// dialect. The document core builds these values; backends either render them
// into SQL (package dialect + sqldb) or execute them natively (package kvdb).
package rel

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindInt64 Kind = iota
	KindInt32
	KindFloat
	KindBool
	KindString // bounded length, safe to index
	KindText
	KindBytes
	KindTime
	KindUUID
)

func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "int64"
	case KindInt32:
		return "int32"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	case KindUUID:
		return "uuid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
	Identity bool // assigned by the backend on insert
}

type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

type TableIndex struct {
	Name    string
	Columns []string
	Unique  bool
}

// Statement is one of Insert, Update, Delete or CreateTable.
type Statement interface {
	TableName() string
	statement()
}

type Insert struct {
	Table   string
	Columns []string
	Values  []any

	// Returning names an identity column whose generated value is reported
	// in Result.LastInsertID.
	Returning string
}

type Update struct {
	Table   string
	Columns []string
	Values  []any
	Where   []Cond
}

type Delete struct {
	Table string
	Where []Cond
}

type CreateTable struct {
	Table       string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []TableIndex
}

func (s *Insert) TableName() string      { return s.Table }
func (s *Update) TableName() string      { return s.Table }
func (s *Delete) TableName() string      { return s.Table }
func (s *CreateTable) TableName() string { return s.Table }

func (*Insert) statement()      {}
func (*Update) statement()      {}
func (*Delete) statement()      {}
func (*CreateTable) statement() {}

func (ct *CreateTable) Column(name string) *Column {
	for i := range ct.Columns {
		if ct.Columns[i].Name == name {
			return &ct.Columns[i]
		}
	}
	return nil
}

type Order struct {
	Column string
	Desc   bool
}

type Select struct {
	Table   string
	Columns []string
	Where   []Cond
	OrderBy []Order
	Limit   int
}

type CondOp int

const (
	OpEq CondOp = iota
	OpEqOrNull
	OpIn
)

// Cond is a single predicate; a []Cond is a conjunction.
type Cond struct {
	Column string
	Op     CondOp
	Values []any
}

func Eq(column string, v any) Cond {
	return Cond{Column: column, Op: OpEq, Values: []any{v}}
}

// EqOrNull matches rows where column equals v or is NULL.
func EqOrNull(column string, v any) Cond {
	return Cond{Column: column, Op: OpEqOrNull, Values: []any{v}}
}

func In(column string, values ...any) Cond {
	return Cond{Column: column, Op: OpIn, Values: values}
}

func (c Cond) String() string {
	switch c.Op {
	case OpEq:
		return fmt.Sprintf("%s = %v", c.Column, c.Values[0])
	case OpEqOrNull:
		return fmt.Sprintf("(%s = %v OR %s IS NULL)", c.Column, c.Values[0], c.Column)
	case OpIn:
		parts := make([]string, len(c.Values))
		for i, v := range c.Values {
			parts[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s IN (%s)", c.Column, strings.Join(parts, ", "))
	default:
		return fmt.Sprintf("invalid cond op %d", int(c.Op))
	}
}

// Describe renders a statement for logs. It is not SQL.
func Describe(stmt Statement) string {
	switch s := stmt.(type) {
	case *Insert:
		return fmt.Sprintf("INSERT %s %v", s.Table, s.Columns)
	case *Update:
		return fmt.Sprintf("UPDATE %s %v WHERE %s", s.Table, s.Columns, describeWhere(s.Where))
	case *Delete:
		return fmt.Sprintf("DELETE %s WHERE %s", s.Table, describeWhere(s.Where))
	case *CreateTable:
		return fmt.Sprintf("CREATE %s", s.Table)
	default:
		return fmt.Sprintf("%T", stmt)
	}
}

func describeWhere(where []Cond) string {
	if len(where) == 0 {
		return "TRUE"
	}
	parts := make([]string, len(where))
	for i, c := range where {
		parts[i] = c.String()
	}
	return strings.Join(parts, " AND ")
}
