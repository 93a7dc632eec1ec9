package dialect

import (
	"fmt"
	"strings"

	"github.com/andreyvit/reldoc/rel"
)

type renderer struct {
	d    Dialect
	buf  strings.Builder
	args []any
	off  int
}

// Render produces the SQL text of a statement. Placeholders are numbered
// starting after argOffset so that several statements can share one batch.
func Render(d Dialect, stmt rel.Statement, argOffset int) (string, []any) {
	r := &renderer{d: d, off: argOffset}
	switch s := stmt.(type) {
	case *rel.Insert:
		r.insert(s)
	case *rel.Update:
		r.update(s)
	case *rel.Delete:
		r.delete(s)
	case *rel.CreateTable:
		return strings.Join(DDL(d, s), ";\n"), nil
	default:
		panic(fmt.Errorf("dialect: unsupported statement %T", stmt))
	}
	return r.buf.String(), r.args
}

func RenderSelect(d Dialect, sel *rel.Select) (string, []any) {
	r := &renderer{d: d}
	r.buf.WriteString("SELECT ")
	if len(sel.Columns) == 0 {
		r.buf.WriteString("*")
	} else {
		r.columnList(sel.Columns)
	}
	r.buf.WriteString(" FROM ")
	r.buf.WriteString(d.QuoteIdentifier(sel.Table))
	r.where(sel.Where)
	for i, o := range sel.OrderBy {
		if i == 0 {
			r.buf.WriteString(" ORDER BY ")
		} else {
			r.buf.WriteString(", ")
		}
		r.buf.WriteString(d.QuoteIdentifier(o.Column))
		if o.Desc {
			r.buf.WriteString(" DESC")
		}
	}
	r.buf.WriteString(d.Paging(sel.Limit))
	return r.buf.String(), r.args
}

func (r *renderer) insert(s *rel.Insert) {
	if len(s.Columns) != len(s.Values) {
		panic(fmt.Errorf("dialect: INSERT into %s has %d columns and %d values", s.Table, len(s.Columns), len(s.Values)))
	}
	r.buf.WriteString("INSERT INTO ")
	r.buf.WriteString(r.d.QuoteIdentifier(s.Table))
	r.buf.WriteString(" (")
	r.columnList(s.Columns)
	r.buf.WriteString(") VALUES (")
	for i, v := range s.Values {
		if i > 0 {
			r.buf.WriteString(", ")
		}
		r.arg(v)
	}
	r.buf.WriteString(")")
	if s.Returning != "" {
		r.buf.WriteString(r.d.ReturningClause(s.Returning))
	}
}

func (r *renderer) update(s *rel.Update) {
	if len(s.Columns) != len(s.Values) {
		panic(fmt.Errorf("dialect: UPDATE of %s has %d columns and %d values", s.Table, len(s.Columns), len(s.Values)))
	}
	r.buf.WriteString("UPDATE ")
	r.buf.WriteString(r.d.QuoteIdentifier(s.Table))
	r.buf.WriteString(" SET ")
	for i, col := range s.Columns {
		if i > 0 {
			r.buf.WriteString(", ")
		}
		r.buf.WriteString(r.d.QuoteIdentifier(col))
		r.buf.WriteString(" = ")
		r.arg(s.Values[i])
	}
	r.where(s.Where)
}

func (r *renderer) delete(s *rel.Delete) {
	r.buf.WriteString("DELETE FROM ")
	r.buf.WriteString(r.d.QuoteIdentifier(s.Table))
	r.where(s.Where)
}

func (r *renderer) where(conds []rel.Cond) {
	for i, c := range conds {
		if i == 0 {
			r.buf.WriteString(" WHERE ")
		} else {
			r.buf.WriteString(" AND ")
		}
		col := r.d.QuoteIdentifier(c.Column)
		switch c.Op {
		case rel.OpEq:
			r.buf.WriteString(col)
			r.buf.WriteString(" = ")
			r.arg(c.Values[0])
		case rel.OpEqOrNull:
			r.buf.WriteString("(")
			r.buf.WriteString(col)
			r.buf.WriteString(" = ")
			r.arg(c.Values[0])
			r.buf.WriteString(" OR ")
			r.buf.WriteString(col)
			r.buf.WriteString(" IS NULL)")
		case rel.OpIn:
			if len(c.Values) == 0 {
				r.buf.WriteString("1 = 0")
				continue
			}
			r.buf.WriteString(col)
			r.buf.WriteString(" IN (")
			for j, v := range c.Values {
				if j > 0 {
					r.buf.WriteString(", ")
				}
				r.arg(v)
			}
			r.buf.WriteString(")")
		default:
			panic(fmt.Errorf("dialect: unsupported condition op %d", c.Op))
		}
	}
}

func (r *renderer) columnList(cols []string) {
	for i, col := range cols {
		if i > 0 {
			r.buf.WriteString(", ")
		}
		r.buf.WriteString(r.d.QuoteIdentifier(col))
	}
}

func (r *renderer) arg(v any) {
	r.args = append(r.args, v)
	r.buf.WriteString(r.d.Placeholder(r.off + len(r.args)))
}

// DDL returns the statements creating a table and its secondary indexes.
func DDL(d Dialect, ct *rel.CreateTable) []string {
	var buf strings.Builder
	buf.WriteString("CREATE TABLE IF NOT EXISTS ")
	buf.WriteString(d.QuoteIdentifier(ct.Table))
	buf.WriteString(" (")

	identityPK := false
	for i, c := range ct.Columns {
		if i > 0 {
			buf.WriteString(", ")
		}
		if c.Identity {
			buf.WriteString(d.IdentityColumn(c))
			identityPK = true
			continue
		}
		buf.WriteString(d.QuoteIdentifier(c.Name))
		buf.WriteString(" ")
		buf.WriteString(d.ColumnType(c))
		if !c.Nullable {
			buf.WriteString(" NOT NULL")
		}
	}
	if !identityPK && len(ct.PrimaryKey) > 0 {
		buf.WriteString(", PRIMARY KEY (")
		writeQuotedList(&buf, d, ct.PrimaryKey)
		buf.WriteString(")")
	}
	for _, fk := range ct.ForeignKeys {
		buf.WriteString(", FOREIGN KEY (")
		buf.WriteString(d.QuoteIdentifier(fk.Column))
		buf.WriteString(") REFERENCES ")
		buf.WriteString(d.QuoteIdentifier(fk.RefTable))
		buf.WriteString(" (")
		buf.WriteString(d.QuoteIdentifier(fk.RefColumn))
		buf.WriteString(")")
	}
	if d.InlineIndexes() {
		for _, idx := range ct.Indexes {
			if idx.Unique {
				buf.WriteString(", UNIQUE KEY ")
			} else {
				buf.WriteString(", KEY ")
			}
			buf.WriteString(d.QuoteIdentifier(idx.Name))
			buf.WriteString(" (")
			writeQuotedList(&buf, d, idx.Columns)
			buf.WriteString(")")
		}
	}
	buf.WriteString(")")

	stmts := []string{buf.String()}
	if !d.InlineIndexes() {
		for _, idx := range ct.Indexes {
			var ib strings.Builder
			if idx.Unique {
				ib.WriteString("CREATE UNIQUE INDEX IF NOT EXISTS ")
			} else {
				ib.WriteString("CREATE INDEX IF NOT EXISTS ")
			}
			ib.WriteString(d.QuoteIdentifier(idx.Name))
			ib.WriteString(" ON ")
			ib.WriteString(d.QuoteIdentifier(ct.Table))
			ib.WriteString(" (")
			writeQuotedList(&ib, d, idx.Columns)
			ib.WriteString(")")
			stmts = append(stmts, ib.String())
		}
	}
	return stmts
}

func writeQuotedList(buf *strings.Builder, d Dialect, names []string) {
	for i, name := range names {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(d.QuoteIdentifier(name))
	}
}
