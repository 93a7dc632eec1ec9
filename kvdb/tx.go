package kvdb

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/andreyvit/reldoc/rel"
)

type tx struct {
	db   *DB
	w    storageTx
	done bool
}

func (t *tx) writer() (storageTx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if t.w == nil {
		w, err := t.db.st.BeginTx(true)
		if err != nil {
			return nil, errors.Wrap(err, "kvdb: begin writer")
		}
		t.w = w
	}
	return t.w, nil
}

// read runs f against the writer once it exists, otherwise against a fresh
// read-only snapshot.
func (t *tx) read(f func(stx storageTx) error) error {
	if t.done {
		return ErrTxDone
	}
	t.db.ReadCount.Add(1)
	if t.w != nil {
		return f(t.w)
	}
	stx, err := t.db.st.BeginTx(false)
	if err != nil {
		return errors.Wrap(err, "kvdb: begin reader")
	}
	defer stx.Rollback()
	return f(stx)
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.w == nil {
		return nil
	}
	t.db.lastSize.Store(t.w.Size())
	return errors.Wrap(t.w.Commit(), "kvdb: commit")
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.w == nil {
		return nil
	}
	return t.w.Rollback()
}

func (t *tx) ExecBatch(ctx context.Context, stmts []rel.Statement) error {
	for _, stmt := range stmts {
		if _, err := t.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Exec(ctx context.Context, stmt rel.Statement) (rel.Result, error) {
	if err := ctx.Err(); err != nil {
		return rel.Result{}, err
	}
	t.db.logf("kvdb: %s", rel.Describe(stmt))
	w, err := t.writer()
	if err != nil {
		return rel.Result{}, err
	}
	t.db.WriteCount.Add(1)

	switch s := stmt.(type) {
	case *rel.CreateTable:
		return rel.Result{}, t.createTable(w, s)
	case *rel.Insert:
		return t.insert(w, s)
	case *rel.Update:
		return t.update(w, s)
	case *rel.Delete:
		return t.delete(w, s)
	default:
		return rel.Result{}, errors.Wrapf(ErrUnsupportedStatement, "kvdb: %T", stmt)
	}
}

func (t *tx) createTable(w storageTx, ct *rel.CreateTable) error {
	if _, err := loadTableDef(w, ct.Table); err == nil {
		return nil
	} else if !errors.Is(err, ErrNoSuchTable) {
		return err
	}
	def, err := newTableDef(ct)
	if err != nil {
		return err
	}
	for _, fk := range def.ForeignKeys {
		if fk.RefTable == def.Table {
			continue
		}
		if _, err := loadTableDef(w, fk.RefTable); err != nil {
			return tableErrf(def.Table, fk.Column, err, "foreign key target %s", fk.RefTable)
		}
	}
	return saveTableDef(w, def)
}

func (t *tx) insert(w storageTx, s *rel.Insert) (rel.Result, error) {
	def, err := loadTableDef(w, s.Table)
	if err != nil {
		return rel.Result{}, err
	}
	if len(s.Columns) != len(s.Values) {
		return rel.Result{}, tableErrf(def.Table, "", nil, "insert has %d columns and %d values", len(s.Columns), len(s.Values))
	}
	b := w.Bucket(def.dataBucket())

	row := make(map[string]any, len(def.Columns))
	for i, name := range s.Columns {
		ci := def.columnIndex(name)
		if ci < 0 {
			return rel.Result{}, tableErrf(def.Table, name, nil, "no such column")
		}
		v, err := coerce(&def.Columns[ci], s.Values[i])
		if err != nil {
			return rel.Result{}, err
		}
		row[name] = v
	}

	var res rel.Result
	if def.identity >= 0 {
		name := def.Columns[def.identity].Name
		id, _ := row[name].(int64)
		if id == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return rel.Result{}, err
			}
			id = int64(seq)
			row[name] = id
		}
		res.LastInsertID = id
	}
	if err := t.checkRow(w, def, row, nil); err != nil {
		return rel.Result{}, err
	}

	key := def.key(row)
	if b.Get(key) != nil {
		return rel.Result{}, tableErrf(def.Table, "", ErrUniqueViolation, "duplicate primary key %v", pkValues(def, row))
	}
	raw, err := def.encodeRow(row)
	if err != nil {
		return rel.Result{}, err
	}
	if err := b.Put(key, raw); err != nil {
		return rel.Result{}, err
	}
	res.RowsAffected = 1
	return res, nil
}

func (t *tx) update(w storageTx, s *rel.Update) (rel.Result, error) {
	def, err := loadTableDef(w, s.Table)
	if err != nil {
		return rel.Result{}, err
	}
	if len(s.Columns) != len(s.Values) {
		return rel.Result{}, tableErrf(def.Table, "", nil, "update has %d columns and %d values", len(s.Columns), len(s.Values))
	}
	set := make(map[string]any, len(s.Columns))
	for i, name := range s.Columns {
		ci := def.columnIndex(name)
		if ci < 0 {
			return rel.Result{}, tableErrf(def.Table, name, nil, "no such column")
		}
		if slices.Contains(def.pk, ci) {
			return rel.Result{}, tableErrf(def.Table, name, ErrUnsupportedStatement, "updating a primary key column")
		}
		v, err := coerce(&def.Columns[ci], s.Values[i])
		if err != nil {
			return rel.Result{}, err
		}
		set[name] = v
	}

	matches, err := findRows(w, def, s.Where)
	if err != nil {
		return rel.Result{}, err
	}
	b := w.Bucket(def.dataBucket())
	for _, m := range matches {
		for name, v := range set {
			m.row[name] = v
		}
		if err := t.checkRow(w, def, m.row, m.key); err != nil {
			return rel.Result{}, err
		}
		raw, err := def.encodeRow(m.row)
		if err != nil {
			return rel.Result{}, err
		}
		if err := b.Put(m.key, raw); err != nil {
			return rel.Result{}, err
		}
	}
	return rel.Result{RowsAffected: int64(len(matches))}, nil
}

func (t *tx) delete(w storageTx, s *rel.Delete) (rel.Result, error) {
	def, err := loadTableDef(w, s.Table)
	if err != nil {
		return rel.Result{}, err
	}
	matches, err := findRows(w, def, s.Where)
	if err != nil {
		return rel.Result{}, err
	}
	if len(matches) == 0 {
		return rel.Result{}, nil
	}
	defs, err := loadTableDefs(w)
	if err != nil {
		return rel.Result{}, err
	}
	b := w.Bucket(def.dataBucket())
	for _, m := range matches {
		if err := checkNotReferenced(w, defs, def, m.row); err != nil {
			return rel.Result{}, err
		}
		if err := b.Delete(m.key); err != nil {
			return rel.Result{}, err
		}
	}
	return rel.Result{RowsAffected: int64(len(matches))}, nil
}

// checkRow validates NOT NULL, unique index and foreign key constraints of a
// row about to be written. self is the key of the row being replaced, if any.
func (t *tx) checkRow(w storageTx, def *tableDef, row map[string]any, self []byte) error {
	for _, c := range def.Columns {
		if row[c.Name] == nil && !c.Nullable {
			return tableErrf(def.Table, c.Name, ErrNotNullViolation, "")
		}
	}

	for _, idx := range def.Indexes {
		if !idx.Unique {
			continue
		}
		where := make([]rel.Cond, 0, len(idx.Columns))
		hasNull := false
		for _, name := range idx.Columns {
			v := row[name]
			if v == nil {
				hasNull = true
				break
			}
			where = append(where, rel.Eq(name, v))
		}
		if hasNull {
			continue
		}
		others, err := findRows(w, def, where)
		if err != nil {
			return err
		}
		for _, o := range others {
			if self == nil || string(o.key) != string(self) {
				return tableErrf(def.Table, "", ErrUniqueViolation, "index %s", idx.Name)
			}
		}
	}

	for _, fk := range def.ForeignKeys {
		v := row[fk.Column]
		if v == nil {
			continue
		}
		ref, err := loadTableDef(w, fk.RefTable)
		if err != nil {
			return err
		}
		found, err := findRows(w, ref, []rel.Cond{rel.Eq(fk.RefColumn, v)})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return tableErrf(def.Table, fk.Column, ErrForeignKeyViolation, "%v not found in %s.%s", v, fk.RefTable, fk.RefColumn)
		}
	}
	return nil
}

func checkNotReferenced(w storageTx, defs []*tableDef, def *tableDef, row map[string]any) error {
	for _, other := range defs {
		for _, fk := range other.ForeignKeys {
			if fk.RefTable != def.Table {
				continue
			}
			v := row[fk.RefColumn]
			if v == nil {
				continue
			}
			refs, err := findRows(w, other, []rel.Cond{rel.Eq(fk.Column, v)})
			if err != nil {
				return err
			}
			if len(refs) > 0 {
				return tableErrf(def.Table, fk.RefColumn, ErrForeignKeyViolation, "%v is referenced by %s.%s", v, other.Table, fk.Column)
			}
		}
	}
	return nil
}

func pkValues(def *tableDef, row map[string]any) []any {
	vals := make([]any, len(def.pk))
	for i, ci := range def.pk {
		vals[i] = row[def.Columns[ci].Name]
	}
	return vals
}

type match struct {
	key []byte
	row map[string]any
}

// findRows returns the rows matching where in key order. Conditions pinning
// the whole primary key use a point lookup; anything else scans the table.
func findRows(stx storageTx, def *tableDef, where []rel.Cond) ([]match, error) {
	b := stx.Bucket(def.dataBucket())
	if b == nil {
		return nil, tableErrf(def.Table, "", ErrNoSuchTable, "data bucket missing")
	}

	if key, ok := def.pointKey(where); ok {
		raw := b.Get(key)
		if raw == nil {
			return nil, nil
		}
		row, err := def.decodeRow(raw)
		if err != nil {
			return nil, err
		}
		if !rel.Match(row, where) {
			return nil, nil
		}
		return []match{{key: slices.Clone(key), row: row}}, nil
	}

	var result []match
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		row, err := def.decodeRow(v)
		if err != nil {
			return nil, err
		}
		if rel.Match(row, where) {
			result = append(result, match{key: slices.Clone(k), row: row})
		}
	}
	return result, nil
}

func (t *tx) Query(ctx context.Context, sel *rel.Select) (rel.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *rows
	err := t.read(func(stx storageTx) error {
		def, err := loadTableDef(stx, sel.Table)
		if err != nil {
			return err
		}
		cols := sel.Columns
		if len(cols) == 0 {
			for _, c := range def.Columns {
				cols = append(cols, c.Name)
			}
		}
		for _, name := range cols {
			if def.columnIndex(name) < 0 {
				return tableErrf(def.Table, name, nil, "no such column")
			}
		}

		matches, err := findRows(stx, def, sel.Where)
		if err != nil {
			return err
		}
		if len(sel.OrderBy) > 0 {
			slices.SortStableFunc(matches, func(a, b match) int {
				for _, o := range sel.OrderBy {
					r := rel.Compare(a.row[o.Column], b.row[o.Column])
					if o.Desc {
						r = -r
					}
					if r != 0 {
						return r
					}
				}
				return 0
			})
		}
		if sel.Limit > 0 && len(matches) > sel.Limit {
			matches = matches[:sel.Limit]
		}

		out = &rows{pos: -1, data: make([][]any, len(matches))}
		for i, m := range matches {
			vals := make([]any, len(cols))
			for j, name := range cols {
				vals[j] = m.row[name]
			}
			out.data[i] = vals
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.db.logf("kvdb: SELECT %s WHERE %v -> %d rows", sel.Table, sel.Where, len(out.data))
	return out, nil
}

// rows is a materialized result set; no storage transaction stays open while
// the caller iterates.
type rows struct {
	data [][]any
	pos  int
	err  error
}

func (r *rows) Next() bool {
	if r.pos+1 >= len(r.data) {
		r.pos = len(r.data)
		return false
	}
	r.pos++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.data) {
		return errors.New("kvdb: Scan called without a current row")
	}
	vals := r.data[r.pos]
	if len(dest) != len(vals) {
		return errors.Newf("kvdb: expected %d destination arguments in Scan, got %d", len(vals), len(dest))
	}
	for i, v := range vals {
		if err := rel.Assign(dest[i], v); err != nil {
			return errors.Wrapf(err, "kvdb: column %d", i)
		}
	}
	return nil
}

func (r *rows) Err() error   { return r.err }
func (r *rows) Close() error { return nil }
