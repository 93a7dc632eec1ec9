package kvdb

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/reldoc/rel"
)

const (
	schemaBucket     = "_schema"
	dataBucketPrefix = "t:"
)

// tableDef is the persisted definition of a table, stored in the schema
// bucket under the table name.
type tableDef struct {
	rel.CreateTable `msgpack:",inline"`

	pk       []int `msgpack:"-"`
	identity int   `msgpack:"-"`
}

func newTableDef(ct *rel.CreateTable) (*tableDef, error) {
	def := &tableDef{CreateTable: *ct}
	if err := def.prepare(); err != nil {
		return nil, err
	}
	return def, nil
}

func (def *tableDef) prepare() error {
	def.identity = -1
	seen := make(map[string]bool, len(def.Columns))
	for i, c := range def.Columns {
		if seen[c.Name] {
			return tableErrf(def.Table, c.Name, nil, "duplicate column")
		}
		seen[c.Name] = true
		if c.Identity {
			if def.identity >= 0 {
				return tableErrf(def.Table, c.Name, nil, "second identity column")
			}
			if c.Kind != rel.KindInt64 {
				return tableErrf(def.Table, c.Name, nil, "identity column must be int64, got %s", c.Kind)
			}
			def.identity = i
		}
	}

	pkNames := def.PrimaryKey
	if def.identity >= 0 {
		pkNames = []string{def.Columns[def.identity].Name}
	}
	if len(pkNames) == 0 {
		return tableErrf(def.Table, "", nil, "no primary key")
	}
	def.pk = def.pk[:0]
	for _, name := range pkNames {
		i := def.columnIndex(name)
		if i < 0 {
			return tableErrf(def.Table, name, nil, "primary key column not defined")
		}
		def.pk = append(def.pk, i)
	}
	for _, fk := range def.ForeignKeys {
		if def.columnIndex(fk.Column) < 0 {
			return tableErrf(def.Table, fk.Column, nil, "foreign key column not defined")
		}
	}
	for _, idx := range def.Indexes {
		for _, name := range idx.Columns {
			if def.columnIndex(name) < 0 {
				return tableErrf(def.Table, name, nil, "index %s column not defined", idx.Name)
			}
		}
	}
	return nil
}

func (def *tableDef) columnIndex(name string) int {
	for i, c := range def.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (def *tableDef) dataBucket() string {
	return dataBucketPrefix + def.Table
}

func (def *tableDef) key(row map[string]any) []byte {
	vals := make([]any, len(def.pk))
	for i, ci := range def.pk {
		vals[i] = row[def.Columns[ci].Name]
	}
	return encodeKey(vals)
}

// pointKey returns the primary key addressed by where, if where pins down
// every key column with equality.
func (def *tableDef) pointKey(where []rel.Cond) ([]byte, bool) {
	vals := make([]any, len(def.pk))
	for i, ci := range def.pk {
		col := &def.Columns[ci]
		found := false
		for _, c := range where {
			if c.Column == col.Name && c.Op == rel.OpEq {
				v, err := coerce(col, c.Values[0])
				if err != nil || v == nil {
					return nil, false
				}
				vals[i], found = v, true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return encodeKey(vals), true
}

func (def *tableDef) encodeRow(row map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(row); err != nil {
		return nil, errors.Wrapf(err, "kvdb: encoding %s row", def.Table)
	}
	return buf.Bytes(), nil
}

func (def *tableDef) decodeRow(raw []byte) (map[string]any, error) {
	var stored map[string]any
	if err := msgpack.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrapf(err, "kvdb: decoding %s row", def.Table)
	}
	row := make(map[string]any, len(def.Columns))
	for i := range def.Columns {
		col := &def.Columns[i]
		v, err := coerce(col, stored[col.Name])
		if err != nil {
			return nil, err
		}
		row[col.Name] = v
	}
	return row, nil
}

func loadTableDef(stx storageTx, name string) (*tableDef, error) {
	b := stx.Bucket(schemaBucket)
	if b == nil {
		return nil, tableErrf(name, "", ErrNoSuchTable, "")
	}
	raw := b.Get([]byte(name))
	if raw == nil {
		return nil, tableErrf(name, "", ErrNoSuchTable, "")
	}
	def := new(tableDef)
	if err := msgpack.Unmarshal(raw, def); err != nil {
		return nil, errors.Wrapf(err, "kvdb: decoding definition of %s", name)
	}
	if err := def.prepare(); err != nil {
		return nil, err
	}
	return def, nil
}

func loadTableDefs(stx storageTx) ([]*tableDef, error) {
	b := stx.Bucket(schemaBucket)
	if b == nil {
		return nil, nil
	}
	var defs []*tableDef
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		def, err := loadTableDef(stx, string(k))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func saveTableDef(stx storageTx, def *tableDef) error {
	b, err := stx.CreateBucket(schemaBucket)
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(def)
	if err != nil {
		return errors.Wrapf(err, "kvdb: encoding definition of %s", def.Table)
	}
	if err := b.Put([]byte(def.Table), raw); err != nil {
		return err
	}
	_, err = stx.CreateBucket(def.dataBucket())
	return err
}
