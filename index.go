package reldoc

import (
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/andreyvit/reldoc/rel"
)

// MapIndex is embedded by index types holding one row per contributing
// document.
type MapIndex struct {
	ID         int64 `reldoc:"-"`
	DocumentID int64 `reldoc:"-"`
}

func (m *MapIndex) mapIndex() *MapIndex { return m }

// ReduceIndex is embedded by index types holding one aggregated row per
// group key, linked to its documents through a bridge table.
type ReduceIndex struct {
	ID int64 `reldoc:"-"`
}

func (r *ReduceIndex) reduceIndex() *ReduceIndex { return r }

type mapIndexer interface{ mapIndex() *MapIndex }
type reduceIndexer interface{ reduceIndex() *ReduceIndex }

var (
	mapIndexType    = reflect.TypeFor[MapIndex]()
	reduceIndexType = reflect.TypeFor[ReduceIndex]()
	timeType        = reflect.TypeFor[time.Time]()
	uuidType        = reflect.TypeFor[uuid.UUID]()
)

type indexField struct {
	col   rel.Column
	index []int
}

// indexTable maps an index struct type onto its table. Every exported field
// other than the embedded MapIndex/ReduceIndex becomes a column named after
// the field, unless renamed with a `reldoc:"Name"` tag or skipped with
// `reldoc:"-"`. A `reldoc:",text"` option stores a string as unbounded text.
type indexTable struct {
	kind   IndexKind
	typ    reflect.Type // struct type
	name   string       // full table name
	fields []indexField

	docTable string

	// reduce indexes only
	bridge       string
	bridgeColumn string
	group        *indexField
}

func newIndexTable(kind IndexKind, typ reflect.Type, name, docTable string) (*indexTable, error) {
	t := &indexTable{kind: kind, typ: typ, name: name, docTable: docTable}
	var errs error
	for _, f := range reflect.VisibleFields(typ) {
		if f.Anonymous && (f.Type == mapIndexType || f.Type == reduceIndexType) {
			continue
		}
		if !f.IsExported() || f.Anonymous || len(f.Index) > 1 && isIndexBase(typ, f.Index) {
			continue
		}
		tag := f.Tag.Get("reldoc")
		if tag == "-" {
			continue
		}
		colName, opts, _ := strings.Cut(tag, ",")
		if colName == "" {
			colName = f.Name
		}
		kind, nullable, ok := columnKind(f.Type)
		if !ok {
			errs = errors.CombineErrors(errs, argErrf("%v.%s: unsupported column type %v", typ, f.Name, f.Type))
			continue
		}
		if kind == rel.KindString && opts == "text" {
			kind = rel.KindText
		}
		switch colName {
		case "Id", "DocumentId":
			errs = errors.CombineErrors(errs, argErrf("%v.%s: column name %s is reserved", typ, f.Name, colName))
			continue
		}
		t.fields = append(t.fields, indexField{
			col:   rel.Column{Name: colName, Kind: kind, Nullable: nullable},
			index: f.Index,
		})
	}
	return t, errs
}

func isIndexBase(typ reflect.Type, index []int) bool {
	f := typ.FieldByIndex(index[:1])
	return f.Type == mapIndexType || f.Type == reduceIndexType
}

func columnKind(t reflect.Type) (kind rel.Kind, nullable bool, ok bool) {
	if t.Kind() == reflect.Pointer {
		k, _, ok := columnKind(t.Elem())
		return k, true, ok
	}
	switch t {
	case timeType:
		return rel.KindTime, false, true
	case uuidType:
		return rel.KindUUID, false, true
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Uint32:
		return rel.KindInt64, false, true
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return rel.KindInt32, false, true
	case reflect.Float32, reflect.Float64:
		return rel.KindFloat, false, true
	case reflect.Bool:
		return rel.KindBool, false, true
	case reflect.String:
		return rel.KindString, false, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return rel.KindBytes, true, true
		}
	}
	return 0, false, false
}

func (t *indexTable) field(name string) *indexField {
	for i := range t.fields {
		if t.fields[i].col.Name == name {
			return &t.fields[i]
		}
	}
	return nil
}

func (t *indexTable) fieldByGoName(name string) *indexField {
	sf, ok := t.typ.FieldByName(name)
	if !ok {
		return nil
	}
	for i := range t.fields {
		if slices.Equal(t.fields[i].index, sf.Index) {
			return &t.fields[i]
		}
	}
	return nil
}

func (t *indexTable) columnNames() []string {
	names := make([]string, len(t.fields))
	for i, f := range t.fields {
		names[i] = f.col.Name
	}
	return names
}

// values returns the column values of an index row, in field order.
func (t *indexTable) values(idx any) []any {
	v := reflect.ValueOf(idx).Elem()
	vals := make([]any, len(t.fields))
	for i, f := range t.fields {
		fv := v.FieldByIndex(f.index)
		if fv.Kind() == reflect.Pointer && fv.IsNil() {
			vals[i] = nil
		} else if fv.Kind() == reflect.Slice && fv.IsNil() {
			vals[i] = nil
		} else {
			vals[i] = fv.Interface()
		}
	}
	return vals
}

func (t *indexTable) sameValues(a, b any) bool {
	return equalValues(t.values(a), t.values(b))
}

// scanTarget allocates an index row and returns it along with scan
// destinations for "Id" followed by every field column.
func (t *indexTable) scanTarget() (any, []any) {
	ptr := reflect.New(t.typ)
	v := ptr.Elem()
	dests := make([]any, 0, 1+len(t.fields))
	switch idx := ptr.Interface().(type) {
	case mapIndexer:
		dests = append(dests, &idx.mapIndex().ID)
	case reduceIndexer:
		dests = append(dests, &idx.reduceIndex().ID)
	}
	for _, f := range t.fields {
		dests = append(dests, v.FieldByIndex(f.index).Addr().Interface())
	}
	return ptr.Interface(), dests
}

func (t *indexTable) schema() []*rel.CreateTable {
	cols := []rel.Column{{Name: "Id", Kind: rel.KindInt64, Identity: true}}
	ct := &rel.CreateTable{Table: t.name, PrimaryKey: []string{"Id"}}
	if t.kind == MapKind {
		cols = append(cols, rel.Column{Name: "DocumentId", Kind: rel.KindInt64})
		ct.ForeignKeys = []rel.ForeignKey{{Column: "DocumentId", RefTable: t.docTable, RefColumn: "Id"}}
		ct.Indexes = []rel.TableIndex{{Name: "IX_" + t.name + "_DocumentId", Columns: []string{"DocumentId"}}}
	}
	for _, f := range t.fields {
		cols = append(cols, f.col)
	}
	ct.Columns = cols
	if t.kind == MapKind {
		return []*rel.CreateTable{ct}
	}

	if t.group != nil {
		ct.Indexes = []rel.TableIndex{{Name: "IX_" + t.name + "_" + t.group.col.Name, Columns: []string{t.group.col.Name}, Unique: true}}
	}
	bridge := &rel.CreateTable{
		Table: t.bridge,
		Columns: []rel.Column{
			{Name: t.bridgeColumn, Kind: rel.KindInt64},
			{Name: "DocumentId", Kind: rel.KindInt64},
		},
		PrimaryKey: []string{t.bridgeColumn, "DocumentId"},
		ForeignKeys: []rel.ForeignKey{
			{Column: t.bridgeColumn, RefTable: t.name, RefColumn: "Id"},
			{Column: "DocumentId", RefTable: t.docTable, RefColumn: "Id"},
		},
	}
	return []*rel.CreateTable{ct, bridge}
}
