package reldoc

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

type IndexKind int

const (
	MapKind IndexKind = iota
	ReduceKind
)

func (k IndexKind) String() string {
	if k == ReduceKind {
		return "reduce"
	}
	return "map"
}

// IndexProvider describes indexes of one or more entity types. Describe runs
// once, when the provider is registered with the Store.
//
// A provider may also implement CollectionName() string to describe indexes
// of a named collection.
type IndexProvider interface {
	Describe(dc *DescribeContext)
}

type collectionNamer interface {
	CollectionName() string
}

// DescribeContext collects the descriptors declared by one provider.
type DescribeContext struct {
	store      *Store
	collection string
	descs      []*IndexDescriptor
	err        error
}

func (dc *DescribeContext) Collection() string { return dc.collection }

func (dc *DescribeContext) fail(err error) {
	dc.err = errors.CombineErrors(dc.err, err)
}

// Group is the set of index rows sharing one group key.
type Group[K comparable, I any] struct {
	Key   K
	Items []*I
}

// ReduceSpec declares a reduce index I over entities T, grouped by a key of
// type K.
type ReduceSpec[T, I any, K comparable] struct {
	// GroupKey names the field of I holding the group key. It becomes a
	// column with a unique index.
	GroupKey string

	// Key extracts the group key. Defaults to reading the GroupKey field.
	Key func(*I) K

	Map func(*T) []*I

	// Reduce folds a group into one row with the group's key. It is also
	// applied to {stored row, reduced new rows}, so it must accept its own
	// output as input.
	Reduce func(Group[K, I]) *I

	// Delete subtracts the rows of a group from an aggregate. Returning nil
	// removes the aggregate row.
	Delete func(*I, Group[K, I]) *I
}

// IndexDescriptor is the compiled description of one index of one entity
// type in one collection.
type IndexDescriptor struct {
	kind       IndexKind
	entityType reflect.Type // pointer to entity struct
	indexType  reflect.Type // index struct
	collection string
	table      *indexTable

	mapFn func(e any) []any

	groupKey string
	keyFn    func(idx any) any
	reduceFn func(key any, items []any) any
	deleteFn func(idx any, key any, items []any) any
}

func (d *IndexDescriptor) Kind() IndexKind          { return d.kind }
func (d *IndexDescriptor) EntityType() reflect.Type { return d.entityType }
func (d *IndexDescriptor) IndexType() reflect.Type  { return d.indexType }
func (d *IndexDescriptor) Name() string             { return d.indexType.Name() }
func (d *IndexDescriptor) Collection() string       { return d.collection }
func (d *IndexDescriptor) Table() string            { return d.table.name }
func (d *IndexDescriptor) GroupKey() string         { return d.groupKey }

// DescribeMap declares a map index: every entity contributes the rows
// returned by mapFn, each linked to the entity's document.
func DescribeMap[T, I any, PI interface {
	*I
	mapIndexer
}](dc *DescribeContext, mapFn func(*T) []*I) {
	if mapFn == nil {
		dc.fail(argErrf("map index %v: nil map function", reflect.TypeFor[I]()))
		return
	}
	d, err := dc.newDescriptor(MapKind, reflect.TypeFor[*T](), reflect.TypeFor[I]())
	if err != nil {
		dc.fail(err)
		return
	}
	d.mapFn = func(e any) []any {
		items := mapFn(e.(*T))
		out := make([]any, 0, len(items))
		for _, item := range items {
			if item != nil {
				out = append(out, item)
			}
		}
		return out
	}
	dc.descs = append(dc.descs, d)
}

// DescribeReduce declares a reduce index. A ReduceSpec without GroupKey is
// accepted here, but flushing a contribution to it fails.
func DescribeReduce[T, I any, K comparable, PI interface {
	*I
	reduceIndexer
}](dc *DescribeContext, spec ReduceSpec[T, I, K]) {
	it := reflect.TypeFor[I]()
	if spec.Map == nil || spec.Reduce == nil {
		dc.fail(argErrf("reduce index %v: Map and Reduce are required", it))
		return
	}
	d, err := dc.newDescriptor(ReduceKind, reflect.TypeFor[*T](), it)
	if err != nil {
		dc.fail(err)
		return
	}

	key := spec.Key
	if spec.GroupKey != "" {
		f := d.table.fieldByGoName(spec.GroupKey)
		if f == nil {
			f = d.table.field(spec.GroupKey)
		}
		if f == nil {
			dc.fail(argErrf("reduce index %v: group key field %s not found", it, spec.GroupKey))
			return
		}
		ft := it.FieldByIndex(f.index).Type
		if !ft.Comparable() {
			dc.fail(argErrf("reduce index %v: group key %s of type %v is not comparable", it, spec.GroupKey, ft))
			return
		}
		if f.col.Nullable {
			dc.fail(argErrf("reduce index %v: group key %s must not be nullable", it, spec.GroupKey))
			return
		}
		if key == nil {
			if ft != reflect.TypeFor[K]() {
				dc.fail(argErrf("reduce index %v: group key %s has type %v, not %v", it, spec.GroupKey, ft, reflect.TypeFor[K]()))
				return
			}
			index := f.index
			key = func(idx *I) K {
				return reflect.ValueOf(idx).Elem().FieldByIndex(index).Interface().(K)
			}
		}
		d.table.group = f
		d.groupKey = f.col.Name
	}

	d.mapFn = func(e any) []any {
		items := spec.Map(e.(*T))
		out := make([]any, 0, len(items))
		for _, item := range items {
			if item != nil {
				out = append(out, item)
			}
		}
		return out
	}
	if key != nil {
		d.keyFn = func(idx any) any { return key(idx.(*I)) }
	}
	d.reduceFn = func(k any, items []any) any {
		if r := spec.Reduce(makeGroup[K, I](k, items)); r != nil {
			return r
		}
		return nil
	}
	if spec.Delete != nil {
		d.deleteFn = func(idx any, k any, items []any) any {
			if r := spec.Delete(idx.(*I), makeGroup[K, I](k, items)); r != nil {
				return r
			}
			return nil
		}
	}
	dc.descs = append(dc.descs, d)
}

func makeGroup[K comparable, I any](key any, items []any) Group[K, I] {
	g := Group[K, I]{Key: key.(K), Items: make([]*I, len(items))}
	for i, item := range items {
		g.Items[i] = item.(*I)
	}
	return g
}

func (dc *DescribeContext) newDescriptor(kind IndexKind, et, it reflect.Type) (*IndexDescriptor, error) {
	if it.Kind() != reflect.Struct {
		return nil, argErrf("index type %v must be a struct", it)
	}
	if hasEmbedded(it, mapIndexType) && hasEmbedded(it, reduceIndexType) {
		return nil, argErrf("index type %v embeds both MapIndex and ReduceIndex", it)
	}
	for _, d := range dc.descs {
		if d.indexType == it && (kind == ReduceKind || d.entityType == et) {
			return nil, argErrf("index type %v is already described in collection %q", it, dc.collection)
		}
	}

	s := dc.store
	docTable := s.DocumentTable(dc.collection)
	name := s.opt.TablePrefix + collectionPrefix(dc.collection) + it.Name()
	table, err := newIndexTable(kind, it, name, docTable)
	if err != nil {
		return nil, err
	}
	if kind == ReduceKind {
		table.bridge = name + "_" + collectionPrefix(dc.collection) + DocumentTableName
		table.bridgeColumn = it.Name() + "Id"
	}
	return &IndexDescriptor{
		kind:       kind,
		entityType: et,
		indexType:  it,
		collection: dc.collection,
		table:      table,
	}, nil
}

func hasEmbedded(st, base reflect.Type) bool {
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.Anonymous && f.Type == base {
			return true
		}
	}
	return false
}
