package reldoc

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// Identifiable entities expose their document id directly. Other entities
// need an exported int64 field named ID or Id.
type Identifiable interface {
	DocumentID() int64
	SetDocumentID(id int64)
}

var identifiableType = reflect.TypeFor[Identifiable]()

type idAccessor struct {
	get func(e any) int64
	set func(e any, id int64)
}

// accessor returns the cached id accessor of an entity type, which must be a
// pointer to a struct.
func (s *Store) accessor(typ reflect.Type) (*idAccessor, error) {
	if v, ok := s.accessors.Load(typ); ok {
		return v.(*idAccessor), nil
	}
	acc, err := buildAccessor(typ)
	if err != nil {
		return nil, err
	}
	actual, _ := s.accessors.LoadOrStore(typ, acc)
	return actual.(*idAccessor), nil
}

func buildAccessor(typ reflect.Type) (*idAccessor, error) {
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, argErrf("entity must be a pointer to a struct, got %v", typ)
	}
	if typ.Implements(identifiableType) {
		return &idAccessor{
			get: func(e any) int64 { return e.(Identifiable).DocumentID() },
			set: func(e any, id int64) { e.(Identifiable).SetDocumentID(id) },
		}, nil
	}

	st := typ.Elem()
	for _, name := range []string{"ID", "Id"} {
		f, ok := st.FieldByName(name)
		if !ok || !f.IsExported() {
			continue
		}
		switch f.Type.Kind() {
		case reflect.Int, reflect.Int64:
		default:
			return nil, invalidOpf("%v.%s must be an int64, got %v", st, name, f.Type)
		}
		index := f.Index
		return &idAccessor{
			get: func(e any) int64 {
				return reflect.ValueOf(e).Elem().FieldByIndex(index).Int()
			},
			set: func(e any, id int64) {
				reflect.ValueOf(e).Elem().FieldByIndex(index).SetInt(id)
			},
		}, nil
	}
	return nil, invalidOpf("%v has no id: add an int64 ID field or implement Identifiable", st)
}

// RegisterType sets the Document.Type tag stored for entities of type T.
// Without it, the tag is the Go type name.
func RegisterType[T any](s *Store, name string) error {
	typ := reflect.TypeFor[*T]()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.typesByName[name]; ok && prev != typ {
		return argErrf("type name %q is already used by %v", name, prev)
	}
	if prev, ok := s.typeNames[typ]; ok {
		delete(s.typesByName, prev)
	}
	s.typeNames[typ] = name
	s.typesByName[name] = typ
	return nil
}

func (s *Store) typeName(typ reflect.Type) string {
	s.mu.RLock()
	name, ok := s.typeNames[typ]
	s.mu.RUnlock()
	if ok {
		return name
	}
	return typ.Elem().Name()
}

func isDocumentOrIndex(e any) bool {
	switch e.(type) {
	case *Document, Document, mapIndexer, reduceIndexer:
		return true
	}
	return false
}

func newEntity(typ reflect.Type) any {
	return reflect.New(typ.Elem()).Interface()
}

func (s *Store) serialize(e any) ([]byte, error) {
	data, err := s.serializer.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "reldoc: serializing %T", e)
	}
	return data, nil
}

func (s *Store) deserialize(typ reflect.Type, doc *Document) (any, error) {
	e := newEntity(typ)
	if err := s.serializer.Unmarshal(doc.Content, e); err != nil {
		return nil, errors.Wrapf(err, "reldoc: deserializing document %d", doc.ID)
	}
	return e, nil
}
