package reldoc

type docKey struct {
	collection string
	id         int64
}

// identityMap tracks the entities and documents a session has loaded or
// saved, so that one document maps to one in-memory instance.
type identityMap struct {
	entities map[docKey]any
	keys     map[any]docKey
	docs     map[docKey]*Document
}

func newIdentityMap() *identityMap {
	return &identityMap{
		entities: make(map[docKey]any),
		keys:     make(map[any]docKey),
		docs:     make(map[docKey]*Document),
	}
}

func (m *identityMap) add(k docKey, e any) {
	if prev, ok := m.entities[k]; ok && prev != e {
		delete(m.keys, prev)
	}
	m.entities[k] = e
	m.keys[e] = k
}

func (m *identityMap) entity(k docKey) (any, bool) {
	e, ok := m.entities[k]
	return e, ok
}

func (m *identityMap) key(e any) (docKey, bool) {
	k, ok := m.keys[e]
	return k, ok
}

func (m *identityMap) setDocument(k docKey, doc *Document) { m.docs[k] = doc }

func (m *identityMap) document(k docKey) (*Document, bool) {
	doc, ok := m.docs[k]
	return doc, ok
}

func (m *identityMap) remove(k docKey) {
	if e, ok := m.entities[k]; ok {
		delete(m.keys, e)
	}
	delete(m.entities, k)
	delete(m.docs, k)
}

func (m *identityMap) clear() {
	clear(m.entities)
	clear(m.keys)
	clear(m.docs)
}

// stagedSet is an insertion-ordered set of entities with their collections.
type stagedSet struct {
	order []any
	colls map[any]string
}

type staged struct {
	entity     any
	collection string
}

func (ss *stagedSet) add(e any, coll string) bool {
	if _, ok := ss.colls[e]; ok {
		return false
	}
	if ss.colls == nil {
		ss.colls = make(map[any]string)
	}
	ss.colls[e] = coll
	ss.order = append(ss.order, e)
	return true
}

func (ss *stagedSet) has(e any) bool {
	_, ok := ss.colls[e]
	return ok
}

func (ss *stagedSet) remove(e any) bool {
	if _, ok := ss.colls[e]; !ok {
		return false
	}
	delete(ss.colls, e)
	for i, x := range ss.order {
		if x == e {
			ss.order = append(ss.order[:i], ss.order[i+1:]...)
			break
		}
	}
	return true
}

func (ss *stagedSet) items() []staged {
	out := make([]staged, len(ss.order))
	for i, e := range ss.order {
		out[i] = staged{e, ss.colls[e]}
	}
	return out
}

func (ss *stagedSet) len() int { return len(ss.order) }

func (ss *stagedSet) clear() {
	ss.order = nil
	clear(ss.colls)
}
