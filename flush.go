package reldoc

import (
	"bytes"
	"context"
	"reflect"
	"time"
)

// flushState accumulates the commands and reduce contributions of one flush.
type flushState struct {
	cmds   []Command
	reduce reduction
}

func (fs *flushState) add(cmd Command) { fs.cmds = append(fs.cmds, cmd) }

// Flush writes staged changes within the session's transaction. Updated
// entities are processed first, then new ones, then deletions, then reduce
// indexes; the resulting commands run in execution order. A failed flush
// cancels the session.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.saved.len() == 0 && s.updated.len() == 0 && s.deleted.len() == 0 && len(s.commands) == 0 {
		return nil
	}

	s.state = sessionCommitting
	defer func() { s.state = sessionOpen }()

	start := time.Now()
	n, err := s.flush(ctx)
	if err != nil {
		s.cancelled = true
		return err
	}
	if n > 0 {
		s.store.metrics.flushes.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (s *Session) flush(ctx context.Context) (int, error) {
	tx, err := s.transaction(ctx)
	if err != nil {
		return 0, err
	}
	s.logf("reldoc: FLUSH saved=%d updated=%d deleted=%d custom=%d", s.saved.len(), s.updated.len(), s.deleted.len(), len(s.commands))

	fs := &flushState{cmds: s.commands}
	s.commands = nil
	if err := s.flushUpdated(ctx, fs); err != nil {
		return 0, err
	}
	if err := s.flushSaved(fs); err != nil {
		return 0, err
	}
	if err := s.flushDeleted(ctx, fs); err != nil {
		return 0, err
	}
	reduced, err := s.reduce(ctx, tx, &fs.reduce)
	if err != nil {
		return 0, err
	}
	fs.cmds = append(fs.cmds, reduced...)

	if err := s.executeCommands(ctx, tx, s.conn.Dialect(), fs.cmds); err != nil {
		return 0, err
	}

	// New entities deleted before this flush were never written.
	for e := range s.fresh {
		if !s.saved.has(e) {
			if k, ok := s.idmap.key(e); ok {
				s.idmap.remove(k)
			}
		}
	}
	s.saved.clear()
	s.updated.clear()
	s.deleted.clear()
	clear(s.fresh)
	return len(fs.cmds), nil
}

// loadMissingDocuments makes sure the identity map holds the stored document
// of every given entity that exists.
func (s *Session) loadMissingDocuments(ctx context.Context, items []staged) error {
	need := make(map[string][]int64)
	var colls []string
	for _, item := range items {
		k, _ := s.idmap.key(item.entity)
		if _, ok := s.idmap.document(k); ok {
			continue
		}
		if _, ok := need[k.collection]; !ok {
			colls = append(colls, k.collection)
		}
		need[k.collection] = append(need[k.collection], k.id)
	}
	for _, coll := range colls {
		docs, err := s.loadDocuments(ctx, coll, need[coll])
		if err != nil {
			return err
		}
		for _, doc := range docs {
			s.idmap.setDocument(docKey{coll, doc.ID}, doc)
		}
	}
	return nil
}

// storedEntity deserializes the stored content of a document, for computing
// the index contributions it had.
func (s *Session) storedEntity(typ reflect.Type, doc *Document) (any, error) {
	e, err := s.store.deserialize(typ, doc)
	if err != nil {
		return nil, err
	}
	acc, err := s.store.accessor(typ)
	if err != nil {
		return nil, err
	}
	acc.set(e, doc.ID)
	return e, nil
}

func (s *Session) flushUpdated(ctx context.Context, fs *flushState) error {
	items := s.updated.items()
	if len(items) == 0 {
		return nil
	}
	if err := s.loadMissingDocuments(ctx, items); err != nil {
		return err
	}
	for _, item := range items {
		e := item.entity
		k, _ := s.idmap.key(e)
		prior, ok := s.idmap.document(k)
		if !ok {
			return invalidOpf("cannot update %T %d: no document in %s", e, k.id, s.store.DocumentTable(k.collection))
		}
		content, err := s.store.serialize(e)
		if err != nil {
			return err
		}
		if bytes.Equal(content, prior.Content) {
			s.logf("reldoc: %T %d is unchanged", e, k.id)
			continue
		}

		typ := reflect.TypeOf(e)
		if descs := s.store.Descriptors(typ, k.collection); len(descs) > 0 {
			old, err := s.storedEntity(typ, prior)
			if err != nil {
				return err
			}
			for _, d := range descs {
				oldRows, newRows := d.mapFn(old), d.mapFn(e)
				if d.kind == ReduceKind {
					fs.reduce.stage(d, oldRows, mapDelete, k.id)
					fs.reduce.stage(d, newRows, mapNew, k.id)
				} else {
					diffMapIndex(fs, d, k.id, oldRows, newRows)
				}
			}
		}

		check := prior.Version
		if !s.checkVersions {
			check = NoVersionCheck
		}
		doc := &Document{ID: k.id, Type: s.store.typeName(typ), Content: content, Version: prior.Version + 1}
		fs.add(&updateDocumentCommand{table: s.store.DocumentTable(k.collection), doc: doc, checkVersion: check})
		s.idmap.setDocument(k, doc)
	}
	return nil
}

// diffMapIndex emits the commands turning a document's old map index rows
// into the new ones.
func diffMapIndex(fs *flushState, d *IndexDescriptor, docID int64, oldRows, newRows []any) {
	if len(oldRows) == len(newRows) {
		same := true
		for i := range oldRows {
			if !d.table.sameValues(oldRows[i], newRows[i]) {
				same = false
				break
			}
		}
		if same {
			return
		}
	}
	if len(oldRows) == 1 && len(newRows) == 1 {
		fs.add(&updateMapIndexCommand{table: d.table, index: newRows[0], docID: docID})
		return
	}
	if len(oldRows) > 0 {
		fs.add(&deleteMapIndexCommand{table: d.table, docID: docID})
	}
	for _, row := range newRows {
		fs.add(&createMapIndexCommand{table: d.table, index: row, docID: docID})
	}
}

func (s *Session) flushSaved(fs *flushState) error {
	for _, item := range s.saved.items() {
		e := item.entity
		k, _ := s.idmap.key(e)
		content, err := s.store.serialize(e)
		if err != nil {
			return err
		}
		typ := reflect.TypeOf(e)
		doc := &Document{ID: k.id, Type: s.store.typeName(typ), Content: content, Version: 1}
		fs.add(&createDocumentCommand{table: s.store.DocumentTable(k.collection), doc: doc})
		s.idmap.setDocument(k, doc)

		for _, d := range s.store.Descriptors(typ, k.collection) {
			rows := d.mapFn(e)
			if d.kind == ReduceKind {
				fs.reduce.stage(d, rows, mapNew, k.id)
				continue
			}
			for _, row := range rows {
				fs.add(&createMapIndexCommand{table: d.table, index: row, docID: k.id})
			}
		}
	}
	return nil
}

// flushDeleted removes index contributions computed from the stored content
// of each deleted document, then the document itself.
func (s *Session) flushDeleted(ctx context.Context, fs *flushState) error {
	items := s.deleted.items()
	if len(items) == 0 {
		return nil
	}
	if err := s.loadMissingDocuments(ctx, items); err != nil {
		return err
	}
	for _, item := range items {
		e := item.entity
		k, _ := s.idmap.key(e)
		doc, ok := s.idmap.document(k)
		if !ok {
			s.logf("reldoc: %T %d has no document to delete", e, k.id)
			s.idmap.remove(k)
			continue
		}

		typ := reflect.TypeOf(e)
		if descs := s.store.Descriptors(typ, k.collection); len(descs) > 0 {
			stored, err := s.storedEntity(typ, doc)
			if err != nil {
				return err
			}
			for _, d := range descs {
				if d.kind == ReduceKind {
					fs.reduce.stage(d, d.mapFn(stored), mapDelete, k.id)
				} else {
					fs.add(&deleteMapIndexCommand{table: d.table, docID: k.id})
				}
			}
		}
		fs.add(&deleteDocumentCommand{table: s.store.DocumentTable(k.collection), id: k.id})
		s.idmap.remove(k)
	}
	return nil
}
