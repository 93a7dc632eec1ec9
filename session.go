package reldoc

import (
	"context"
	"reflect"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreyvit/reldoc/rel"
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCommitting
	sessionClosed
)

type SessionOption func(s *Session)

// WithoutVersionCheck makes document updates skip the optimistic
// concurrency check.
func WithoutVersionCheck() SessionOption {
	return func(s *Session) { s.checkVersions = false }
}

func WithIsolation(level rel.IsolationLevel) SessionOption {
	return func(s *Session) { s.level = level }
}

// Session is a unit of work over one connection and transaction. Save and
// Delete only stage changes; Flush writes them, and Close commits the
// transaction. A Session must not be used from several goroutines at once.
type Session struct {
	id            uuid.UUID
	store         *Store
	log           *zap.SugaredLogger
	level         rel.IsolationLevel
	checkVersions bool

	conn rel.Connection
	tx   rel.Transaction

	state     sessionState
	cancelled bool

	idmap    *identityMap
	saved    stagedSet
	updated  stagedSet
	deleted  stagedSet
	fresh    map[any]bool // ids allocated, document not written yet
	commands []Command
}

func (s *Store) NewSession(opts ...SessionOption) *Session {
	id := uuid.New()
	sess := &Session{
		id:            id,
		store:         s,
		log:           s.log.With("session", id.String()),
		level:         s.opt.IsolationLevel,
		checkVersions: true,
		idmap:         newIdentityMap(),
		fresh:         make(map[any]bool),
	}
	for _, opt := range opts {
		opt(sess)
	}
	return sess
}

func (s *Session) ID() uuid.UUID { return s.id }
func (s *Session) Store() *Store { return s.store }

func (s *Session) logf(format string, args ...any) {
	if s.store.opt.Verbose {
		s.log.Debugf(format, args...)
	}
}

func (s *Session) checkOpen() error {
	switch s.state {
	case sessionClosed:
		return ErrSessionClosed
	case sessionCommitting:
		return invalidOpf("session %s is flushing", s.id)
	}
	return nil
}

// Save stages an entity for writing into the default collection.
func (s *Session) Save(ctx context.Context, e any) error {
	return s.SaveIn(ctx, "", e)
}

// SaveIn stages an entity for writing. A new entity (zero id) is assigned an
// id right away; an entity with an id is treated as stored and updated.
func (s *Session) SaveIn(ctx context.Context, collection string, e any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e == nil || isDocumentOrIndex(e) {
		return argErrf("cannot save %T as an entity", e)
	}
	acc, err := s.store.accessor(reflect.TypeOf(e))
	if err != nil {
		return err
	}
	k, tracked := s.idmap.key(e)
	if tracked && k.collection != collection {
		return invalidOpf("%T %d is tracked in collection %q, not %q", e, k.id, k.collection, collection)
	}
	if s.saved.has(e) || s.updated.has(e) {
		return nil
	}

	if tracked {
		s.deleted.remove(e)
		if s.fresh[e] {
			s.saved.add(e, collection)
		} else {
			s.updated.add(e, collection)
		}
		return nil
	}

	if id := acc.get(e); id > 0 {
		k := docKey{collection, id}
		if prev, ok := s.idmap.entity(k); ok && prev != e {
			return invalidOpf("another instance of %T %d is already tracked", e, id)
		}
		s.idmap.add(k, e)
		s.updated.add(e, collection)
		return nil
	}

	id, err := s.store.idgen.NextID(ctx, collection)
	if err != nil {
		return errors.Wrapf(err, "reldoc: allocating id for %T", e)
	}
	acc.set(e, id)
	s.idmap.add(docKey{collection, id}, e)
	s.fresh[e] = true
	s.saved.add(e, collection)
	return nil
}

// Delete stages an entity of the default collection for removal.
func (s *Session) Delete(e any) error {
	return s.DeleteIn("", e)
}

// DeleteIn stages an entity for removal. Deleting an entity whose document
// was never written just un-stages it.
func (s *Session) DeleteIn(collection string, e any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e == nil || isDocumentOrIndex(e) {
		return argErrf("cannot delete %T as an entity", e)
	}
	acc, err := s.store.accessor(reflect.TypeOf(e))
	if err != nil {
		return errors.Mark(err, ErrInvalidOperation)
	}
	id := acc.get(e)
	if id <= 0 {
		return invalidOpf("cannot delete %T without an id", e)
	}
	if s.fresh[e] {
		s.saved.remove(e)
		return nil
	}

	k := docKey{collection, id}
	if tk, ok := s.idmap.key(e); ok {
		if tk != k {
			return invalidOpf("%T %d is tracked in collection %q, not %q", e, tk.id, tk.collection, collection)
		}
	} else {
		if prev, ok := s.idmap.entity(k); ok && prev != e {
			return invalidOpf("another instance of %T %d is already tracked", e, id)
		}
		s.idmap.add(k, e)
	}
	s.updated.remove(e)
	s.deleted.add(e, collection)
	return nil
}

// Detach forgets an entity: pending changes to it are dropped and a later
// Get loads a new instance.
func (s *Session) Detach(e any) {
	s.saved.remove(e)
	s.updated.remove(e)
	s.deleted.remove(e)
	delete(s.fresh, e)
	if k, ok := s.idmap.key(e); ok {
		s.idmap.remove(k)
	}
}

// AddCommand enqueues a command to run during the next Flush.
func (s *Session) AddCommand(cmd Command) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.commands = append(s.commands, cmd)
	return nil
}

// Tx returns the session's transaction, starting it if needed.
func (s *Session) Tx(ctx context.Context) (rel.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.transaction(ctx)
}

func (s *Session) transaction(ctx context.Context) (rel.Transaction, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	if s.conn == nil {
		conn, err := s.store.factory.Connect(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "reldoc: connect")
		}
		s.conn = conn
	}
	tx, err := s.conn.Begin(ctx, s.level)
	if err != nil {
		return nil, errors.Wrap(err, "reldoc: begin")
	}
	s.logf("reldoc: BEGIN")
	s.tx = tx
	return tx, nil
}

// Cancel makes Close roll back instead of committing.
func (s *Session) Cancel() {
	s.cancelled = true
}

func (s *Session) Cancelled() bool { return s.cancelled }

// Close flushes pending changes and commits, or rolls back if the session
// was cancelled or a flush failed. The connection is released either way.
func (s *Session) Close(ctx context.Context) error {
	if s.state == sessionClosed {
		return nil
	}
	var err error
	if !s.cancelled {
		err = s.Flush(ctx)
		if err == nil && s.tx != nil {
			err = errors.Wrap(s.tx.Commit(), "reldoc: commit")
			s.logf("reldoc: COMMIT")
			s.tx = nil
		}
	}
	if s.tx != nil {
		if rerr := s.tx.Rollback(); rerr != nil {
			s.log.Warnf("reldoc: rollback: %v", rerr)
		}
		s.logf("reldoc: ROLLBACK")
		s.tx = nil
	}
	if s.conn != nil {
		s.store.release(s.conn)
		s.conn = nil
	}
	s.idmap.clear()
	s.saved.clear()
	s.updated.clear()
	s.deleted.clear()
	clear(s.fresh)
	s.commands = nil
	s.state = sessionClosed
	return err
}

// Get loads entities of the default collection by id.
func Get[T any](ctx context.Context, s *Session, ids ...int64) ([]*T, error) {
	return GetIn[T](ctx, s, "", ids...)
}

// GetIn flushes pending changes, then returns the entities with the given
// ids in the order requested. Missing ids and documents of another type are
// skipped. Entities already tracked by the session are returned as is,
// without a round-trip.
func GetIn[T any](ctx context.Context, s *Session, collection string, ids ...int64) ([]*T, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	typ := reflect.TypeFor[*T]()
	acc, err := s.store.accessor(typ)
	if err != nil {
		return nil, err
	}

	var missing []int64
	seen := make(map[int64]bool)
	for _, id := range ids {
		if _, ok := s.tracked(docKey{collection, id}); !ok && !seen[id] && id > 0 {
			seen[id] = true
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		docs, err := s.loadDocuments(ctx, collection, missing)
		if err != nil {
			return nil, err
		}
		typeName := s.store.typeName(typ)
		for _, doc := range docs {
			if doc.Type != typeName {
				s.logf("reldoc: document %d has type %s, not %s", doc.ID, doc.Type, typeName)
				continue
			}
			e, err := s.store.deserialize(typ, doc)
			if err != nil {
				return nil, err
			}
			acc.set(e, doc.ID)
			k := docKey{collection, doc.ID}
			s.idmap.add(k, e)
			s.idmap.setDocument(k, doc)
		}
	}

	result := make([]*T, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.tracked(docKey{collection, id}); ok {
			if t, ok := e.(*T); ok {
				result = append(result, t)
			}
		}
	}
	return result, nil
}

// tracked returns the entity the session holds for a key. A new entity that
// was deleted before being written does not count.
func (s *Session) tracked(k docKey) (any, bool) {
	e, ok := s.idmap.entity(k)
	if !ok || (s.fresh[e] && !s.saved.has(e)) {
		return nil, false
	}
	return e, true
}

// loadDocuments reads documents by id, a page of ids per query.
func (s *Session) loadDocuments(ctx context.Context, collection string, ids []int64) ([]*Document, error) {
	tx, err := s.transaction(ctx)
	if err != nil {
		return nil, err
	}
	table := s.store.DocumentTable(collection)
	var docs []*Document
	for page := range slices.Chunk(ids, s.store.opt.CommandsPageSize) {
		rows, err := tx.Query(ctx, &rel.Select{
			Table:   table,
			Columns: documentColumns,
			Where:   []rel.Cond{rel.In("Id", int64sToAny(page)...)},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "reldoc: loading documents from %s", table)
		}
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return nil, errors.Wrapf(err, "reldoc: scanning %s", table)
			}
			docs = append(docs, doc)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reldoc: loading documents from %s", table)
		}
	}
	s.logf("reldoc: loaded %d of %d documents from %s", len(docs), len(ids), table)
	return docs, nil
}
