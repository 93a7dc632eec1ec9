package reldoc

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andreyvit/reldoc/rel"
)

const defaultCommandsPageSize = 500

type Options struct {
	// TablePrefix is prepended to every table name.
	TablePrefix string

	Logger  *zap.Logger
	Verbose bool

	// Serializer encodes document content. Defaults to MsgPack.
	Serializer Serializer

	// IDGenerator allocates document ids. Defaults to a seeded in-memory
	// generator, see NewSeededIDGenerator.
	IDGenerator IDGenerator

	// CommandsPageSize bounds the number of statements in one batch.
	CommandsPageSize int
	DisableBatching  bool

	// IsolationLevel of session transactions. Defaults to read committed.
	IsolationLevel rel.IsolationLevel

	// Registerer receives the store's metrics when set.
	Registerer prometheus.Registerer
}

// Store owns the index descriptor registry and the per-type caches shared by
// all sessions. It is safe for concurrent use.
type Store struct {
	factory    rel.ConnectionFactory
	opt        Options
	log        *zap.SugaredLogger
	serializer Serializer
	idgen      IDGenerator
	metrics    *metrics

	mu          sync.RWMutex
	descs       []*IndexDescriptor
	collections []string
	typeNames   map[reflect.Type]string
	typesByName map[string]reflect.Type

	descCache sync.Map // descKey -> []*IndexDescriptor
	accessors sync.Map // reflect.Type -> *idAccessor
}

type descKey struct {
	typ        reflect.Type
	collection string
}

func Open(factory rel.ConnectionFactory, opt Options) (*Store, error) {
	if factory == nil {
		return nil, argErrf("nil connection factory")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Serializer == nil {
		opt.Serializer = MsgPack
	}
	if opt.CommandsPageSize <= 0 {
		opt.CommandsPageSize = defaultCommandsPageSize
	}
	if opt.IsolationLevel == rel.IsolationDefault {
		opt.IsolationLevel = rel.IsolationReadCommitted
	}

	s := &Store{
		factory:     factory,
		opt:         opt,
		log:         opt.Logger.Sugar(),
		serializer:  opt.Serializer,
		collections: []string{""},
		typeNames:   make(map[reflect.Type]string),
		typesByName: make(map[string]reflect.Type),
	}
	m, err := newMetrics(opt.Registerer)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	s.idgen = opt.IDGenerator
	if s.idgen == nil {
		s.idgen = NewSeededIDGenerator(s)
	}
	return s, nil
}

func (s *Store) Factory() rel.ConnectionFactory { return s.factory }
func (s *Store) Serializer() Serializer         { return s.serializer }

func (s *Store) logf(format string, args ...any) {
	if s.opt.Verbose {
		s.log.Debugf(format, args...)
	}
}

// RegisterIndexes runs Describe of every provider and adds the resulting
// descriptors to the registry. Nothing is registered if any provider fails
// validation.
func (s *Store) RegisterIndexes(providers ...IndexProvider) error {
	var all []*IndexDescriptor
	var errs error
	for _, p := range providers {
		dc := &DescribeContext{store: s}
		if cn, ok := p.(collectionNamer); ok {
			dc.collection = cn.CollectionName()
		}
		p.Describe(dc)
		if dc.err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(dc.err, "reldoc: %T", p))
			continue
		}
		all = append(all, dc.descs...)
	}
	if errs != nil {
		return errs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range all {
		for _, prev := range slices.Concat(s.descs, all[:i]) {
			if prev.indexType != d.indexType || prev.collection != d.collection {
				continue
			}
			if d.kind == ReduceKind || prev.kind != d.kind || prev.entityType == d.entityType {
				errs = errors.CombineErrors(errs, argErrf("index type %v is already described in collection %q", d.indexType, d.collection))
			}
		}
	}
	if errs != nil {
		return errs
	}
	s.descs = append(s.descs, all...)
	for _, d := range all {
		if !slices.Contains(s.collections, d.collection) {
			s.collections = append(s.collections, d.collection)
		}
		s.logf("reldoc: registered %s index %s of %v in collection %q", d.kind, d.Name(), d.entityType, d.collection)
	}
	s.InvalidateDescriptors()
	return nil
}

// Descriptors returns the index descriptors of an entity type (a pointer to
// struct) in a collection.
func (s *Store) Descriptors(entityType reflect.Type, collection string) []*IndexDescriptor {
	key := descKey{entityType, collection}
	if v, ok := s.descCache.Load(key); ok {
		return v.([]*IndexDescriptor)
	}

	s.mu.RLock()
	var descs []*IndexDescriptor
	for _, d := range s.descs {
		if d.entityType == entityType && d.collection == collection {
			descs = append(descs, d)
		}
	}
	s.mu.RUnlock()

	actual, _ := s.descCache.LoadOrStore(key, descs)
	return actual.([]*IndexDescriptor)
}

func (s *Store) InvalidateDescriptors() {
	s.descCache.Clear()
}

// Collections returns the default collection ("") and every collection an
// index was registered in.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.collections)
}

// Schema returns the tables of the given collections, or of all known
// collections when none are given, in creation order.
func (s *Store) Schema(collections ...string) []*rel.CreateTable {
	if len(collections) == 0 {
		collections = s.Collections()
	}
	s.mu.RLock()
	descs := slices.Clone(s.descs)
	s.mu.RUnlock()

	tables := []*rel.CreateTable{identifiersSchema(s.IdentifiersTable())}
	seen := make(map[string]bool)
	for _, coll := range collections {
		tables = append(tables, documentSchema(s.DocumentTable(coll)))
		for _, d := range descs {
			if d.collection != coll || seen[d.table.name] {
				continue
			}
			seen[d.table.name] = true
			tables = append(tables, d.table.schema()...)
		}
	}
	return tables
}

// InitSchema creates missing tables of the given collections (all known
// collections when none are given) in one transaction.
func (s *Store) InitSchema(ctx context.Context, collections ...string) error {
	conn, err := s.factory.Connect(ctx)
	if err != nil {
		return errors.Wrap(err, "reldoc: connect")
	}
	defer s.release(conn)

	tx, err := conn.Begin(ctx, s.opt.IsolationLevel)
	if err != nil {
		return errors.Wrap(err, "reldoc: begin")
	}
	defer tx.Rollback()

	for _, ct := range s.Schema(collections...) {
		s.logf("reldoc: creating table %s", ct.Table)
		if _, err := tx.Exec(ctx, ct); err != nil {
			return errors.Wrapf(err, "reldoc: creating %s", ct.Table)
		}
	}
	return errors.Wrap(tx.Commit(), "reldoc: commit schema")
}

func (s *Store) release(conn rel.Connection) {
	if s.factory.Disposable() {
		if err := conn.Close(); err != nil {
			s.log.Warnf("reldoc: closing connection: %v", err)
		}
	} else {
		s.factory.Release(conn)
	}
}
