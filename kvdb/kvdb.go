// Package kvdb is an embedded relational engine over a sorted key-value store
// (Bolt on disk, or memory for tests). It executes rel statements natively.
//
// Each table lives in its own bucket keyed by the encoded primary key; rows
// are msgpack maps from column name to value. Table definitions are kept in
// a schema bucket. Unique indexes and foreign keys are enforced on write.
//
// Transactions are read-committed: reads run in short read-only snapshots
// until the first write, which starts the single writer transaction and holds
// it until Commit or Rollback. A serializable transaction takes the writer
// right away.
package kvdb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/andreyvit/reldoc/rel"
)

const defaultLockTimeout = 10 * time.Second

type Options struct {
	Logger    *zap.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
}

// DB is a rel.ConnectionFactory. Its connections are pooled; callers hand
// them back with Release instead of closing them.
type DB struct {
	st      storage
	log     *zap.SugaredLogger
	verbose bool

	poolLock sync.Mutex
	pool     []*conn

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
	lastSize   atomic.Int64
}

type Dialect struct{}

func (Dialect) Name() string        { return "kvdb" }
func (Dialect) SupportsBatch() bool { return true }

func Open(path string, opt Options) (*DB, error) {
	st, err := openBoltStorage(path, opt.IsTesting, opt.MmapSize)
	if err != nil {
		return nil, err
	}
	return newDB(st, opt), nil
}

func OpenMemory(opt Options) *DB {
	return newDB(newMemStorage(), opt)
}

func newDB(st storage, opt Options) *DB {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		st:      st,
		log:     logger.Sugar(),
		verbose: opt.Verbose,
	}
}

func (db *DB) Close() error {
	return db.st.Close()
}

// Size returns the database file size observed by the last writer.
func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Disposable() bool { return false }

func (db *DB) Connect(ctx context.Context) (rel.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.poolLock.Lock()
	defer db.poolLock.Unlock()
	if n := len(db.pool); n > 0 {
		c := db.pool[n-1]
		db.pool = db.pool[:n-1]
		return c, nil
	}
	return &conn{db: db}, nil
}

func (db *DB) Release(c rel.Connection) {
	kc, ok := c.(*conn)
	if !ok || kc.db != db {
		return
	}
	db.poolLock.Lock()
	defer db.poolLock.Unlock()
	db.pool = append(db.pool, kc)
}

// TableInfo describes a table for diagnostics.
type TableInfo struct {
	Def  rel.CreateTable
	Rows int
}

func (db *DB) Tables() ([]TableInfo, error) {
	stx, err := db.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()

	defs, err := loadTableDefs(stx)
	if err != nil {
		return nil, err
	}
	infos := make([]TableInfo, 0, len(defs))
	for _, def := range defs {
		info := TableInfo{Def: def.CreateTable}
		if b := stx.Bucket(def.dataBucket()); b != nil {
			info.Rows = b.KeyCount()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (db *DB) logf(format string, args ...any) {
	if db.verbose {
		db.log.Debugf(format, args...)
	}
}

type conn struct {
	db *DB
}

func (c *conn) Dialect() rel.Dialect { return Dialect{} }
func (c *conn) Close() error         { return nil }

func (c *conn) Begin(ctx context.Context, level rel.IsolationLevel) (rel.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &tx{db: c.db}
	if level == rel.IsolationSerializable {
		if _, err := t.writer(); err != nil {
			return nil, err
		}
	}
	return t, nil
}
