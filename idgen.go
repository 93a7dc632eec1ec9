package reldoc

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/andreyvit/reldoc/rel"
)

// IDGenerator allocates document ids, unique and increasing per collection.
type IDGenerator interface {
	NextID(ctx context.Context, collection string) (int64, error)
}

// NewSeededIDGenerator returns a generator that reads the highest document id
// of a collection once and counts up from it in memory. Ids are unique as
// long as a single process writes the collection.
func NewSeededIDGenerator(s *Store) IDGenerator {
	return &seededIDGenerator{store: s, next: make(map[string]int64)}
}

type seededIDGenerator struct {
	store *Store
	mu    sync.Mutex
	next  map[string]int64
}

func (g *seededIDGenerator) NextID(ctx context.Context, collection string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.next[collection]
	if !ok {
		var err error
		last, err = g.seed(ctx, collection)
		if err != nil {
			return 0, err
		}
	}
	last++
	g.next[collection] = last
	return last, nil
}

func (g *seededIDGenerator) seed(ctx context.Context, collection string) (int64, error) {
	s := g.store
	table := s.DocumentTable(collection)
	var maxID int64
	err := withTx(ctx, s.factory, s.opt.IsolationLevel, func(tx rel.Transaction) error {
		rows, err := tx.Query(ctx, &rel.Select{
			Table:   table,
			Columns: []string{"Id"},
			OrderBy: []rel.Order{{Column: "Id", Desc: true}},
			Limit:   1,
		})
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			if err := rows.Scan(&maxID); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	if err != nil {
		return 0, errors.Wrapf(err, "reldoc: seeding ids of %s", table)
	}
	s.logf("reldoc: ids of %s start after %d", table, maxID)
	return maxID, nil
}

// BlockIDGenerator reserves blocks of ids in the Identifiers table, one row
// per collection, with a compare-and-swap update in a transaction of its own.
// It is safe across processes sharing the database.
type BlockIDGenerator struct {
	factory   rel.ConnectionFactory
	table     string
	blockSize int64
	level     rel.IsolationLevel

	mu     sync.Mutex
	ranges map[string]*idRange
}

type idRange struct {
	next, end int64
}

const maxBlockAttempts = 20

func NewBlockIDGenerator(factory rel.ConnectionFactory, table string, blockSize int) *BlockIDGenerator {
	if blockSize <= 0 {
		blockSize = 20
	}
	return &BlockIDGenerator{
		factory:   factory,
		table:     table,
		blockSize: int64(blockSize),
		level:     rel.IsolationReadCommitted,
		ranges:    make(map[string]*idRange),
	}
}

func (g *BlockIDGenerator) NextID(ctx context.Context, collection string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.ranges[collection]
	if r == nil || r.next >= r.end {
		start, err := g.reserve(ctx, collection)
		if err != nil {
			return 0, err
		}
		r = &idRange{next: start, end: start + g.blockSize}
		g.ranges[collection] = r
	}
	id := r.next
	r.next++
	return id, nil
}

func (g *BlockIDGenerator) reserve(ctx context.Context, dimension string) (int64, error) {
	var lastErr error
	for range maxBlockAttempts {
		var start int64
		var reserved bool
		err := withTx(ctx, g.factory, g.level, func(tx rel.Transaction) error {
			rows, err := tx.Query(ctx, &rel.Select{
				Table:   g.table,
				Columns: []string{"NextVal"},
				Where:   []rel.Cond{rel.Eq("Dimension", dimension)},
			})
			if err != nil {
				return err
			}
			var cur int64
			found := rows.Next()
			if found {
				err = rows.Scan(&cur)
			}
			rows.Close()
			if err != nil {
				return err
			}

			if !found {
				_, err := tx.Exec(ctx, &rel.Insert{
					Table:   g.table,
					Columns: []string{"Dimension", "NextVal"},
					Values:  []any{dimension, 1 + g.blockSize},
				})
				if err != nil {
					return err
				}
				start, reserved = 1, true
				return nil
			}

			res, err := tx.Exec(ctx, &rel.Update{
				Table:   g.table,
				Columns: []string{"NextVal"},
				Values:  []any{cur + g.blockSize},
				Where:   []rel.Cond{rel.Eq("Dimension", dimension), rel.Eq("NextVal", cur)},
			})
			if err != nil {
				return err
			}
			if res.RowsAffected == 1 {
				start, reserved = cur, true
			}
			return nil
		})
		if err == nil && reserved {
			return start, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err == nil {
			err = errors.New("identifier row changed concurrently")
		}
		lastErr = err
	}
	return 0, errors.Wrapf(lastErr, "reldoc: could not reserve ids for %q after %d attempts", dimension, maxBlockAttempts)
}

// withTx runs f in a transaction of a fresh connection, committing if f
// succeeds.
func withTx(ctx context.Context, factory rel.ConnectionFactory, level rel.IsolationLevel, f func(tx rel.Transaction) error) error {
	conn, err := factory.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if factory.Disposable() {
			conn.Close()
		} else {
			factory.Release(conn)
		}
	}()

	tx, err := conn.Begin(ctx, level)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
