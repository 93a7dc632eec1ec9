package reldoc

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"

	"github.com/andreyvit/reldoc/rel"
)

// QueryIndex flushes pending changes, then reads the rows of index type I in
// the default collection that match every condition, ordered by row id.
func QueryIndex[I any](ctx context.Context, s *Session, where ...rel.Cond) ([]*I, error) {
	return QueryIndexIn[I](ctx, s, "", where...)
}

func QueryIndexIn[I any](ctx context.Context, s *Session, collection string, where ...rel.Cond) ([]*I, error) {
	it := reflect.TypeFor[I]()
	t := s.store.indexTableOf(it, collection)
	if t == nil {
		return nil, argErrf("index type %v is not registered in collection %q", it, collection)
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	tx, err := s.transaction(ctx)
	if err != nil {
		return nil, err
	}

	cols := []string{"Id"}
	if t.kind == MapKind {
		cols = append(cols, "DocumentId")
	}
	cols = append(cols, t.columnNames()...)
	rows, err := tx.Query(ctx, &rel.Select{
		Table:   t.name,
		Columns: cols,
		Where:   where,
		OrderBy: []rel.Order{{Column: "Id"}},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reldoc: querying %s", t.name)
	}
	defer rows.Close()

	var result []*I
	for rows.Next() {
		idx, dests := t.scanTarget()
		if m, ok := idx.(mapIndexer); ok {
			dests = append(dests[:1], append([]any{&m.mapIndex().DocumentID}, dests[1:]...)...)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, errors.Wrapf(err, "reldoc: scanning %s", t.name)
		}
		result = append(result, idx.(*I))
	}
	return result, errors.Wrapf(rows.Err(), "reldoc: querying %s", t.name)
}

func (s *Store) indexTableOf(it reflect.Type, collection string) *indexTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.descs {
		if d.indexType == it && d.collection == collection {
			return d.table
		}
	}
	return nil
}
