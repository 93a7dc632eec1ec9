package reldoc

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/andreyvit/reldoc/rel"
)

type mapStateKind int

const (
	mapNew mapStateKind = iota
	mapDelete
)

// mapState is one index row contributed (or withdrawn) by a document during
// a flush.
type mapState struct {
	index any
	kind  mapStateKind
	docID int64
}

// reduction collects the map states of every reduce descriptor touched by a
// flush, in first-touched order.
type reduction struct {
	descs  []*IndexDescriptor
	states map[*IndexDescriptor][]mapState
}

func (r *reduction) stage(d *IndexDescriptor, rows []any, kind mapStateKind, docID int64) {
	if len(rows) == 0 {
		return
	}
	if r.states == nil {
		r.states = make(map[*IndexDescriptor][]mapState)
	}
	if _, ok := r.states[d]; !ok {
		r.descs = append(r.descs, d)
	}
	for _, row := range rows {
		r.states[d] = append(r.states[d], mapState{index: row, kind: kind, docID: docID})
	}
}

type reduceGroup struct {
	key     any
	news    []any
	dels    []any
	added   []int64
	removed []int64
}

// reduce merges the staged contributions of each reduce index with the
// persisted aggregate rows and returns one command per touched group key.
func (s *Session) reduce(ctx context.Context, tx rel.Transaction, r *reduction) ([]Command, error) {
	var cmds []Command
	for _, d := range r.descs {
		if d.keyFn == nil || d.table.group == nil {
			return nil, invalidOpf("reduce index %s has no group key", d.Name())
		}

		groups := make(map[any]*reduceGroup)
		var keys []any
		for _, st := range r.states[d] {
			k := d.keyFn(st.index)
			g := groups[k]
			if g == nil {
				g = &reduceGroup{key: k}
				groups[k] = g
				keys = append(keys, k)
			}
			if st.kind == mapNew {
				g.news = append(g.news, st.index)
				g.added = append(g.added, st.docID)
			} else {
				g.dels = append(g.dels, st.index)
				g.removed = append(g.removed, st.docID)
			}
		}

		persisted, err := s.loadReduceRows(ctx, tx, d, keys)
		if err != nil {
			return nil, err
		}

		for _, k := range keys {
			cmd, err := reduceGroupCommand(d, groups[k], persisted[k])
			if err != nil {
				return nil, err
			}
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	}
	return cmds, nil
}

func reduceGroupCommand(d *IndexDescriptor, g *reduceGroup, stored any) (Command, error) {
	var newGroup any
	if len(g.news) > 0 {
		var err error
		if newGroup, err = applyReduce(d, g.key, g.news); err != nil {
			return nil, err
		}
	}

	var storedID int64
	var storedVals []any
	if stored != nil {
		storedID = stored.(reduceIndexer).reduceIndex().ID
		storedVals = d.table.values(stored)
	}

	var work any
	switch {
	case stored != nil && newGroup != nil:
		var err error
		if work, err = applyReduce(d, g.key, []any{stored, newGroup}); err != nil {
			return nil, err
		}
	case stored != nil:
		work = stored
	case newGroup != nil:
		work = newGroup
	default:
		return nil, nil
	}

	if len(g.dels) > 0 {
		if d.deleteFn == nil {
			return nil, invalidOpf("reduce index %s has no Delete function", d.Name())
		}
		work = d.deleteFn(work, g.key, g.dels)
		if work != nil && d.keyFn(work) != g.key {
			return nil, invalidOpf("reduce index %s: Delete changed group key %v to %v", d.Name(), g.key, d.keyFn(work))
		}
	}

	switch {
	case stored != nil && work == nil:
		return &deleteReduceIndexCommand{table: d.table, id: storedID}, nil
	case stored != nil:
		work.(reduceIndexer).reduceIndex().ID = storedID
		added, removed := netDocumentIDs(g.added, g.removed)
		if len(added) == 0 && len(removed) == 0 && equalValues(storedVals, d.table.values(work)) {
			return nil, nil
		}
		return &updateReduceIndexCommand{table: d.table, index: work, added: added, removed: removed}, nil
	case work != nil:
		return &createReduceIndexCommand{table: d.table, index: work, added: uniqueIDs(g.added)}, nil
	}
	return nil, nil
}

func equalValues(a, b []any) bool {
	return slices.EqualFunc(a, b, rel.Equal)
}

func applyReduce(d *IndexDescriptor, key any, items []any) (any, error) {
	r := d.reduceFn(key, items)
	if r == nil {
		return nil, invalidOpf("reduce index %s: Reduce returned no row for group %v", d.Name(), key)
	}
	if got := d.keyFn(r); got != key {
		return nil, invalidOpf("reduce index %s: Reduce returned group %v for group %v", d.Name(), got, key)
	}
	return r, nil
}

// loadReduceRows reads the persisted aggregate rows of the given group keys.
func (s *Session) loadReduceRows(ctx context.Context, tx rel.Transaction, d *IndexDescriptor, keys []any) (map[any]any, error) {
	t := d.table
	result := make(map[any]any, len(keys))
	cols := append([]string{"Id"}, t.columnNames()...)
	for page := range slices.Chunk(keys, s.store.opt.CommandsPageSize) {
		rows, err := tx.Query(ctx, &rel.Select{
			Table:   t.name,
			Columns: cols,
			Where:   []rel.Cond{rel.In(t.group.col.Name, page...)},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "reldoc: loading %s", t.name)
		}
		for rows.Next() {
			idx, dests := t.scanTarget()
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return nil, errors.Wrapf(err, "reldoc: scanning %s", t.name)
			}
			k := d.keyFn(idx)
			if _, dup := result[k]; dup {
				rows.Close()
				return nil, invalidOpf("reduce index %s has more than one row for group %v", d.Name(), k)
			}
			result[k] = idx
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reldoc: loading %s", t.name)
		}
	}
	s.logf("reldoc: %s: %d of %d groups stored", t.name, len(result), len(keys))
	return result, nil
}

// netDocumentIDs drops duplicate ids and the ids present in both lists.
func netDocumentIDs(added, removed []int64) ([]int64, []int64) {
	added, removed = uniqueIDs(added), uniqueIDs(removed)
	var a, r []int64
	for _, id := range added {
		if !slices.Contains(removed, id) {
			a = append(a, id)
		}
	}
	for _, id := range removed {
		if !slices.Contains(added, id) {
			r = append(r, id)
		}
	}
	return a, r
}

func uniqueIDs(ids []int64) []int64 {
	var out []int64
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
