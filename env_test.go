package reldoc

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/reldoc/kvdb"
	"github.com/andreyvit/reldoc/rel"
)

type Article struct {
	ID           int64
	Title        string
	PublishedDay int
	Tags         []string
}

type ArticleByTitle struct {
	MapIndex
	Title string
	Day   int
}

type ArticleTag struct {
	MapIndex
	Tag string
}

type ArticlesByDay struct {
	ReduceIndex
	DayOfYear int
	Count     int
}

type articleIndexes struct{}

func (articleIndexes) Describe(dc *DescribeContext) {
	DescribeMap(dc, func(a *Article) []*ArticleByTitle {
		return []*ArticleByTitle{{Title: a.Title, Day: a.PublishedDay}}
	})
	DescribeMap(dc, func(a *Article) []*ArticleTag {
		var rows []*ArticleTag
		for _, tag := range a.Tags {
			rows = append(rows, &ArticleTag{Tag: tag})
		}
		return rows
	})
	DescribeReduce(dc, articlesByDaySpec())
}

func articlesByDaySpec() ReduceSpec[Article, ArticlesByDay, int] {
	return ReduceSpec[Article, ArticlesByDay, int]{
		GroupKey: "DayOfYear",
		Map: func(a *Article) []*ArticlesByDay {
			return []*ArticlesByDay{{DayOfYear: a.PublishedDay, Count: 1}}
		},
		Reduce: func(g Group[int, ArticlesByDay]) *ArticlesByDay {
			r := &ArticlesByDay{DayOfYear: g.Key}
			for _, item := range g.Items {
				r.Count += item.Count
			}
			return r
		},
		Delete: func(idx *ArticlesByDay, g Group[int, ArticlesByDay]) *ArticlesByDay {
			r := &ArticlesByDay{DayOfYear: idx.DayOfYear, Count: idx.Count}
			for _, item := range g.Items {
				r.Count -= item.Count
			}
			if r.Count <= 0 {
				return nil
			}
			return r
		},
	}
}

// titleIndex registers only the title map index.
type titleIndex struct{}

func (titleIndex) Describe(dc *DescribeContext) {
	DescribeMap(dc, func(a *Article) []*ArticleByTitle {
		return []*ArticleByTitle{{Title: a.Title, Day: a.PublishedDay}}
	})
}

type archiveIndexes struct{ articleIndexes }

func (archiveIndexes) CollectionName() string { return "Archive" }

type recorder struct {
	stmts   []string
	batches []int
}

func (r *recorder) reset() {
	r.stmts = nil
	r.batches = nil
}

type recordingFactory struct {
	rel.ConnectionFactory
	rec *recorder
}

func (f recordingFactory) Connect(ctx context.Context) (rel.Connection, error) {
	c, err := f.ConnectionFactory.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return recordingConn{c, f.rec}, nil
}

func (f recordingFactory) Release(c rel.Connection) {
	f.ConnectionFactory.Release(c.(recordingConn).Connection)
}

type recordingConn struct {
	rel.Connection
	rec *recorder
}

func (c recordingConn) Begin(ctx context.Context, level rel.IsolationLevel) (rel.Transaction, error) {
	tx, err := c.Connection.Begin(ctx, level)
	if err != nil {
		return nil, err
	}
	return recordingTx{tx, c.rec}, nil
}

type recordingTx struct {
	rel.Transaction
	rec *recorder
}

func (t recordingTx) Exec(ctx context.Context, stmt rel.Statement) (rel.Result, error) {
	t.rec.stmts = append(t.rec.stmts, rel.Describe(stmt))
	return t.Transaction.Exec(ctx, stmt)
}

func (t recordingTx) ExecBatch(ctx context.Context, stmts []rel.Statement) error {
	t.rec.batches = append(t.rec.batches, len(stmts))
	for _, stmt := range stmts {
		t.rec.stmts = append(t.rec.stmts, rel.Describe(stmt))
	}
	return t.Transaction.ExecBatch(ctx, stmts)
}

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	db    *kvdb.DB
	rec   *recorder
	store *Store
}

func newEnv(t *testing.T, opt Options, providers ...IndexProvider) *testEnv {
	t.Helper()
	db := kvdb.OpenMemory(kvdb.Options{IsTesting: true})
	t.Cleanup(func() { db.Close() })
	return newEnvWith(t, db, opt, providers...)
}

func newEnvWith(t *testing.T, db *kvdb.DB, opt Options, providers ...IndexProvider) *testEnv {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = zaptest.NewLogger(t)
		opt.Verbose = true
	}
	rec := &recorder{}
	store, err := Open(recordingFactory{db, rec}, opt)
	require.NoError(t, err)
	require.NoError(t, store.RegisterIndexes(providers...))

	e := &testEnv{t: t, ctx: context.Background(), db: db, rec: rec, store: store}
	require.NoError(t, store.InitSchema(e.ctx))
	rec.reset()
	return e
}

// commit runs f in a new session and closes it.
func (e *testEnv) commit(f func(s *Session)) {
	e.t.Helper()
	s := e.store.NewSession()
	f(s)
	require.NoError(e.t, s.Close(e.ctx))
}

func (e *testEnv) save(entities ...any) {
	e.t.Helper()
	e.commit(func(s *Session) {
		for _, ent := range entities {
			require.NoError(e.t, s.Save(e.ctx, ent))
		}
	})
}

func (e *testEnv) count(table string, where ...rel.Cond) int {
	e.t.Helper()
	n := 0
	err := withTx(e.ctx, e.db, rel.IsolationReadCommitted, func(tx rel.Transaction) error {
		rows, err := tx.Query(e.ctx, &rel.Select{Table: table, Where: where})
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n++
		}
		return rows.Err()
	})
	require.NoError(e.t, err)
	return n
}

func (e *testEnv) countsByDay() map[int]int {
	e.t.Helper()
	s := e.store.NewSession()
	defer s.Close(e.ctx)
	rows, err := QueryIndex[ArticlesByDay](e.ctx, s)
	require.NoError(e.t, err)
	counts := make(map[int]int)
	for _, r := range rows {
		_, dup := counts[r.DayOfYear]
		require.False(e.t, dup, "two rows for day %d", r.DayOfYear)
		counts[r.DayOfYear] = r.Count
	}
	return counts
}

func (e *testEnv) commands(kind string) int {
	return int(testutil.ToFloat64(e.store.metrics.commands.WithLabelValues(kind)))
}

func (e *testEnv) load(id int64) *Article {
	e.t.Helper()
	s := e.store.NewSession()
	defer s.Close(e.ctx)
	found, err := Get[Article](e.ctx, s, id)
	require.NoError(e.t, err)
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

func newArticles(days ...int) []*Article {
	articles := make([]*Article, len(days))
	for i, d := range days {
		articles[i] = &Article{Title: fmt.Sprintf("article %d", i+1), PublishedDay: d}
	}
	return articles
}

func asAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
