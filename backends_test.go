package reldoc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/reldoc/kvdb"
	"github.com/andreyvit/reldoc/rel"
	"github.com/andreyvit/reldoc/sqldb"
)

func TestBoltArticleCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.db")
	db, err := kvdb.Open(path, kvdb.Options{IsTesting: true})
	require.NoError(t, err)

	e := newEnvWith(t, db, Options{}, articleIndexes{})
	articles := newArticles(tenArticleDays...)
	e.save(asAny(articles)...)
	require.NoError(t, db.Close())

	// Reopen and continue where the first process stopped.
	db, err = kvdb.Open(path, kvdb.Options{IsTesting: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	e = newEnvWith(t, db, Options{}, articleIndexes{})
	assert.Equal(t, map[int]int{1: 4, 2: 3, 3: 2, 4: 1}, e.countsByDay())

	extra := &Article{Title: "eleventh", PublishedDay: 4}
	e.save(extra)
	assert.Equal(t, int64(11), extra.ID)
	checkArticleCountsAfter(t, e, articles[9], map[int]int{1: 4, 2: 3, 3: 2, 4: 1})
}

func checkArticleCountsAfter(t *testing.T, e *testEnv, victim *Article, want map[int]int) {
	e.commit(func(s *Session) {
		require.NoError(t, s.Delete(victim))
	})
	assert.Equal(t, want, e.countsByDay())
}

func openSQLiteStore(t *testing.T) (*Store, *sqldb.Factory) {
	t.Helper()
	f, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "reldoc.sqlite"), sqldb.Options{Logger: zaptest.NewLogger(t), Verbose: true})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	store, err := Open(f, Options{Logger: zaptest.NewLogger(t), Verbose: true})
	require.NoError(t, err)
	require.NoError(t, store.RegisterIndexes(articleIndexes{}))
	require.NoError(t, store.InitSchema(context.Background()))
	return store, f
}

func sqliteCount(t *testing.T, f *sqldb.Factory, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.DB().QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestSQLiteArticleCounts(t *testing.T) {
	ctx := context.Background()
	store, f := openSQLiteStore(t)

	articles := newArticles(tenArticleDays...)
	s := store.NewSession()
	for _, a := range articles {
		require.NoError(t, s.Save(ctx, a))
	}
	require.NoError(t, s.Close(ctx))

	counts := func() map[int]int {
		s := store.NewSession()
		defer s.Close(ctx)
		rows, err := QueryIndex[ArticlesByDay](ctx, s)
		require.NoError(t, err)
		m := make(map[int]int)
		for _, r := range rows {
			m[r.DayOfYear] = r.Count
		}
		return m
	}
	assert.Equal(t, map[int]int{1: 4, 2: 3, 3: 2, 4: 1}, counts())
	assert.Equal(t, 10, sqliteCount(t, f, "ArticlesByDay_Document"))
	assert.Equal(t, 10, sqliteCount(t, f, "ArticleByTitle"))

	s = store.NewSession()
	require.NoError(t, s.Delete(articles[9]))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, map[int]int{1: 4, 2: 3, 3: 2}, counts())
	assert.Equal(t, 9, sqliteCount(t, f, "ArticlesByDay_Document"))
	assert.Equal(t, 9, sqliteCount(t, f, "ArticleByTitle"))
	assert.Equal(t, 3, sqliteCount(t, f, "ArticlesByDay"))

	s = store.NewSession()
	found, err := Get[Article](ctx, s, articles[0].ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	found[0].PublishedDay = 3
	require.NoError(t, s.Save(ctx, found[0]))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, map[int]int{1: 3, 2: 3, 3: 3}, counts())
}

func TestSQLiteVersionCheck(t *testing.T) {
	ctx := context.Background()
	store, f := openSQLiteStore(t)

	a := &Article{Title: "v1", PublishedDay: 1}
	s := store.NewSession()
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Close(ctx))

	err := withTx(ctx, f, rel.IsolationDefault, func(tx rel.Transaction) error {
		stale := &updateDocumentCommand{
			table:        "Document",
			doc:          &Document{ID: a.ID, Type: "Article", Content: []byte{0x80}, Version: 3},
			checkVersion: 2,
		}
		return stale.Execute(ctx, tx, f.SQLDialect())
	})
	var ce *ConcurrencyError
	require.True(t, errors.As(err, &ce), "%v", err)
	assert.Equal(t, a.ID, ce.DocumentID)

	s = store.NewSession()
	found, err := Get[Article](ctx, s, a.ID)
	require.NoError(t, err)
	found[0].Title = "v2"
	require.NoError(t, s.Save(ctx, found[0]))
	require.NoError(t, s.Close(ctx))

	var version int64
	require.NoError(t, f.DB().QueryRow(`SELECT "Version" FROM "Document" WHERE "Id" = ?`, a.ID).Scan(&version))
	assert.Equal(t, int64(2), version)
}
