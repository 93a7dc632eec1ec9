package reldoc

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/reldoc/rel"
)

func TestSaveAssignsIDAndWritesDocument(t *testing.T) {
	e := newEnv(t, Options{})
	a := &Article{Title: "Hello", PublishedDay: 3}
	e.save(a)
	assert.Equal(t, int64(1), a.ID)

	got := e.load(a.ID)
	require.NotNil(t, got)
	assert.Equal(t, *a, *got)

	s := e.store.NewSession()
	defer s.Close(e.ctx)
	_, err := Get[Article](e.ctx, s, a.ID)
	require.NoError(t, err)
	doc, ok := s.idmap.document(docKey{"", a.ID})
	require.True(t, ok)
	assert.Equal(t, "Article", doc.Type)
	assert.Equal(t, int64(1), doc.Version)
}

func TestSaveTwiceIsIdempotent(t *testing.T) {
	e := newEnv(t, Options{}, titleIndex{})
	a := &Article{Title: "Once"}
	e.commit(func(s *Session) {
		require.NoError(t, s.Save(e.ctx, a))
		require.NoError(t, s.Save(e.ctx, a))
	})
	assert.Equal(t, 1, e.commands("create_document"))
	assert.Equal(t, 1, e.commands("create_map_index"))
	assert.Equal(t, 1, e.count("Document"))

	e.commit(func(s *Session) {
		found, err := Get[Article](e.ctx, s, a.ID)
		require.NoError(t, err)
		found[0].Title = "Twice"
		require.NoError(t, s.Save(e.ctx, found[0]))
		require.NoError(t, s.Save(e.ctx, found[0]))
	})
	assert.Equal(t, 1, e.commands("update_document"))
	assert.Equal(t, 1, e.commands("update_map_index"))
	assert.Equal(t, "Twice", e.load(a.ID).Title)
}

func TestUnchangedSaveEmitsNothing(t *testing.T) {
	e := newEnv(t, Options{}, articleIndexes{})
	a := &Article{Title: "Still", PublishedDay: 2, Tags: []string{"x"}}
	e.save(a)
	e.rec.reset()

	e.commit(func(s *Session) {
		found, err := Get[Article](e.ctx, s, a.ID)
		require.NoError(t, err)
		require.NoError(t, s.Save(e.ctx, found[0]))
	})
	assert.Empty(t, e.rec.stmts)
	assert.Zero(t, e.commands("update_document"))
}

func TestGetUsesIdentityMap(t *testing.T) {
	e := newEnv(t, Options{})
	a, b := &Article{Title: "A"}, &Article{Title: "B"}
	e.save(a, b)

	s := e.store.NewSession()
	defer s.Close(e.ctx)

	first, err := Get[Article](e.ctx, s, a.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	reads := e.db.ReadCount.Load()
	again, err := Get[Article](e.ctx, s, a.ID)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Same(t, first[0], again[0])
	assert.Equal(t, reads, e.db.ReadCount.Load())

	both, err := Get[Article](e.ctx, s, b.ID, a.ID, 999)
	require.NoError(t, err)
	require.Len(t, both, 2)
	assert.Equal(t, "B", both[0].Title)
	assert.Same(t, first[0], both[1])
	assert.Equal(t, reads+1, e.db.ReadCount.Load())
}

func TestGetSeesOwnPendingWrites(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	defer s.Close(e.ctx)

	a := &Article{Title: "Draft"}
	require.NoError(t, s.Save(e.ctx, a))
	found, err := Get[Article](e.ctx, s, a.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, a, found[0])
	assert.Equal(t, 1, e.commands("create_document"))
}

func TestGetSkipsOtherTypes(t *testing.T) {
	type Note struct {
		ID   int64
		Text string
	}
	e := newEnv(t, Options{})
	n := &Note{Text: "memo"}
	e.save(n)

	s := e.store.NewSession()
	defer s.Close(e.ctx)
	found, err := Get[Article](e.ctx, s, n.ID)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegisterTypeChangesTypeTag(t *testing.T) {
	e := newEnv(t, Options{})
	require.NoError(t, RegisterType[Article](e.store, "blog.article"))
	a := &Article{Title: "Tagged"}
	e.save(a)
	assert.Equal(t, "Tagged", e.load(a.ID).Title)

	type Other struct{ ID int64 }
	err := RegisterType[Other](e.store, "blog.article")
	assert.True(t, errors.Is(err, ErrArgument), "%v", err)
}

func TestDetach(t *testing.T) {
	e := newEnv(t, Options{})
	a := &Article{Title: "A"}
	e.save(a)

	s := e.store.NewSession()
	defer s.Close(e.ctx)
	first, err := Get[Article](e.ctx, s, a.ID)
	require.NoError(t, err)
	first[0].Title = "changed"
	require.NoError(t, s.Save(e.ctx, first[0]))
	s.Detach(first[0])

	again, err := Get[Article](e.ctx, s, a.ID)
	require.NoError(t, err)
	assert.NotSame(t, first[0], again[0])
	assert.Equal(t, "A", again[0].Title)
}

func TestSaveSupersedesDelete(t *testing.T) {
	e := newEnv(t, Options{}, titleIndex{})
	a := &Article{Title: "Kept"}
	e.save(a)

	e.commit(func(s *Session) {
		require.NoError(t, s.Delete(a))
		a.Title = "Kept and renamed"
		require.NoError(t, s.Save(e.ctx, a))
	})
	assert.Equal(t, 1, e.count("Document"))
	assert.Equal(t, "Kept and renamed", e.load(a.ID).Title)
	assert.Zero(t, e.commands("delete_document"))
}

func TestDeleteUnflushedEntity(t *testing.T) {
	e := newEnv(t, Options{}, articleIndexes{})
	a := &Article{Title: "Gone", PublishedDay: 1}
	e.commit(func(s *Session) {
		require.NoError(t, s.Save(e.ctx, a))
		require.NoError(t, s.Delete(a))
	})
	assert.Zero(t, e.count("Document"))
	assert.Empty(t, e.countsByDay())
	assert.Empty(t, e.rec.batches)

	// Saving again after the delete brings it back with the same id.
	b := &Article{Title: "Back", PublishedDay: 1}
	e.commit(func(s *Session) {
		require.NoError(t, s.Save(e.ctx, b))
		id := b.ID
		require.NoError(t, s.Delete(b))
		require.NoError(t, s.Save(e.ctx, b))
		assert.Equal(t, id, b.ID)
	})
	assert.Equal(t, b.Title, e.load(b.ID).Title)
}

func TestDeletedNewEntityIsForgotten(t *testing.T) {
	e := newEnv(t, Options{}, articleIndexes{})
	a := &Article{Title: "Gone", PublishedDay: 1}
	b := &Article{Title: "Kept", PublishedDay: 2}
	e.commit(func(s *Session) {
		require.NoError(t, s.Save(e.ctx, a))
		require.NoError(t, s.Delete(a))

		found, err := Get[Article](e.ctx, s, a.ID)
		require.NoError(t, err)
		assert.Empty(t, found)

		require.NoError(t, s.Save(e.ctx, b))
		require.NoError(t, s.Flush(e.ctx))

		found, err = Get[Article](e.ctx, s, a.ID, b.ID)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Same(t, b, found[0])
	})
	assert.Equal(t, 1, e.count("Document"))
	assert.Equal(t, map[int]int{2: 1}, e.countsByDay())
}

func TestSaveInOtherCollectionWhileStaged(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	defer s.Close(e.ctx)
	defer s.Cancel()

	a := &Article{Title: "New"}
	require.NoError(t, s.Save(e.ctx, a))
	err := s.SaveIn(e.ctx, "Archive", a)
	assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)

	stored := &Article{ID: 5, Title: "Stored"}
	require.NoError(t, s.Save(e.ctx, stored))
	err = s.SaveIn(e.ctx, "Archive", stored)
	assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)

	require.NoError(t, s.Save(e.ctx, a))
}

func TestDeleteByID(t *testing.T) {
	e := newEnv(t, Options{}, titleIndex{})
	a := &Article{Title: "Remote"}
	e.save(a)

	e.commit(func(s *Session) {
		require.NoError(t, s.Delete(&Article{ID: a.ID}))
	})
	assert.Nil(t, e.load(a.ID))
	assert.Zero(t, e.count("ArticleByTitle"))

	// Deleting a missing document is a no-op.
	e.commit(func(s *Session) {
		require.NoError(t, s.Delete(&Article{ID: 12345}))
	})
}

func TestSaveErrors(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	defer s.Close(e.ctx)

	for _, bad := range []any{&Document{}, Document{}, &ArticleByTitle{}, &ArticlesByDay{}, Article{}, 42} {
		err := s.Save(e.ctx, bad)
		assert.True(t, errors.Is(err, ErrArgument), "Save(%T): %v", bad, err)
	}
	err := s.Delete(&Document{ID: 1})
	assert.True(t, errors.Is(err, ErrArgument), "%v", err)

	err = s.Save(e.ctx, &struct{ Name string }{"no id"})
	assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)
}

func TestDeleteErrors(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	defer s.Close(e.ctx)

	err := s.Delete(&Article{})
	assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)

	err = s.Delete(&struct{ Name string }{"no id"})
	assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)
}

func TestUpdateWithoutDocumentFails(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	require.NoError(t, s.Save(e.ctx, &Article{ID: 77, Title: "never stored"}))

	err := s.Flush(e.ctx)
	assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)
	assert.True(t, s.Cancelled())
	require.NoError(t, s.Close(e.ctx))
	assert.Zero(t, e.count("Document"))
}

func TestCancelRollsBack(t *testing.T) {
	e := newEnv(t, Options{}, articleIndexes{})
	s := e.store.NewSession()
	for _, a := range newArticles(1, 1, 2) {
		require.NoError(t, s.Save(e.ctx, a))
	}
	require.NoError(t, s.Flush(e.ctx))
	s.Cancel()
	require.NoError(t, s.Close(e.ctx))

	assert.Zero(t, e.count("Document"))
	assert.Empty(t, e.countsByDay())
}

func TestClosedSession(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	require.NoError(t, s.Close(e.ctx))
	require.NoError(t, s.Close(e.ctx))

	assert.ErrorIs(t, s.Save(e.ctx, &Article{}), ErrSessionClosed)
	assert.ErrorIs(t, s.Delete(&Article{ID: 1}), ErrSessionClosed)
	assert.ErrorIs(t, s.Flush(e.ctx), ErrSessionClosed)
	_, err := Get[Article](e.ctx, s, 1)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Tx(e.ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestConcurrentUpdateFails(t *testing.T) {
	e := newEnv(t, Options{})
	a := &Article{Title: "v1"}
	e.save(a)

	s1 := e.store.NewSession()
	s2 := e.store.NewSession()
	a1, err := Get[Article](e.ctx, s1, a.ID)
	require.NoError(t, err)
	a2, err := Get[Article](e.ctx, s2, a.ID)
	require.NoError(t, err)

	a1[0].Title = "first"
	require.NoError(t, s1.Save(e.ctx, a1[0]))
	require.NoError(t, s1.Close(e.ctx))

	a2[0].Title = "second"
	require.NoError(t, s2.Save(e.ctx, a2[0]))
	err = s2.Close(e.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrency), "%v", err)
	var ce *ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, a.ID, ce.DocumentID)
	assert.Equal(t, int64(1), ce.Version)
	assert.Equal(t, "Document", ce.Table)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.store.metrics.conflicts))

	assert.Equal(t, "first", e.load(a.ID).Title)

	s3 := e.store.NewSession()
	defer s3.Close(e.ctx)
	_, err = Get[Article](e.ctx, s3, a.ID)
	require.NoError(t, err)
	doc, _ := s3.idmap.document(docKey{"", a.ID})
	assert.Equal(t, int64(2), doc.Version)
}

func TestWithoutVersionCheck(t *testing.T) {
	e := newEnv(t, Options{})
	a := &Article{Title: "v1"}
	e.save(a)

	s1 := e.store.NewSession()
	s2 := e.store.NewSession(WithoutVersionCheck())
	a1, err := Get[Article](e.ctx, s1, a.ID)
	require.NoError(t, err)
	a2, err := Get[Article](e.ctx, s2, a.ID)
	require.NoError(t, err)

	a1[0].Title = "first"
	require.NoError(t, s1.Save(e.ctx, a1[0]))
	require.NoError(t, s1.Close(e.ctx))

	a2[0].Title = "second"
	require.NoError(t, s2.Save(e.ctx, a2[0]))
	require.NoError(t, s2.Close(e.ctx))
	assert.Equal(t, "second", e.load(a.ID).Title)
}

func TestNullVersionAcceptsFirstUpdate(t *testing.T) {
	e := newEnv(t, Options{})
	content, err := MsgPack.Marshal(&Article{ID: 5, Title: "legacy"})
	require.NoError(t, err)
	err = withTx(e.ctx, e.db, rel.IsolationReadCommitted, func(tx rel.Transaction) error {
		_, err := tx.Exec(e.ctx, &rel.Insert{
			Table:   "Document",
			Columns: documentColumns,
			Values:  []any{int64(5), "Article", content, nil},
		})
		return err
	})
	require.NoError(t, err)

	e.commit(func(s *Session) {
		found, err := Get[Article](e.ctx, s, 5)
		require.NoError(t, err)
		require.Len(t, found, 1)
		found[0].Title = "migrated"
		require.NoError(t, s.Save(e.ctx, found[0]))
	})
	assert.Equal(t, "migrated", e.load(5).Title)
}

type insertIdentifier struct {
	dimension string
	value     int64
}

func (c *insertIdentifier) ExecutionOrder() int { return OrderCreateDocument }

func (c *insertIdentifier) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	_, err := tx.Exec(ctx, &rel.Insert{
		Table:   "Identifiers",
		Columns: []string{"Dimension", "NextVal"},
		Values:  []any{c.dimension, c.value},
	})
	return err
}

func TestAddCommandAndTx(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.store.NewSession()
	require.NoError(t, s.AddCommand(&insertIdentifier{"custom", 42}))
	require.NoError(t, s.Flush(e.ctx))
	assert.Equal(t, 1, e.commands("custom"))

	tx, err := s.Tx(e.ctx)
	require.NoError(t, err)
	rows, err := tx.Query(e.ctx, &rel.Select{Table: "Identifiers", Columns: []string{"NextVal"}, Where: []rel.Cond{rel.Eq("Dimension", "custom")}})
	require.NoError(t, err)
	require.True(t, rows.Next())
	var v int64
	require.NoError(t, rows.Scan(&v))
	require.NoError(t, rows.Close())
	assert.Equal(t, int64(42), v)
	require.NoError(t, s.Close(e.ctx))

	assert.Equal(t, 1, e.count("Identifiers"))
}

func TestCollections(t *testing.T) {
	e := newEnv(t, Options{}, articleIndexes{}, archiveIndexes{})
	live := &Article{Title: "live", PublishedDay: 1}
	old := &Article{Title: "old", PublishedDay: 1}
	e.commit(func(s *Session) {
		require.NoError(t, s.Save(e.ctx, live))
		require.NoError(t, s.SaveIn(e.ctx, "Archive", old))
		err := s.DeleteIn("Archive", live)
		assert.True(t, errors.Is(err, ErrInvalidOperation), "%v", err)
	})
	assert.Equal(t, 1, e.count("Document"))
	assert.Equal(t, 1, e.count("Archive_Document"))
	assert.Equal(t, 1, e.count("Archive_ArticlesByDay"))
	assert.Equal(t, 1, e.count("Archive_ArticlesByDay_Archive_Document"))

	s := e.store.NewSession()
	defer s.Close(e.ctx)
	found, err := GetIn[Article](e.ctx, s, "Archive", old.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "old", found[0].Title)

	rows, err := QueryIndexIn[ArticleByTitle](e.ctx, s, "Archive")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].Title)
	assert.Equal(t, old.ID, rows[0].DocumentID)
}
