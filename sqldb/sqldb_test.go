package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/reldoc/dialect"
	"github.com/andreyvit/reldoc/rel"
)

func setupSQLite(t *testing.T) (*Factory, rel.Transaction) {
	t.Helper()
	f, err := OpenSQLite(filepath.Join(t.TempDir(), "test.sqlite"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	ctx := context.Background()
	c, err := f.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { f.Release(c) })

	tx, err := c.Begin(ctx, rel.IsolationReadCommitted)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })

	_, err = tx.Exec(ctx, &rel.CreateTable{
		Table: "Document",
		Columns: []rel.Column{
			{Name: "Id", Kind: rel.KindInt64},
			{Name: "Type", Kind: rel.KindString},
			{Name: "Content", Kind: rel.KindBytes},
			{Name: "Version", Kind: rel.KindInt64, Nullable: true},
		},
		PrimaryKey: []string{"Id"},
	})
	require.NoError(t, err)
	_, err = tx.Exec(ctx, &rel.CreateTable{
		Table: "ByDay",
		Columns: []rel.Column{
			{Name: "Id", Kind: rel.KindInt64, Identity: true},
			{Name: "Day", Kind: rel.KindInt32},
		},
		PrimaryKey: []string{"Id"},
		Indexes:    []rel.TableIndex{{Name: "IX_ByDay_Day", Columns: []string{"Day"}, Unique: true}},
	})
	require.NoError(t, err)
	return f, tx
}

func TestSQLiteExec(t *testing.T) {
	f, tx := setupSQLite(t)
	ctx := context.Background()
	assert.True(t, f.Disposable())
	assert.Equal(t, "sqlite", f.SQLDialect().Name())

	res, err := tx.Exec(ctx, &rel.Insert{Table: "ByDay", Columns: []string{"Day"}, Values: []any{4}, Returning: "Id"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.LastInsertID)

	_, err = tx.Exec(ctx, &rel.Insert{Table: "ByDay", Columns: []string{"Day"}, Values: []any{4}, Returning: "Id"})
	assert.Error(t, err)

	err = tx.ExecBatch(ctx, []rel.Statement{
		&rel.Insert{Table: "Document", Columns: []string{"Id", "Type", "Content", "Version"}, Values: []any{int64(1), "Article", []byte("a"), int64(1)}},
		&rel.Insert{Table: "Document", Columns: []string{"Id", "Type", "Content"}, Values: []any{int64(2), "Article", []byte("b")}},
	})
	require.NoError(t, err)

	upd := func(id, version int64) int64 {
		res, err := tx.Exec(ctx, &rel.Update{
			Table:   "Document",
			Columns: []string{"Content", "Version"},
			Values:  []any{[]byte("c"), version + 1},
			Where:   []rel.Cond{rel.Eq("Id", id), rel.EqOrNull("Version", version)},
		})
		require.NoError(t, err)
		return res.RowsAffected
	}
	assert.Equal(t, int64(1), upd(1, 1))
	assert.Equal(t, int64(0), upd(1, 1))
	assert.Equal(t, int64(1), upd(2, 0))

	rows, err := tx.Query(ctx, &rel.Select{
		Table:   "Document",
		Columns: []string{"Id", "Content", "Version"},
		Where:   []rel.Cond{rel.In("Id", int64(1), int64(2))},
		OrderBy: []rel.Order{{Column: "Id"}},
	})
	require.NoError(t, err)
	defer rows.Close()
	var got []int64
	for rows.Next() {
		var id int64
		var content []byte
		var version *int64
		require.NoError(t, rows.Scan(&id, &content, &version))
		assert.Equal(t, "c", string(content))
		require.NotNil(t, version)
		got = append(got, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{1, 2}, got)
}

func TestOpenMySQLForcesMultiStatements(t *testing.T) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = "127.0.0.1:3306"
	cfg.DBName = "reldoc"

	f, err := OpenMySQL(cfg, Options{})
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, cfg.MultiStatements, "caller's config must not be modified")
	assert.Equal(t, dialect.MySQL{}, f.SQLDialect())
}
