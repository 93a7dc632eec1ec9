package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/reldoc/rel"
)

func TestRenderUpdateWithVersionCheck(t *testing.T) {
	stmt := &rel.Update{
		Table:   "Document",
		Columns: []string{"Content", "Version"},
		Values:  []any{[]byte("x"), int64(1)},
		Where:   []rel.Cond{rel.Eq("Id", int64(5)), rel.EqOrNull("Version", int64(0))},
	}

	sql, args := Render(Postgres{}, stmt, 0)
	assert.Equal(t, `UPDATE "Document" SET "Content" = $1, "Version" = $2 WHERE "Id" = $3 AND ("Version" = $4 OR "Version" IS NULL)`, sql)
	assert.Equal(t, []any{[]byte("x"), int64(1), int64(5), int64(0)}, args)

	sql, _ = Render(MySQL{}, stmt, 0)
	assert.Equal(t, "UPDATE `Document` SET `Content` = ?, `Version` = ? WHERE `Id` = ? AND (`Version` = ? OR `Version` IS NULL)", sql)
}

func TestRenderArgOffset(t *testing.T) {
	stmt := &rel.Delete{Table: "Map", Where: []rel.Cond{rel.Eq("DocumentId", int64(3))}}
	sql, args := Render(Postgres{}, stmt, 4)
	assert.Equal(t, `DELETE FROM "Map" WHERE "DocumentId" = $5`, sql)
	assert.Equal(t, []any{int64(3)}, args)
}

func TestRenderInsertReturning(t *testing.T) {
	stmt := &rel.Insert{
		Table:     "ArticlesByDay",
		Columns:   []string{"DayOfYear", "Count"},
		Values:    []any{1, 4},
		Returning: "Id",
	}
	sql, _ := Render(Postgres{}, stmt, 0)
	assert.Equal(t, `INSERT INTO "ArticlesByDay" ("DayOfYear", "Count") VALUES ($1, $2) RETURNING "Id"`, sql)

	sql, _ = Render(SQLite{}, stmt, 0)
	assert.Equal(t, `INSERT INTO "ArticlesByDay" ("DayOfYear", "Count") VALUES (?, ?)`, sql)
}

func TestRenderSelect(t *testing.T) {
	sel := &rel.Select{
		Table:   "Document",
		Columns: []string{"Id", "Content"},
		Where:   []rel.Cond{rel.In("Id", int64(1), int64(2))},
		OrderBy: []rel.Order{{Column: "Id", Desc: true}},
		Limit:   1,
	}
	sql, args := RenderSelect(Postgres{}, sel)
	assert.Equal(t, `SELECT "Id", "Content" FROM "Document" WHERE "Id" IN ($1, $2) ORDER BY "Id" DESC LIMIT 1`, sql)
	assert.Len(t, args, 2)

	sql, args = RenderSelect(SQLite{}, &rel.Select{Table: "T", Where: []rel.Cond{rel.In("Id")}})
	assert.Equal(t, `SELECT * FROM "T" WHERE 1 = 0`, sql)
	assert.Empty(t, args)
}

func TestDDL(t *testing.T) {
	ct := &rel.CreateTable{
		Table: "ArticlesByDay",
		Columns: []rel.Column{
			{Name: "Id", Kind: rel.KindInt64, Identity: true},
			{Name: "DayOfYear", Kind: rel.KindInt64},
			{Name: "Count", Kind: rel.KindInt64},
		},
		PrimaryKey: []string{"Id"},
		Indexes:    []rel.TableIndex{{Name: "IX_ArticlesByDay_DayOfYear", Columns: []string{"DayOfYear"}, Unique: true}},
	}

	stmts := DDL(Postgres{}, ct)
	require.Len(t, stmts, 2)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "ArticlesByDay" ("Id" BIGSERIAL PRIMARY KEY, "DayOfYear" BIGINT NOT NULL, "Count" BIGINT NOT NULL)`, stmts[0])
	assert.Equal(t, `CREATE UNIQUE INDEX IF NOT EXISTS "IX_ArticlesByDay_DayOfYear" ON "ArticlesByDay" ("DayOfYear")`, stmts[1])

	stmts = DDL(MySQL{}, ct)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "UNIQUE KEY `IX_ArticlesByDay_DayOfYear` (`DayOfYear`)")
	assert.Contains(t, stmts[0], "AUTO_INCREMENT PRIMARY KEY")

	bridge := &rel.CreateTable{
		Table: "ArticlesByDay_Document",
		Columns: []rel.Column{
			{Name: "ArticlesByDayId", Kind: rel.KindInt64},
			{Name: "DocumentId", Kind: rel.KindInt64},
		},
		PrimaryKey: []string{"ArticlesByDayId", "DocumentId"},
		ForeignKeys: []rel.ForeignKey{
			{Column: "ArticlesByDayId", RefTable: "ArticlesByDay", RefColumn: "Id"},
			{Column: "DocumentId", RefTable: "Document", RefColumn: "Id"},
		},
	}
	stmts = DDL(SQLite{}, bridge)
	require.Len(t, stmts, 1)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "ArticlesByDay_Document" ("ArticlesByDayId" INTEGER NOT NULL, "DocumentId" INTEGER NOT NULL, PRIMARY KEY ("ArticlesByDayId", "DocumentId"), FOREIGN KEY ("ArticlesByDayId") REFERENCES "ArticlesByDay" ("Id"), FOREIGN KEY ("DocumentId") REFERENCES "Document" ("Id"))`, stmts[0])
}

func TestByName(t *testing.T) {
	d, err := ByName("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = ByName("oracle")
	assert.Error(t, err)

	assert.Equal(t, `"a""b"`, Postgres{}.QuoteIdentifier(`a"b`))
	assert.Equal(t, rel.IsolationDefault, SQLite{}.Isolation(rel.IsolationReadCommitted))
}
