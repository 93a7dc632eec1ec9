package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/reldoc/config"
)

type note struct {
	ID   int64
	Text string
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestDDL(t *testing.T) {
	out := run(t, "ddl", "--dialect", "sqlite", "--prefix", "app_")
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "app_Identifiers" ("Dimension" TEXT NOT NULL, "NextVal" INTEGER NOT NULL, PRIMARY KEY ("Dimension"));`)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "app_Document"`)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"ddl", "--dialect", "oracle"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestInitAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")

	out := run(t, "init", "--backend", "bolt", "--dsn", path)
	assert.Equal(t, "Identifiers\nDocument\n", out)

	c := config.Default()
	c.Backend = config.BackendBolt
	c.DSN = path
	store, b, err := c.OpenStore(zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	s := store.NewSession()
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.Save(ctx, &note{Text: text}))
	}
	require.NoError(t, s.Close(ctx))
	require.NoError(t, b.Close())

	out = run(t, "inspect", "--backend", "bolt", "--dsn", path)
	assert.Contains(t, out, "file size:")
	assert.Regexp(t, `Document\s+4\s+3`, out)
	assert.Regexp(t, `note\s+3\s+\d+ B`, out)
}
