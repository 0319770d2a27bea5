package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/litedb/sqlite"
)

func setupCLI(t *testing.T, key string) (*sqlite.Connection, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevCfg := stdout, *cfg
	stdout = &buf
	cfg.Database = filepath.Join(t.TempDir(), "cli.db")
	cfg.Key = key
	t.Cleanup(func() {
		stdout = prevOut
		*cfg = prevCfg
	})

	conn, err := openConnection(context.Background(), cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Dispose() })
	return conn, &buf
}

func seed(t *testing.T, conn *sqlite.Connection) {
	t.Helper()
	cmd := cmdExec{}
	cmd.Args.SQL = `CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INT, card ENCRYPTED);
		INSERT INTO people (name, age) VALUES ('ann', 41), ('bob', 29);`
	require.NoError(t, cmd.run(context.Background(), conn))
}

func TestExecReportsChanges(t *testing.T) {
	conn, out := setupCLI(t, "")
	seed(t, conn)
	assert.Equal(t, "2 affected, last rowid 2\n", out.String())

	out.Reset()
	cmd := cmdExec{paramFlags: paramFlags{Params: []string{"@name=ann"}}}
	cmd.Args.SQL = "UPDATE people SET age = age + 1 WHERE name = @name"
	require.NoError(t, cmd.run(context.Background(), conn))
	assert.Equal(t, "1 affected, last rowid 2\n", out.String())

	cmd = cmdExec{paramFlags: paramFlags{Params: []string{"broken"}}}
	cmd.Args.SQL = "SELECT 1"
	assert.Error(t, cmd.run(context.Background(), conn))
}

func TestColumnsOutput(t *testing.T) {
	conn, out := setupCLI(t, "")
	seed(t, conn)
	out.Reset()

	require.NoError(t, writeColumns(context.Background(), conn, "people"))
	for _, want := range []string{"id", "name", "ENCRYPTED", "NULL"} {
		assert.Contains(t, out.String(), want)
	}
	assert.Error(t, writeColumns(context.Background(), conn, "missing"))
}

func TestQueryFormats(t *testing.T) {
	conn, out := setupCLI(t, "")
	seed(t, conn)
	out.Reset()

	cmd := cmdQuery{Format: "table"}
	cmd.Args.SQL = "SELECT name, age FROM people ORDER BY id"
	require.NoError(t, cmd.run(context.Background(), conn))
	assert.Contains(t, out.String(), "ann")
	assert.Contains(t, out.String(), "29")

	out.Reset()
	cmd = cmdQuery{Format: "yaml", paramFlags: paramFlags{Params: []string{"min=30"}}}
	cmd.Args.SQL = "SELECT name, age FROM people WHERE age > @min ORDER BY id"
	require.NoError(t, cmd.run(context.Background(), conn))
	assert.Equal(t, "- name: ann\n  age: 41\n", out.String())
}

func TestQueryDecrypt(t *testing.T) {
	conn, out := setupCLI(t, "open sesame")
	seed(t, conn)

	update := conn.CreateCommand("UPDATE people SET card = @card WHERE name = 'ann'")
	require.NoError(t, update.AddEncryptedParameter(sqlite.NewParameter("@card", "visa-4111")))
	_, err := update.ExecuteNonQuery()
	require.NoError(t, err)
	require.NoError(t, update.Dispose())
	out.Reset()

	cmd := cmdQuery{Format: "yaml"}
	cmd.Args.SQL = "SELECT name, card FROM people ORDER BY id"
	require.NoError(t, cmd.run(context.Background(), conn))
	assert.NotContains(t, out.String(), "visa-4111")

	out.Reset()
	cmd.Decrypt = []string{"CARD"}
	require.NoError(t, cmd.run(context.Background(), conn))
	assert.Equal(t, "- name: ann\n  card: visa-4111\n- name: bob\n  card: null\n", out.String())
}

func TestBackupCommand(t *testing.T) {
	conn, out := setupCLI(t, "")
	seed(t, conn)
	out.Reset()

	dest := filepath.Join(t.TempDir(), "copy.db")
	cmd := cmdBackup{Pages: 1, Retry: time.Millisecond}
	cmd.Args.Dest = dest
	require.NoError(t, cmd.run(context.Background(), conn))
	assert.Contains(t, out.String(), "backed up")

	copied, err := openConnection(context.Background(), dest)
	require.NoError(t, err)
	defer copied.Dispose()
	n, err := sqlite.ExecuteScalarAs[int64](context.Background(), copied.CreateCommand("SELECT count(*) FROM people"), sqlite.DbNullThrow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "x'0102'", formatValue([]byte{1, 2}))
	assert.Contains(t, formatValue(make([]byte, 2048)), "(2.0 kB)")
	assert.Equal(t, "2024-03-01T00:00:00Z", formatValue(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, "text", formatValue("text"))
}

func TestLogMetrics(t *testing.T) {
	conn, _ := setupCLI(t, "")
	seed(t, conn)

	hook := test.NewGlobal()
	defer hook.Reset()
	prevLevel := log.GetLevel()
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(prevLevel)

	logMetrics(registry)

	seen := map[string]bool{}
	for _, e := range hook.AllEntries() {
		if name, ok := e.Data["metric"].(string); ok {
			seen[name] = true
		}
	}
	assert.True(t, seen["litedb_handle_opens_total"])
	assert.True(t, seen["litedb_statements_prepared_total"])
}
