package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTableName(t *testing.T) {
	good := map[string]string{
		"people":      "people",
		"  people  ":  "people",
		"[my table]":  "my table",
		"[x]":         "x",
		"with_under1": "with_under1",
	}
	for in, want := range good {
		got, err := checkTableName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "   ", "[]", "[open", "close]", "a;b", "a'b", "a/b", `a\b`, "[[x]]"} {
		_, err := checkTableName(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrInvalidTableName), in)
	}
}

func TestTableExists(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "exists.db")
	conn, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)

	exists, err := conn.TableExists("people")
	require.NoError(t, err)
	assert.False(t, exists)

	mustExec(t, conn, "CREATE TABLE people (id INTEGER PRIMARY KEY)")
	exists, err = conn.TableExists("[people]")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = conn.TableExists("people_fabricated")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = conn.TableExists("people; DROP TABLE people")
	assert.True(t, IsConfigurationError(err))

	require.NoError(t, conn.Dispose())

	reopened, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	defer reopened.Dispose()
	exists, err = reopened.TableExists("people")
	require.NoError(t, err)
	assert.True(t, exists)

	// Schema helpers run in whichever mode the handle is in.
	require.NoError(t, reopened.BeginMaintenance())
	exists, err = reopened.TableExists("people")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, reopened.EndMaintenance())
}

func TestColumns(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, `CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		owner VARCHAR(40) NOT NULL,
		secret ENCRYPTED,
		balance DECIMAL(12,2) DEFAULT 0,
		opened DATETIME
	)`)

	cols, err := conn.Columns("accounts")
	require.NoError(t, err)
	require.Len(t, cols, 5)

	assert.Equal(t, ColumnInfo{ID: 0, Name: "id", DeclaredType: "INTEGER", DataType: DbTypeInt64, PrimaryKey: true}, cols[0])
	assert.Equal(t, "owner", cols[1].Name)
	assert.True(t, cols[1].NotNull)
	assert.Equal(t, DbTypeString, cols[1].DataType)
	assert.Equal(t, DbTypeEncrypted, cols[2].DataType)
	assert.False(t, cols[2].NotNull)
	assert.Equal(t, DbTypeDecimal, cols[3].DataType)
	assert.Equal(t, "0", cols[3].Default)
	assert.Equal(t, DbTypeDateTime, cols[4].DataType)
	assert.Nil(t, cols[4].Default)

	missing, err := conn.Columns("nothing_here")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTables(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, "CREATE TABLE b (v INT); CREATE TABLE a (v INTEGER PRIMARY KEY AUTOINCREMENT);")

	tables, err := conn.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tables)
}

func TestSchemaVersion(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "version.db")
	conn, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, conn.Open())

	mustExec(t, conn, "CREATE TABLE t (a INT, b TEXT, c REAL); INSERT INTO t VALUES (1, 'x', 2.5);")
	require.NoError(t, conn.Close())

	v, err := conn.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.Equal(t, StateClosed, conn.State(), "state is restored")

	require.NoError(t, conn.SetSchemaVersion(23))
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, conn.InMaintenance())
	require.NoError(t, conn.Dispose())

	fresh, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	defer fresh.Dispose()
	require.NoError(t, fresh.Open())

	require.NoError(t, fresh.SetSchemaVersion(24))
	assert.Equal(t, StateOpen, fresh.State(), "an open connection stays open")
	v, err = fresh.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(24), v)
}

func TestSchemaVersionPersistsAcrossConnections(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "scenario.db")
	conn, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	mustExec(t, conn, "CREATE TABLE t (a INT, b TEXT, c REAL)")
	mustExec(t, conn, "INSERT INTO t VALUES (1, 'x', 2.5)")

	v, err := conn.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	require.NoError(t, conn.SetSchemaVersion(23))
	require.NoError(t, conn.Dispose())

	fresh, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	defer fresh.Dispose()
	v, err = fresh.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(23), v)
}
