package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/litedb/sqlite"
)

var testSteps = []Step{
	SQLStep(2, "add email", "ALTER TABLE users ADD COLUMN email TEXT"),
	SQLStep(1, "create users", "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"),
	{
		Version: 3,
		Name:    "seed admin",
		Apply: func(tx *sqlx.Tx) error {
			_, err := tx.Exec("INSERT INTO users (name, email) VALUES (?, ?)", "admin", "admin@example.com")
			return err
		},
	},
}

func newTestConnection(t *testing.T) (*sqlite.Connection, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	conn, err := sqlite.NewFileConnection(path, sqlite.WithRegistry(sqlite.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Dispose() })
	require.NoError(t, conn.Open())
	return conn, path
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	conn, _ := newTestConnection(t)

	version, err := Migrate(ctx, conn, testSteps)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	v, err := conn.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	email, err := conn.CreateCommand("SELECT email FROM users WHERE name = 'admin'").ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", email)

	// Applying the same steps again is a no-op.
	version, err = Migrate(ctx, conn, testSteps)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	n, err := sqlite.ExecuteScalarAs[int64](ctx, conn.CreateCommand("SELECT count(*) FROM users"), sqlite.DbNullThrow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMigrateStopsAtFailingStep(t *testing.T) {
	ctx := context.Background()
	conn, _ := newTestConnection(t)

	steps := append([]Step{}, testSteps[1], SQLStep(2, "broken", "CREATE TABLE users (id INT)"), testSteps[0])
	version, err := Migrate(ctx, conn, steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2 (broken) failed")
	assert.Equal(t, int64(1), version)

	v, err := conn.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMigrateRollsBackPartialStep(t *testing.T) {
	ctx := context.Background()
	conn, _ := newTestConnection(t)

	failing := Step{Version: 1, Name: "half done", Apply: func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("CREATE TABLE half (v INT)"); err != nil {
			return err
		}
		return errors.New("boom")
	}}
	_, err := Migrate(ctx, conn, []Step{failing})
	require.Error(t, err)

	exists, err := conn.TableExists("half")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStepValidation(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()

	_, err := Migrate(ctx, conn, []Step{SQLStep(0, "zero", "SELECT 1")})
	assert.Contains(t, err.Error(), "version must be positive")

	_, err = Migrate(ctx, conn, []Step{SQLStep(1, "a", "SELECT 1"), SQLStep(1, "b", "SELECT 1")})
	assert.Contains(t, err.Error(), "duplicate migration version 1")

	_, err = Migrate(ctx, conn, []Step{{Version: 1, Name: "empty"}})
	assert.Contains(t, err.Error(), "has no Apply function")
}

func TestConnectAndHistory(t *testing.T) {
	ctx := context.Background()
	conn, path := newTestConnection(t)
	require.NoError(t, conn.Close())

	db, err := Connect(ctx, conn, testSteps)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, int64(3), db.Version())
	assert.Equal(t, path, db.Connection().DataSource())

	history, err := db.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "create users", history[0].Name)
	assert.Equal(t, int64(3), history[2].Version)
	assert.False(t, history[2].Applied.IsZero())

	var names []string
	require.NoError(t, db.GetDB().Select(&names, "SELECT name FROM users"))
	assert.Equal(t, []string{"admin"}, names)
}
