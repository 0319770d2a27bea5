package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestConnection opens a connection to a fresh file with its own
// registry.
func setupTestConnection(t *testing.T, opts ...Option) (*Connection, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithRegistry(NewRegistry())}, opts...)
	conn, err := NewFileConnection(path, opts...)
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	t.Cleanup(func() { conn.Dispose() })
	return conn, path
}

func mustExec(t *testing.T, conn *Connection, sql string, args ...any) int {
	t.Helper()
	cmd := conn.CreateCommand(sql)
	defer cmd.Dispose()
	for i := 0; i+1 < len(args); i += 2 {
		_, err := cmd.Parameters().AddWithValue(args[i].(string), args[i+1])
		require.NoError(t, err)
	}
	n, err := cmd.ExecuteNonQuery()
	require.NoError(t, err)
	return n
}

func TestNewConnectionValidation(t *testing.T) {
	_, err := NewConnection("  ")
	assert.True(t, IsConfigurationError(err))

	_, err = NewConnection("Cache Size=10", WithRegistry(NewRegistry()))
	assert.True(t, IsConfigurationError(err))

	_, err = NewFileConnection("")
	assert.True(t, IsConfigurationError(err))
}

func TestOpenCloseStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.db")
	conn, err := NewFileConnection(path, WithRegistry(NewRegistry()))
	require.NoError(t, err)
	defer conn.Dispose()

	var events []StateChangeEvent
	conn.OnStateChange(func(e StateChangeEvent) { events = append(events, e) })

	assert.Equal(t, StateClosed, conn.State())
	require.NoError(t, conn.Open())
	assert.Equal(t, StateOpen, conn.State())

	err = conn.Open()
	assert.True(t, IsStateError(err))
	assert.Contains(t, err.Error(), "Cannot Open when State is Open.")

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, IsStateError(conn.Close()))

	assert.Equal(t, []StateChangeEvent{
		{Previous: StateClosed, Current: StateConnecting},
		{Previous: StateConnecting, Current: StateOpen},
		{Previous: StateOpen, Current: StateClosed},
	}, events)
}

func TestSafeOpenSafeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe.db")
	conn, err := NewFileConnection(path, WithRegistry(NewRegistry()))
	require.NoError(t, err)
	defer conn.Dispose()

	require.NoError(t, conn.SafeClose())
	require.NoError(t, conn.SafeOpen())
	require.NoError(t, conn.SafeOpen())
	assert.Equal(t, StateOpen, conn.State())
	require.NoError(t, conn.SafeClose())
	require.NoError(t, conn.SafeClose())
	assert.Equal(t, StateClosed, conn.State())
}

func TestFirstOpenAppliesPragmas(t *testing.T) {
	conn, _ := setupTestConnection(t)

	v, err := conn.CreateCommand("PRAGMA journal_mode;").ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, "wal", v)

	path := filepath.Join(t.TempDir(), "fk.db")
	fk, err := NewConnection(fmt.Sprintf("Data Source=%s;Foreign Keys=True;Journal Mode=Delete", path),
		WithRegistry(NewRegistry()))
	require.NoError(t, err)
	defer fk.Dispose()
	require.NoError(t, fk.Open())

	// Pragmas run once on the maintenance connection, so only the
	// persistent journal mode is visible on the reopened one.
	v, err = fk.CreateCommand("PRAGMA journal_mode;").ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, "delete", v)
}

func TestDuplicateHandleRejected(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "dup.db")

	a, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, a.Open())

	b, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	err = b.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateHandle))
	assert.Equal(t, StateBroken, b.State())

	require.NoError(t, a.Dispose())
	c, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Open())
}

func TestDefaultConnectionSharesHandle(t *testing.T) {
	reg := NewRegistry()
	defer reg.ResetDefault()
	path := filepath.Join(t.TempDir(), "default.db")

	_, err := NewDefaultConnection(WithRegistry(reg))
	assert.True(t, IsStateError(err))

	first, err := NewFileConnection(path, WithRegistry(reg), AsDefault())
	require.NoError(t, err)
	require.NoError(t, first.Open())
	assert.True(t, first.IsDefault())

	_, err = NewFileConnection(filepath.Join(t.TempDir(), "other.db"), WithRegistry(reg), AsDefault())
	assert.True(t, IsConfigurationError(err))

	second, err := NewDefaultConnection(WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, second.Open())
	assert.Same(t, first.Handle(), second.Handle())

	third, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	assert.Same(t, first.Handle(), third.Handle())

	mustExec(t, first, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	mustExec(t, second, "INSERT INTO t (v) VALUES ('x')")

	// Closing a connection on the default handle leaves the handle usable.
	require.NoError(t, first.Close())
	v, err := second.CreateCommand("SELECT count(*) FROM t").ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, second.Dispose())
	assert.True(t, reg.IsRegistered(path))
	require.NoError(t, reg.ResetDefault())
	assert.False(t, reg.IsRegistered(path))
}

func TestSharedConnectionLeavesHandleToOwner(t *testing.T) {
	owner, _ := setupTestConnection(t)
	mustExec(t, owner, "CREATE TABLE t (v INT)")

	_, err := NewSharedConnection(nil)
	assert.True(t, IsConfigurationError(err))

	shared, err := NewSharedConnection(owner.Handle())
	require.NoError(t, err)
	assert.False(t, shared.IsDefault())
	require.NoError(t, shared.Open())
	mustExec(t, shared, "INSERT INTO t VALUES (1)")

	require.NoError(t, shared.Close())
	require.NoError(t, shared.Dispose())
	assert.True(t, owner.Handle().IsOpen())

	n, err := owner.CreateCommand("SELECT count(*) FROM t").ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMaintenanceMode(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, "CREATE TABLE t (id INTEGER PRIMARY KEY)")

	require.NoError(t, conn.BeginMaintenance())
	assert.True(t, conn.InMaintenance())

	_, err := conn.CreateCommand("SELECT count(*) FROM t").ExecuteScalar()
	assert.True(t, IsModeMismatchError(err))

	v, err := conn.CreateCommand("SELECT count(*) FROM t", ForMaintenance()).ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, conn.EndMaintenance())
	assert.False(t, conn.InMaintenance())
	assert.Equal(t, StateClosed, conn.State())

	_, err = conn.CreateCommand("SELECT count(*) FROM t", ForMaintenance()).ExecuteScalar()
	assert.Error(t, err)
}

func TestStatementCompletedEvent(t *testing.T) {
	conn, _ := setupTestConnection(t)

	var completed []StatementCompletedEvent
	conn.OnStatementCompleted(func(e StatementCompletedEvent) { completed = append(completed, e) })

	mustExec(t, conn, "CREATE TABLE t (id INTEGER); INSERT INTO t VALUES (1);")
	require.Len(t, completed, 2)
	assert.Equal(t, "CREATE TABLE t (id INTEGER);", completed[0].SQL)
	assert.Equal(t, "INSERT INTO t VALUES (1);", completed[1].SQL)
}

func TestDisposeRollsBackPendingTransaction(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "dispose.db")
	conn, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	mustExec(t, conn, "CREATE TABLE t (id INTEGER)")

	tx, err := conn.Begin()
	require.NoError(t, err)
	cmd := conn.CreateCommand("INSERT INTO t VALUES (1)", WithTransaction(tx))
	_, err = cmd.ExecuteNonQuery()
	require.NoError(t, err)
	require.NoError(t, cmd.Dispose())
	require.NoError(t, conn.Dispose())
	assert.False(t, reg.IsRegistered(path))

	again, err := NewFileConnection(path, WithRegistry(reg))
	require.NoError(t, err)
	defer again.Dispose()
	require.NoError(t, again.Open())
	v, err := again.CreateCommand("SELECT count(*) FROM t").ExecuteScalar()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}
