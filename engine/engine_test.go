package engine

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, name string) DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	db, err := Native.Open(path, OpenReadWrite|OpenCreate, "")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func execAll(t *testing.T, db DB, query string) {
	t.Helper()
	for query != "" {
		stmt, rest, err := db.Prepare(query)
		require.NoError(t, err)
		if stmt != nil {
			_, err = stmt.Step()
			require.NoError(t, err)
			require.NoError(t, stmt.Finalize())
		}
		query = rest
	}
}

func TestResultCodeClassification(t *testing.T) {
	for _, rc := range []ResultCode{ResultOK, ResultRow, ResultDone} {
		assert.True(t, rc.IsSuccess(), rc.String())
		assert.False(t, rc.IsRetryable(), rc.String())
	}
	for _, rc := range []ResultCode{ResultBusy, ResultLocked, ResultCantOpen} {
		assert.True(t, rc.IsRetryable(), rc.String())
		assert.False(t, rc.IsSuccess(), rc.String())
	}
	assert.False(t, ResultConstraint.IsSuccess())
	assert.False(t, ResultConstraint.IsRetryable())

	// Extended codes classify by their primary code.
	assert.True(t, ResultCode(5|(1<<8)).IsRetryable())
	assert.Equal(t, "Busy", ResultCode(5|(1<<8)).String())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ResultOK, CodeOf(nil))
	assert.Equal(t, ResultBusy, CodeOf(&Error{Code: ResultBusy, Msg: "database is locked"}))
	assert.Equal(t, ResultLocked, CodeOf(ResultLocked))
	assert.Equal(t, ResultError, CodeOf(errors.New("boom")))
	assert.True(t, errors.Is(&Error{Code: ResultBusy}, ResultBusy))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "engine: Busy", ResultBusy.Error())
	assert.Equal(t, "engine: Busy", (&Error{Code: ResultBusy}).Error())
	assert.Equal(t, "engine: Busy: database is locked", (&Error{Code: ResultBusy, Msg: "database is locked"}).Error())
}

func TestPrepareChainsStatements(t *testing.T) {
	db := openTestDB(t, "chain.db")

	stmt, rest, err := db.Prepare("CREATE TABLE a (x INTEGER); INSERT INTO a VALUES (1);  ")
	require.NoError(t, err)
	require.NotNil(t, stmt)
	assert.Equal(t, " INSERT INTO a VALUES (1);  ", rest)
	_, err = stmt.Step()
	require.NoError(t, err)
	require.NoError(t, stmt.Finalize())

	stmt, rest, err = db.Prepare(rest)
	require.NoError(t, err)
	require.NotNil(t, stmt)
	assert.Equal(t, "  ", rest)
	_, err = stmt.Step()
	require.NoError(t, err)
	require.NoError(t, stmt.Finalize())

	// Only whitespace is left: no statement and no error.
	stmt, rest, err = db.Prepare(rest)
	require.NoError(t, err)
	assert.Nil(t, stmt)
	assert.Equal(t, "", rest)

	assert.Equal(t, int64(1), db.LastInsertRowID())
	assert.Equal(t, 1, db.TotalChanges())
}

func TestBindAndReadColumns(t *testing.T) {
	db := openTestDB(t, "bind.db")
	execAll(t, db, "CREATE TABLE t (i INTEGER, f REAL, s TEXT, b BLOB, n TEXT);")

	ins, _, err := db.Prepare("INSERT INTO t (i, f, s, b, n) VALUES (@i, :f, $s, ?, @n)")
	require.NoError(t, err)
	assert.Equal(t, 5, ins.BindParameterCount())
	assert.Equal(t, 1, ins.BindParameterIndex("@i"))
	assert.Equal(t, 2, ins.BindParameterIndex(":f"))
	assert.Equal(t, 3, ins.BindParameterIndex("$s"))
	assert.Equal(t, 0, ins.BindParameterIndex("@missing"))
	assert.Equal(t, "", ins.BindParameterName(4))
	assert.Equal(t, "@n", ins.BindParameterName(5))

	require.NoError(t, ins.BindInt64(1, 42))
	require.NoError(t, ins.BindDouble(2, 2.5))
	require.NoError(t, ins.BindText(3, "héllo"))
	require.NoError(t, ins.BindBlob(4, []byte{1, 2, 3}))
	require.NoError(t, ins.BindNull(5))
	row, err := ins.Step()
	require.NoError(t, err)
	assert.False(t, row)
	require.NoError(t, ins.Reset())
	require.NoError(t, ins.ClearBindings())
	require.NoError(t, ins.Finalize())
	require.NoError(t, ins.Finalize(), "second finalize is a no-op")

	sel, _, err := db.Prepare("SELECT i, f, s, b, n FROM t")
	require.NoError(t, err)
	defer sel.Finalize()

	row, err = sel.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, 5, sel.ColumnCount())
	assert.Equal(t, "s", sel.ColumnName(2))
	assert.Equal(t, "INTEGER", sel.ColumnDeclType(0))
	assert.Equal(t, "BLOB", sel.ColumnDeclType(3))

	assert.Equal(t, TypeInteger, sel.ColumnType(0))
	assert.Equal(t, TypeFloat, sel.ColumnType(1))
	assert.Equal(t, TypeText, sel.ColumnType(2))
	assert.Equal(t, TypeBlob, sel.ColumnType(3))
	assert.Equal(t, TypeNull, sel.ColumnType(4))

	assert.Equal(t, int64(42), sel.ColumnInt64(0))
	assert.Equal(t, 2.5, sel.ColumnDouble(1))
	assert.Equal(t, "héllo", sel.ColumnText(2))
	assert.Equal(t, []byte{1, 2, 3}, sel.ColumnBlob(3))
	assert.Equal(t, 3, sel.ColumnBytes(3))

	row, err = sel.Step()
	require.NoError(t, err)
	assert.False(t, row)
}

func TestStepReportsConstraint(t *testing.T) {
	db := openTestDB(t, "constraint.db")
	execAll(t, db, "CREATE TABLE u (id INTEGER PRIMARY KEY, v TEXT NOT NULL);")

	stmt, _, err := db.Prepare("INSERT INTO u (id, v) VALUES (1, NULL)")
	require.NoError(t, err)
	defer stmt.Finalize()
	_, err = stmt.Step()
	require.Error(t, err)
	assert.Equal(t, ResultConstraint, CodeOf(err).Primary())
	assert.Contains(t, err.Error(), "NOT NULL")
}

func TestPrepareSyntaxError(t *testing.T) {
	db := openTestDB(t, "syntax.db")
	_, _, err := db.Prepare("SELEKT 1")
	require.Error(t, err)
	assert.Equal(t, ResultError, CodeOf(err))
	assert.Contains(t, db.ErrMsg(), "syntax error")
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	rw, err := Native.Open(path, OpenReadWrite|OpenCreate, "")
	require.NoError(t, err)
	execAll(t, rw, "CREATE TABLE t (x);")
	assert.Equal(t, 0, rw.ReadOnly("main"))
	assert.Equal(t, -1, rw.ReadOnly("nope"))
	require.NoError(t, rw.Close())

	ro, err := Native.Open(path, OpenReadOnly, "")
	require.NoError(t, err)
	defer ro.Close()
	assert.Equal(t, 1, ro.ReadOnly("main"))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Native.Open(filepath.Join(t.TempDir(), "missing", "x.db"), OpenReadWrite, "")
	require.Error(t, err)
	assert.Equal(t, ResultCantOpen, CodeOf(err))
}

func TestBackupCopiesPages(t *testing.T) {
	src := openTestDB(t, "src.db")
	dst := openTestDB(t, "dst.db")
	execAll(t, src, "CREATE TABLE t (x TEXT); INSERT INTO t VALUES ('a'); INSERT INTO t VALUES ('b');")

	_, err := src.BackupInit("main", src, "main")
	require.Error(t, err)

	b, err := dst.BackupInit("main", src, "main")
	require.NoError(t, err)
	var done bool
	for !done {
		done, err = b.Step(1)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, b.Remaining())
	assert.True(t, b.PageCount() > 0)
	require.NoError(t, b.Finish())

	stmt, _, err := dst.Prepare("SELECT count(*) FROM t")
	require.NoError(t, err)
	defer stmt.Finalize()
	row, err := stmt.Step()
	require.NoError(t, err)
	require.True(t, row)
	assert.Equal(t, int64(2), stmt.ColumnInt64(0))
}

func TestLockPairOrdersByAddress(t *testing.T) {
	a := openTestDB(t, "a.db").(*nativeDB)
	b := openTestDB(t, "b.db").(*nativeDB)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, pair := range [][2]*nativeDB{{a, b}, {b, a}} {
			wg.Add(1)
			go func(x, y *nativeDB) {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					lockPair(x, y)()
				}
			}(pair[0], pair[1])
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("backups in opposite directions deadlocked")
	}
}

func TestCloseWithOutstandingStatement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zombie.db")
	db, err := Native.Open(path, OpenReadWrite|OpenCreate, "")
	require.NoError(t, err)
	stmt, _, err := db.Prepare("SELECT 1")
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, stmt.Finalize())
	require.NoError(t, db.Close(), "second close is a no-op")
	db.Interrupt()
}
