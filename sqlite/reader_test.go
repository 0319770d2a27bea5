package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *DataReader) [][]any {
	t.Helper()
	var rows [][]any
	for {
		ok, err := r.Read()
		require.NoError(t, err)
		if !ok {
			return rows
		}
		row := make([]any, r.FieldCount())
		_, err = r.GetValues(row)
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestReaderTypedGetters(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, `CREATE TABLE typed (
		id INTEGER PRIMARY KEY,
		small SMALLINT,
		tiny TINYINT,
		flag BOOLEAN,
		ratio REAL,
		single SINGLE,
		price DECIMAL(10,2),
		name VARCHAR(20),
		data BLOB,
		guid UNIQUEIDENTIFIER,
		missing TEXT
	)`)

	g := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	mustExec(t, conn, `INSERT INTO typed (small, tiny, flag, ratio, single, price, name, data, guid, missing)
		VALUES (@small, @tiny, @flag, @ratio, @single, @price, @name, @data, @guid, NULL)`,
		"@small", int16(-3), "@tiny", uint8(200), "@flag", true, "@ratio", 0.25, "@single", float32(1.5),
		"@price", 12.75, "@name", "widget", "@data", []byte{0xde, 0xad}, "@guid", g)

	r, err := conn.CreateCommand("SELECT * FROM typed").ExecuteReader(BehaviorDefault)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.GetInt64(0)
	assert.Contains(t, err.Error(), "Read must be called first.")

	ok, err := r.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.HasRows())
	assert.Equal(t, 11, r.FieldCount())

	id, err := r.GetInt64ByName("ID")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	small, err := r.GetInt16ByName("small")
	require.NoError(t, err)
	assert.Equal(t, int16(-3), small)

	tiny, err := r.GetByteByName("tiny")
	require.NoError(t, err)
	assert.Equal(t, uint8(200), tiny)

	flag, err := r.GetBoolByName("flag")
	require.NoError(t, err)
	assert.True(t, flag)

	ratio, err := r.GetFloat64ByName("ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.25, ratio)

	single, err := r.GetFloat32ByName("single")
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), single)

	price, err := r.GetDecimalByName("price")
	require.NoError(t, err)
	assert.Equal(t, 12.75, price)

	name, err := r.GetStringByName("name")
	require.NoError(t, err)
	assert.Equal(t, "widget", name)

	data, err := r.GetBytesByName("data")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, data)

	got, err := r.GetGUIDByName("guid")
	require.NoError(t, err)
	assert.Equal(t, g, got)
	v, err := r.GetValueByName("guid")
	require.NoError(t, err)
	assert.Equal(t, g, v)

	isNull, err := r.IsDBNullByName("missing")
	require.NoError(t, err)
	assert.True(t, isNull)
	_, err = r.GetStringByName("missing")
	assert.True(t, IsDbNullError(err))
	b, err := r.GetBytesByName("missing")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = r.GetBytesByName("name")
	assert.Contains(t, err.Error(), "Cannot convert 'Text' to bytes.")

	_, err = r.ColumnIndex("nope")
	assert.Contains(t, err.Error(), "The column name 'nope' does not exist in the result set.")
	_, err = r.GetValue(11)
	assert.True(t, IsConfigurationError(err))

	dt, err := r.ColumnDbType(0)
	require.NoError(t, err)
	assert.Equal(t, DbTypeInt64, dt)
	dt, err = r.ColumnDbType(7)
	require.NoError(t, err)
	assert.Equal(t, DbTypeString, dt)
	assert.Equal(t, "varchar(20)", r.ColumnDeclaredType(7))
	assert.Equal(t, ColumnTypeBlob, r.ColumnType(8))

	ok, err = r.Read()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReaderUnsupportedDeclaredType(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, "CREATE TABLE odd (v VARIANT); INSERT INTO odd VALUES (1);")

	r, err := conn.CreateCommand("SELECT v FROM odd").ExecuteReader(BehaviorDefault)
	require.NoError(t, err)
	defer r.Close()
	ok, err := r.Read()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.GetValue(0)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, ColumnTypeInteger, r.ColumnType(0))
}

func TestReaderMultipleResults(t *testing.T) {
	conn, _ := setupTestConnection(t)

	r, err := conn.CreateCommand("SELECT 1 AS a UNION ALL SELECT 2; SELECT 'x' AS b;").ExecuteReader(BehaviorDefault)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, readAll(t, r))
	assert.Equal(t, []string{"a"}, r.Columns())
	more, err := r.NextResult()
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, [][]any{{"x"}}, readAll(t, r))
	assert.Equal(t, []string{"b"}, r.Columns())
	more, err = r.NextResult()
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"b"}, r.Columns())
}

func TestReaderSingleRowAndSingleResult(t *testing.T) {
	conn, _ := setupTestConnection(t)
	sql := "SELECT 1 UNION ALL SELECT 2; SELECT 3;"

	r, err := conn.CreateCommand(sql).ExecuteReader(BehaviorSingleRow)
	require.NoError(t, err)
	assert.Len(t, readAll(t, r), 1)
	require.NoError(t, r.Close())

	r, err = conn.CreateCommand(sql).ExecuteReader(BehaviorSingleResult)
	require.NoError(t, err)
	assert.Len(t, readAll(t, r), 2)
	more, err := r.NextResult()
	require.NoError(t, err)
	assert.False(t, more)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Read()
	assert.True(t, IsStateError(err))
}

func TestReaderCloseConnection(t *testing.T) {
	conn, _ := setupTestConnection(t)
	cmd := conn.CreateCommand("SELECT 1")
	r, err := cmd.ExecuteReader(BehaviorCloseConnection)
	require.NoError(t, err)
	readAll(t, r)
	require.NoError(t, r.Close())
	assert.True(t, r.IsClosed())
	assert.Equal(t, StateClosed, conn.State())

	_, err = cmd.ExecuteScalar()
	assert.Error(t, err)
}

func TestReaderRecordsAffected(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, "CREATE TABLE t (v INT)")

	r, err := conn.CreateCommand("INSERT INTO t VALUES (1); INSERT INTO t VALUES (2); SELECT count(*) FROM t;").ExecuteReader(BehaviorDefault)
	require.NoError(t, err)
	defer r.Close()
	for {
		readAll(t, r)
		more, err := r.NextResult()
		require.NoError(t, err)
		if !more {
			break
		}
	}
	assert.Equal(t, 2, r.RecordsAffected())
	assert.Equal(t, int64(-1), r.LastInsertRowID())
}

func TestDateTimeRoundTrip(t *testing.T) {
	ts := time.Date(2023, 11, 5, 8, 15, 30, 123456700, time.UTC)
	offset := time.Date(2023, 11, 5, 8, 15, 30, 0, time.FixedZone("", 3*3600))

	for _, ticks := range []bool{true, false} {
		t.Run(fmt.Sprintf("ticks=%v", ticks), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dates.db")
			conn, err := NewConnection(fmt.Sprintf("Data Source=%s;Store DateTime As Ticks=%v", path, ticks),
				WithRegistry(NewRegistry()))
			require.NoError(t, err)
			defer conn.Dispose()
			require.NoError(t, conn.Open())

			mustExec(t, conn, "CREATE TABLE d (id INTEGER PRIMARY KEY, at DATETIME, zoned DATETIMEOFFSET, n INTEGER, s TEXT)")
			cmd := conn.CreateCommand("INSERT INTO d (at, zoned, n, s) VALUES (@at, @zoned, @n, @s)")
			require.NoError(t, cmd.Parameters().AddRange(
				NewParameter("@at", ts),
				&Parameter{Name: "@zoned", Value: offset, DbType: DbTypeDateTimeOffset},
				NewParameter("@n", int64(1)<<40),
				NewParameter("@s", "héllo"),
			))
			_, err = cmd.ExecuteNonQuery()
			require.NoError(t, err)
			require.NoError(t, cmd.Dispose())

			r, err := conn.CreateCommand("SELECT at, zoned, n, s, typeof(at) FROM d").ExecuteReader(BehaviorDefault)
			require.NoError(t, err)
			defer r.Close()
			ok, err := r.Read()
			require.NoError(t, err)
			require.True(t, ok)

			at, err := r.GetDateTime(0)
			require.NoError(t, err)
			assert.True(t, at.Equal(ts), "got %s", at)

			zoned, err := r.GetDateTimeOffset(1)
			require.NoError(t, err)
			assert.True(t, zoned.Equal(offset))
			_, off := zoned.Zone()
			assert.Equal(t, 3*3600, off)

			n, err := r.GetInt64(2)
			require.NoError(t, err)
			assert.Equal(t, int64(1)<<40, n)

			s, err := r.GetString(3)
			require.NoError(t, err)
			assert.Equal(t, "héllo", s)

			storage, err := r.GetString(4)
			require.NoError(t, err)
			if ticks {
				assert.Equal(t, "integer", storage)
			} else {
				assert.Equal(t, "text", storage)
			}
		})
	}
}

func TestReaderClosedConnectionReopens(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, "CREATE TABLE t (v INT); INSERT INTO t VALUES (5);")

	// Closing the handle behind the connection's back is repaired on the
	// next state check.
	_, err := conn.Handle().Close()
	require.NoError(t, err)

	v, err := ExecuteScalarAs[int32](context.Background(), conn.CreateCommand("SELECT v FROM t"), DbNullThrow)
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
}

func TestReaderNarrowGettersRejectOverflow(t *testing.T) {
	conn, _ := setupTestConnection(t)
	mustExec(t, conn, "CREATE TABLE wide (i INT, s SMALLINT, b TINYINT, big INTEGER, r REAL)")
	mustExec(t, conn, "INSERT INTO wide VALUES (5000000000, 40000, -1, 5000000000, 1e300)")

	r, err := conn.CreateCommand("SELECT * FROM wide").ExecuteReader(BehaviorDefault)
	require.NoError(t, err)
	defer r.Close()
	ok, err := r.Read()
	require.NoError(t, err)
	require.True(t, ok)

	v, err := r.GetValue(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5000000000), v, "values wider than the declared type are not wrapped")

	for name, get := range map[string]func() (any, error){
		"int32":       func() (any, error) { return r.GetInt32(0) },
		"int16":       func() (any, error) { return r.GetInt16(1) },
		"byte":        func() (any, error) { return r.GetByte(2) },
		"int32 big":   func() (any, error) { return r.GetInt32(3) },
		"int16 big":   func() (any, error) { return r.GetInt16(3) },
		"byte big":    func() (any, error) { return r.GetByte(3) },
		"float32":     func() (any, error) { return r.GetFloat32(4) },
		"int64 float": func() (any, error) { return r.GetInt64(4) },
	} {
		_, err := get()
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrUnsupportedType), name)
		assert.Contains(t, err.Error(), "overflows", name)
	}

	n, err := r.GetInt64(3)
	require.NoError(t, err)
	assert.Equal(t, int64(5000000000), n)
	f, err := r.GetFloat64(4)
	require.NoError(t, err)
	assert.Equal(t, 1e300, f)
}
