package sqlite

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/engine"
	"github.com/tomyedwab/litedb/metrics"
)

// DataReader steps the statements of a Command in order and exposes the
// columns of the current row. It is not safe for concurrent use.
type DataReader struct {
	cmd        *Command
	conn       *Connection
	handle     *Handle
	preparer   *Preparer
	behavior   CommandBehavior
	mode       Mode
	storeTicks bool
	crypt      ObjectCryptEngine
	backoff    Backoff
	log        *log.Entry

	startingChanges int
	index           int
	current         *StatementHandle
	hasRead         bool
	rowReturned     bool
	resultReturned  bool
	started         time.Time

	columns     []string
	columnTypes []*DbType
	columnIndex map[string]int

	captureRowID    bool
	lastInsertRowID int64
	closed          bool
}

func newDataReader(ctx context.Context, cmd *Command, behavior CommandBehavior) (*DataReader, error) {
	p, err := cmd.acquirePreparer()
	if err != nil {
		return nil, err
	}
	h := cmd.conn.handle
	changes, err := h.totalChanges(cmd.mode())
	if err != nil {
		p.Release()
		return nil, err
	}
	r := &DataReader{
		cmd:             cmd,
		conn:            cmd.conn,
		handle:          h,
		preparer:        p,
		behavior:        behavior,
		mode:            cmd.mode(),
		storeTicks:      h.StoreDateTimeAsTicks(),
		crypt:           cmd.crypt,
		backoff:         cmd.conn.cfg.backoff,
		log:             cmd.conn.log,
		startingChanges: changes,
		index:           -1,
		lastInsertRowID: -1,
	}
	if _, err := r.NextResultContext(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *DataReader) checkOpen() error {
	if r.closed {
		return NewStateError(ErrDisposed, "the data reader has been closed")
	}
	return nil
}

func (r *DataReader) checkHasResult() error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.current == nil {
		return NewStateError(ErrInvalidState, "There is no current result set.")
	}
	return nil
}

func (r *DataReader) checkRead() error {
	if err := r.checkHasResult(); err != nil {
		return err
	}
	if !r.hasRead {
		return NewStateError(ErrInvalidState, "Read must be called first.")
	}
	return nil
}

// reset rewinds the current statement and forgets the row state.
func (r *DataReader) reset() {
	if r.current != nil {
		r.current.reset()
		r.completeStatement()
	}
	r.current = nil
	r.columnIndex = nil
	r.columnTypes = nil
	r.hasRead = false
}

// completeStatement reports the time since the statement's first step.
func (r *DataReader) completeStatement() {
	if r.started.IsZero() {
		return
	}
	d := time.Since(r.started)
	r.started = time.Time{}
	metrics.StatementDurationSeconds.Observe(d.Seconds())
	r.conn.fireStatementCompleted(StatementCompletedEvent{SQL: r.current.SQL(), Duration: d})
}

func (r *DataReader) NextResult() (bool, error) {
	return r.NextResultContext(context.Background())
}

// NextResultContext advances to the next statement and binds the command's
// parameters to it. It returns false once no statements remain.
func (r *DataReader) NextResultContext(ctx context.Context) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	r.reset()
	if r.behavior.Has(BehaviorSingleResult) && r.resultReturned {
		return false, nil
	}
	r.index++
	stmt, err := r.preparer.Get(ctx, r.index)
	if err != nil {
		return false, err
	}
	if stmt == nil {
		return false, nil
	}
	r.current = stmt
	r.columns = nil
	if err := r.bindParameters(stmt); err != nil {
		stmt.reset()
		r.current = nil
		return false, err
	}
	return true, nil
}

func (r *DataReader) bindParameters(sh *StatementHandle) error {
	stmt := sh.Stmt()
	if err := stmt.ClearBindings(); err != nil {
		return NewEngineError(ErrInvalidParameter, err, r.handle.Path(), "failed to clear bindings")
	}
	for i, p := range r.cmd.params.All() {
		if p.Direction == DirectionOutput || p.Direction == DirectionReturnValue {
			continue
		}
		idx := bindIndex(stmt, p.Name, i+1)
		if idx <= 0 {
			continue
		}
		v, err := ValueOf(p.Value, p.DbType, r.storeTicks)
		if err != nil {
			return err
		}
		if err := v.bind(stmt, idx); err != nil {
			return NewEngineError(ErrInvalidParameter, err, r.handle.Path(), "failed to bind parameter '%s'", p.Name)
		}
	}
	return nil
}

// bindIndex resolves a parameter name to its 1-based position in stmt. A
// name is tried with its own marker first and then with each of '@', ':'
// and '$'. An unnamed parameter, or one whose name does not resolve while
// the statement has an anonymous parameter at that position, binds by
// position. It returns 0 if the parameter does not apply to stmt.
func bindIndex(stmt engine.Stmt, name string, position int) int {
	name = strings.TrimSpace(name)
	anonymousAt := func(pos int) bool {
		return pos <= stmt.BindParameterCount() && stmt.BindParameterName(pos) == ""
	}
	if name == "" {
		if anonymousAt(position) {
			return position
		}
		return 0
	}
	if strings.IndexByte(parameterMarkers, name[0]) >= 0 {
		if idx := stmt.BindParameterIndex(name); idx > 0 {
			return idx
		}
		name = name[1:]
	}
	for _, m := range parameterMarkers {
		if idx := stmt.BindParameterIndex(string(m) + name); idx > 0 {
			return idx
		}
	}
	if anonymousAt(position) {
		return position
	}
	return 0
}

func (r *DataReader) Read() (bool, error) {
	return r.ReadContext(context.Background())
}

// ReadContext advances to the next row of the current statement. Busy,
// Locked and CantOpen are retried after a randomized pause until ctx is
// done.
func (r *DataReader) ReadContext(ctx context.Context) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	if r.current == nil {
		return false, nil
	}
	if r.behavior.Has(BehaviorSingleRow) && r.rowReturned {
		r.reset()
		return false, nil
	}
	if !r.hasRead {
		if err := r.conn.SafeOpen(); err != nil {
			return false, err
		}
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, newCancelledError(err)
		}
		if r.started.IsZero() {
			r.started = time.Now()
		}
		row, rowid, err := r.handle.step(r.current, r.captureRowID)
		if r.captureRowID && rowid >= 0 {
			r.lastInsertRowID = rowid
		}
		if err == nil {
			if !row {
				r.reset()
				return false, nil
			}
			r.onRow()
			return true, nil
		}

		code := engine.CodeOf(err)
		switch {
		case code.IsRetryable():
			metrics.ContentionRetriesTotal.WithLabelValues(metrics.OpStep).Inc()
			r.log.WithFields(log.Fields{"err": err, "attempt": attempt}).Debug("step contention (will retry)")
			if err := sleepOrCancel(ctx, r.backoff, attempt); err != nil {
				return false, err
			}
		case code.Primary() == engine.ResultInterrupt:
			return false, newCancelledError(err)
		default:
			if _, ok := asError(err); ok {
				return false, err
			}
			return false, NewEngineError(ErrStep, err, r.handle.Path(), "failed to execute statement")
		}
	}
}

func (r *DataReader) onRow() {
	r.hasRead = true
	r.rowReturned = true
	r.resultReturned = true
	if r.columnTypes == nil {
		stmt := r.current.Stmt()
		n := stmt.ColumnCount()
		if r.columns == nil && n > 0 {
			for i := 0; i < n; i++ {
				r.columns = append(r.columns, stmt.ColumnName(i))
			}
		}
		r.columnTypes = make([]*DbType, n)
	}
}

// Close resets the current statement and releases the command's statements.
// With BehaviorCloseConnection the command is disposed and its connection
// closed.
func (r *DataReader) Close() error {
	if r.closed {
		return nil
	}
	r.reset()
	err := r.preparer.Release()
	r.closed = true
	if r.behavior.Has(BehaviorCloseConnection) {
		r.cmd.Dispose()
		if cerr := r.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (r *DataReader) IsClosed() bool { return r.closed }

// Columns are the column names of the current result set, known once it
// has returned a row.
func (r *DataReader) Columns() []string { return r.columns }

func (r *DataReader) FieldCount() int {
	if r.hasRead {
		return len(r.columnTypes)
	}
	if r.current == nil {
		return 0
	}
	return r.current.Stmt().ColumnCount()
}

// HasRows reports whether the current statement has returned a row.
func (r *DataReader) HasRows() bool { return r.hasRead }

// LastInsertRowID is the rowid captured by ExecuteReturnRowID, or -1.
func (r *DataReader) LastInsertRowID() int64 { return r.lastInsertRowID }

// RecordsAffected is the number of rows changed since the reader was created.
func (r *DataReader) RecordsAffected() int {
	n, err := r.handle.totalChanges(r.mode)
	if err != nil {
		return 0
	}
	return n - r.startingChanges
}

func (r *DataReader) checkColumn(i int) error {
	if i < 0 || i >= r.FieldCount() {
		return NewConfigurationError(ErrInvalidArgument, "value must be between 0 and %d.", r.FieldCount()-1)
	}
	return nil
}

// ColumnIndex finds a column by name, ignoring case.
func (r *DataReader) ColumnIndex(name string) (int, error) {
	if err := r.checkHasResult(); err != nil {
		return -1, err
	}
	if r.columnIndex == nil {
		stmt := r.current.Stmt()
		m := make(map[string]int, stmt.ColumnCount())
		for i := 0; i < stmt.ColumnCount(); i++ {
			m[strings.ToLower(stmt.ColumnName(i))] = i
		}
		r.columnIndex = m
	}
	i, ok := r.columnIndex[strings.ToLower(name)]
	if !ok {
		return -1, NewConfigurationError(ErrInvalidArgument, "The column name '%s' does not exist in the result set.", name)
	}
	return i, nil
}

func (r *DataReader) ColumnName(i int) (string, error) {
	if err := r.checkHasResult(); err != nil {
		return "", err
	}
	if err := r.checkColumn(i); err != nil {
		return "", err
	}
	return r.current.Stmt().ColumnName(i), nil
}

// ColumnType is the storage class of column i in the current row.
func (r *DataReader) ColumnType(i int) ColumnType {
	if r.current == nil {
		return ColumnTypeNone
	}
	return columnTypeOf(r.current.Stmt().ColumnType(i))
}

// ColumnDeclaredType is the lower-cased declared type of column i, or "".
func (r *DataReader) ColumnDeclaredType(i int) string {
	if r.current == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.current.Stmt().ColumnDeclType(i)))
}

// ColumnDbType resolves the DbType of column i from its declared type,
// falling back to the storage class of the current value.
func (r *DataReader) ColumnDbType(i int) (DbType, error) {
	if err := r.checkRead(); err != nil {
		return DbTypeUnknown, err
	}
	if err := r.checkColumn(i); err != nil {
		return DbTypeUnknown, err
	}
	var dt DbType
	if cached := r.columnTypes[i]; cached != nil {
		dt = *cached
	} else {
		resolved, err := ResolveDeclaredType(r.current.Stmt().ColumnDeclType(i))
		if err != nil {
			return DbTypeUnknown, err
		}
		r.columnTypes[i] = &resolved
		dt = resolved
	}
	if dt == DbTypeObject {
		dt = DbTypeForStorageClass(r.ColumnType(i))
	}
	return dt, nil
}

func (r *DataReader) IsDBNull(i int) (bool, error) {
	if err := r.checkRead(); err != nil {
		return false, err
	}
	if err := r.checkColumn(i); err != nil {
		return false, err
	}
	return r.current.Stmt().ColumnType(i) == engine.TypeNull, nil
}

// GetValue returns column i narrowed to the host type its DbType implies.
// NULL is returned as nil.
func (r *DataReader) GetValue(i int) (any, error) {
	dt, err := r.ColumnDbType(i)
	if err != nil {
		return nil, err
	}
	return columnValue(r.current.Stmt(), i, dt, r.storeTicks)
}

func (r *DataReader) GetValueByName(name string) (any, error) {
	i, err := r.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	return r.GetValue(i)
}

// GetValues fills dst with the current row and returns the count filled.
func (r *DataReader) GetValues(dst []any) (int, error) {
	n := r.FieldCount()
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		v, err := r.GetValue(i)
		if err != nil {
			return i, err
		}
		dst[i] = v
	}
	return n, nil
}

func (r *DataReader) nonNull(i int) (any, error) {
	v, err := r.GetValue(i)
	if err != nil {
		return nil, err
	}
	if v == nil {
		name, _ := r.ColumnName(i)
		return nil, NewDbNullError("the value of column '%s' is null", name)
	}
	return v, nil
}

func (r *DataReader) GetInt64(i int) (int64, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	return convertTo[int64](v)
}

func (r *DataReader) GetInt32(i int) (int32, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	return convertTo[int32](v)
}

func (r *DataReader) GetInt16(i int) (int16, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	return convertTo[int16](v)
}

func (r *DataReader) GetByte(i int) (uint8, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	return convertTo[uint8](v)
}

func (r *DataReader) GetBool(i int) (bool, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return false, err
	}
	return convertTo[bool](v)
}

func (r *DataReader) GetFloat64(i int) (float64, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	return convertTo[float64](v)
}

func (r *DataReader) GetFloat32(i int) (float32, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	return convertTo[float32](v)
}

// GetDecimal reads a numeric column as float64. Text values are parsed.
func (r *DataReader) GetDecimal(i int) (float64, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, conversionError(v, nil)
		}
		return f, nil
	}
	return convertTo[float64](v)
}

func (r *DataReader) GetString(i int) (string, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return "", err
	}
	return convertTo[string](v)
}

// GetBytes returns a blob column. NULL yields nil; other storage classes
// are an error.
func (r *DataReader) GetBytes(i int) ([]byte, error) {
	if err := r.checkRead(); err != nil {
		return nil, err
	}
	if err := r.checkColumn(i); err != nil {
		return nil, err
	}
	switch t := r.ColumnType(i); t {
	case ColumnTypeNull:
		return nil, nil
	case ColumnTypeBlob:
		b := r.current.Stmt().ColumnBlob(i)
		if b == nil {
			b = []byte{}
		}
		return b, nil
	default:
		return nil, NewConfigurationError(ErrUnsupportedType, "Cannot convert '%s' to bytes.", t)
	}
}

// GetGUID reads a unique identifier from a 16-byte blob or its text form.
func (r *DataReader) GetGUID(i int) (uuid.UUID, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return uuid.Nil, err
	}
	switch g := v.(type) {
	case uuid.UUID:
		return g, nil
	case []byte:
		id, err := uuid.FromBytes(g)
		if err != nil {
			return uuid.Nil, NewConfigurationError(ErrUnsupportedType, "invalid guid blob: %v", err)
		}
		return id, nil
	case string:
		id, err := uuid.Parse(g)
		if err != nil {
			return uuid.Nil, NewConfigurationError(ErrUnsupportedType, "invalid guid text: %v", err)
		}
		return id, nil
	}
	return uuid.Nil, conversionError(v, nil)
}

// GetDateTime reads a date stored as ticks or text. Ticks read back in UTC.
func (r *DataReader) GetDateTime(i int) (time.Time, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return TicksToTime(t), nil
	case string:
		if r.storeTicks {
			if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return TicksToTime(n), nil
			}
		}
		return ParseDateTime(t)
	}
	return time.Time{}, conversionError(v, nil)
}

// GetDateTimeOffset reads a date stored as text with its offset.
func (r *DataReader) GetDateTimeOffset(i int) (time.Time, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return ParseDateTime(t)
	case int64:
		return TicksToTime(t), nil
	}
	return time.Time{}, conversionError(v, nil)
}

// byName resolves name and applies get.
func byName[T any](r *DataReader, name string, get func(int) (T, error)) (T, error) {
	i, err := r.ColumnIndex(name)
	if err != nil {
		var zero T
		return zero, err
	}
	return get(i)
}

func (r *DataReader) GetInt64ByName(name string) (int64, error) { return byName(r, name, r.GetInt64) }

func (r *DataReader) GetInt32ByName(name string) (int32, error) { return byName(r, name, r.GetInt32) }

func (r *DataReader) GetInt16ByName(name string) (int16, error) { return byName(r, name, r.GetInt16) }

func (r *DataReader) GetByteByName(name string) (uint8, error) { return byName(r, name, r.GetByte) }

func (r *DataReader) GetBoolByName(name string) (bool, error) { return byName(r, name, r.GetBool) }

func (r *DataReader) GetFloat64ByName(name string) (float64, error) {
	return byName(r, name, r.GetFloat64)
}

func (r *DataReader) GetFloat32ByName(name string) (float32, error) {
	return byName(r, name, r.GetFloat32)
}

func (r *DataReader) GetDecimalByName(name string) (float64, error) {
	return byName(r, name, r.GetDecimal)
}

func (r *DataReader) GetStringByName(name string) (string, error) {
	return byName(r, name, r.GetString)
}

func (r *DataReader) GetBytesByName(name string) ([]byte, error) { return byName(r, name, r.GetBytes) }

func (r *DataReader) GetGUIDByName(name string) (uuid.UUID, error) {
	return byName(r, name, r.GetGUID)
}

func (r *DataReader) GetDateTimeByName(name string) (time.Time, error) {
	return byName(r, name, r.GetDateTime)
}

func (r *DataReader) GetDateTimeOffsetByName(name string) (time.Time, error) {
	return byName(r, name, r.GetDateTimeOffset)
}

func (r *DataReader) IsDBNullByName(name string) (bool, error) { return byName(r, name, r.IsDBNull) }

// GetDecrypted decrypts the text of column i into T. NULL fails unless
// policy is DbNullReturnDefault.
func GetDecrypted[T any](r *DataReader, i int, policy DbNullHandling) (T, error) {
	var zero T
	if r.crypt == nil {
		return zero, noCryptEngineError("data reader")
	}
	isNull, err := r.IsDBNull(i)
	if err != nil {
		return zero, err
	}
	if isNull {
		if policy == DbNullThrow {
			name, _ := r.ColumnName(i)
			return zero, NewDbNullError("the value of column '%s' is null", name)
		}
		return zero, nil
	}
	if r.ColumnType(i) != ColumnTypeText {
		return zero, NewCryptError(ErrUnsupportedType, nil, "The column value is not of the correct data type.")
	}
	return decryptAs[T](r.crypt, r.current.Stmt().ColumnText(i))
}

// GetDecryptedByName is GetDecrypted with the column found by name.
func GetDecryptedByName[T any](r *DataReader, name string, policy DbNullHandling) (T, error) {
	i, err := r.ColumnIndex(name)
	if err != nil {
		var zero T
		return zero, err
	}
	return GetDecrypted[T](r, i, policy)
}

// TryDecrypt decrypts column i into T and reports success. NULL and blank
// values succeed with the zero value unless failOnDbNull is set.
func TryDecrypt[T any](r *DataReader, i int, failOnDbNull bool) (T, bool) {
	var zero T
	isNull, err := r.IsDBNull(i)
	if err != nil {
		return zero, false
	}
	if isNull {
		return zero, !failOnDbNull
	}
	if r.crypt == nil || r.ColumnType(i) != ColumnTypeText {
		return zero, false
	}
	s := r.current.Stmt().ColumnText(i)
	if strings.TrimSpace(s) == "" {
		return zero, !failOnDbNull
	}
	v, err := decryptAs[T](r.crypt, s)
	if err != nil {
		return zero, false
	}
	return v, true
}
