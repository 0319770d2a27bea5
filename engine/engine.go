// Package engine is the boundary between the driver and the native SQL
// engine. The driver talks to the engine only through the Opener, DB, Stmt
// and Backup interfaces declared here.
package engine

import (
	"errors"
	"fmt"
)

// ResultCode is a primary result code returned by the native engine.
type ResultCode int32

const (
	ResultOK         ResultCode = 0
	ResultError      ResultCode = 1
	ResultInternal   ResultCode = 2
	ResultPerm       ResultCode = 3
	ResultAbort      ResultCode = 4
	ResultBusy       ResultCode = 5
	ResultLocked     ResultCode = 6
	ResultNoMem      ResultCode = 7
	ResultReadOnly   ResultCode = 8
	ResultInterrupt  ResultCode = 9
	ResultIoErr      ResultCode = 10
	ResultCorrupt    ResultCode = 11
	ResultNotFound   ResultCode = 12
	ResultFull       ResultCode = 13
	ResultCantOpen   ResultCode = 14
	ResultProtocol   ResultCode = 15
	ResultEmpty      ResultCode = 16
	ResultSchema     ResultCode = 17
	ResultTooBig     ResultCode = 18
	ResultConstraint ResultCode = 19
	ResultMismatch   ResultCode = 20
	ResultMisuse     ResultCode = 21
	ResultNoLfs      ResultCode = 22
	ResultAuth       ResultCode = 23
	ResultFormat     ResultCode = 24
	ResultRange      ResultCode = 25
	ResultNotADB     ResultCode = 26
	ResultNotice     ResultCode = 27
	ResultWarning    ResultCode = 28
	ResultRow        ResultCode = 100
	ResultDone       ResultCode = 101
)

var resultCodeNames = map[ResultCode]string{
	ResultOK:         "Ok",
	ResultError:      "Error",
	ResultInternal:   "Internal",
	ResultPerm:       "Perm",
	ResultAbort:      "Abort",
	ResultBusy:       "Busy",
	ResultLocked:     "Locked",
	ResultNoMem:      "NoMem",
	ResultReadOnly:   "ReadOnly",
	ResultInterrupt:  "Interrupt",
	ResultIoErr:      "IoErr",
	ResultCorrupt:    "Corrupt",
	ResultNotFound:   "NotFound",
	ResultFull:       "Full",
	ResultCantOpen:   "CantOpen",
	ResultProtocol:   "Protocol",
	ResultEmpty:      "Empty",
	ResultSchema:     "Schema",
	ResultTooBig:     "TooBig",
	ResultConstraint: "Constraint",
	ResultMismatch:   "Mismatch",
	ResultMisuse:     "Misuse",
	ResultNoLfs:      "NoLfs",
	ResultAuth:       "Auth",
	ResultFormat:     "Format",
	ResultRange:      "Range",
	ResultNotADB:     "NotADB",
	ResultNotice:     "Notice",
	ResultWarning:    "Warning",
	ResultRow:        "Row",
	ResultDone:       "Done",
}

// Primary strips the extended bits from a result code.
func (r ResultCode) Primary() ResultCode { return r & 0xff }

func (r ResultCode) String() string {
	if name, ok := resultCodeNames[r.Primary()]; ok {
		return name
	}
	return fmt.Sprintf("ResultCode(%d)", int32(r))
}

// Error implements error so that a bare code can be returned by the engine.
func (r ResultCode) Error() string {
	return "engine: " + r.String()
}

// Error is a failed native call: the result code plus the engine's message.
type Error struct {
	Code ResultCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.Error()
	}
	return fmt.Sprintf("engine: %s: %s", e.Code.String(), e.Msg)
}

// Unwrap exposes the code so that errors.Is(err, ResultBusy) works.
func (e *Error) Unwrap() error { return e.Code }

// CodeOf extracts the result code carried by err. A nil error is ResultOK
// and an error from outside the engine is ResultError.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var rc ResultCode
	if errors.As(err, &rc) {
		return rc
	}
	return ResultError
}

// IsSuccess reports whether the code is one of Ok, Row or Done.
func (r ResultCode) IsSuccess() bool {
	switch r.Primary() {
	case ResultOK, ResultRow, ResultDone:
		return true
	}
	return false
}

// IsRetryable reports whether the code signals transient contention that
// the caller may retry after a short sleep.
func (r ResultCode) IsRetryable() bool {
	switch r.Primary() {
	case ResultBusy, ResultLocked, ResultCantOpen:
		return true
	}
	return false
}

// OpenFlags are passed unchanged to the native open call.
type OpenFlags int32

const (
	OpenReadOnly     OpenFlags = 0x00000001
	OpenReadWrite    OpenFlags = 0x00000002
	OpenCreate       OpenFlags = 0x00000004
	OpenURI          OpenFlags = 0x00000040
	OpenMemory       OpenFlags = 0x00000080
	OpenNoMutex      OpenFlags = 0x00008000
	OpenFullMutex    OpenFlags = 0x00010000
	OpenSharedCache  OpenFlags = 0x00020000
	OpenPrivateCache OpenFlags = 0x00040000
)

// Has reports whether every bit of f2 is set in f.
func (f OpenFlags) Has(f2 OpenFlags) bool { return f&f2 == f2 }

// ColumnType is the storage class of a value in the current row.
type ColumnType int

const (
	TypeInteger ColumnType = 1
	TypeFloat   ColumnType = 2
	TypeText    ColumnType = 3
	TypeBlob    ColumnType = 4
	TypeNull    ColumnType = 5
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeNull:
		return "NULL"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// Opener creates native database connections.
type Opener interface {
	Open(filename string, flags OpenFlags, vfs string) (DB, error)
}

// DB is a single native database connection. Implementations need not be
// safe for concurrent use except for Interrupt.
type DB interface {
	// Close closes the connection. Outstanding statements become invalid.
	Close() error
	// Interrupt causes pending operations on the connection to abort with
	// Interrupt at the earliest opportunity. Safe to call concurrently.
	Interrupt()
	// ErrMsg is the English text of the most recent failure.
	ErrMsg() string
	// Errcode is the result code of the most recent failure.
	Errcode() ResultCode
	// Prepare compiles the first statement of query. It returns the
	// uncompiled remainder. The returned Stmt is nil when the consumed text
	// held only whitespace or comments.
	Prepare(query string) (stmt Stmt, remaining string, err error)
	LastInsertRowID() int64
	TotalChanges() int
	BusyTimeout(d int)
	// ReadOnly reports whether the named schema ("main", "temp", ...) was
	// opened read-only. It returns -1 when name is not a schema.
	ReadOnly(name string) int
	// BackupInit starts copying srcName of src into destName of this DB.
	BackupInit(destName string, src DB, srcName string) (Backup, error)
}

// Stmt is a compiled native statement.
type Stmt interface {
	Finalize() error
	Reset() error
	ClearBindings() error
	// Step advances the statement. row is true if a row is ready.
	Step() (row bool, err error)

	BindNull(i int) error
	BindInt64(i int, v int64) error
	BindDouble(i int, v float64) error
	BindText(i int, v string) error
	BindBlob(i int, v []byte) error
	BindParameterCount() int
	// BindParameterIndex returns 0 if name is not a parameter.
	BindParameterIndex(name string) int
	BindParameterName(i int) string

	ColumnCount() int
	ColumnName(i int) string
	ColumnType(i int) ColumnType
	ColumnDeclType(i int) string
	ColumnInt64(i int) int64
	ColumnDouble(i int) float64
	ColumnText(i int) string
	ColumnBlob(i int) []byte
	ColumnBytes(i int) int
}

// Backup is an in-progress online page copy.
type Backup interface {
	// Step copies up to pages pages. done is true once everything is copied.
	Step(pages int) (done bool, err error)
	Remaining() int
	PageCount() int
	Finish() error
}
