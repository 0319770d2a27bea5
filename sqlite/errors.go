package sqlite

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tomyedwab/litedb/engine"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConfiguration represents invalid connection strings, identifiers
	// or arguments, detected before any native call
	ErrorTypeConfiguration
	// ErrorTypeState represents an operation invoked in the wrong connection,
	// reader or transaction state
	ErrorTypeState
	// ErrorTypeEngine represents a fatal native result code
	ErrorTypeEngine
	// ErrorTypeDbNull represents a NULL read without a default-value policy
	ErrorTypeDbNull
	// ErrorTypeModeMismatch represents use of a statement or handle in the
	// wrong normal/maintenance mode
	ErrorTypeModeMismatch
	// ErrorTypeCancelled represents a retry loop abandoned on cancellation
	ErrorTypeCancelled
	// ErrorTypeCrypt represents a missing or failing crypt engine
	ErrorTypeCrypt
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfiguration:
		return "configuration"
	case ErrorTypeState:
		return "state"
	case ErrorTypeEngine:
		return "engine"
	case ErrorTypeDbNull:
		return "dbnull"
	case ErrorTypeModeMismatch:
		return "mode mismatch"
	case ErrorTypeCancelled:
		return "cancelled"
	case ErrorTypeCrypt:
		return "crypt"
	}
	return "unknown"
}

// Error kinds. Every *Error carries one of these as its Kind so callers can
// match with errors.Is.
var (
	ErrEngineOpen           = errors.New("engine open failed")
	ErrEngineClose          = errors.New("engine close failed")
	ErrDuplicateHandle      = errors.New("duplicate database handle")
	ErrStatementPrepare     = errors.New("statement prepare failed")
	ErrUseAfterRelease      = errors.New("use after release")
	ErrModeMismatch         = errors.New("mode mismatch")
	ErrInvalidState         = errors.New("invalid state")
	ErrReadOnlyMismatch     = errors.New("read-only mismatch")
	ErrUnsupportedIsolation = errors.New("unsupported isolation level")
	ErrNotActiveTransaction = errors.New("not the active transaction")
	ErrNestedRollback       = errors.New("nested rollback")
	ErrAlreadyFinished      = errors.New("transaction already finished")
	ErrStep                 = errors.New("step failed")
	ErrNoCryptEngine        = errors.New("no crypt engine")
	ErrDbNull               = errors.New("value is null")
	ErrBackup               = errors.New("backup failed")
	ErrInvalidTableName     = errors.New("invalid table name")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrUnsupportedType      = errors.New("unsupported type")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrDisposed             = errors.New("object disposed")
	ErrCancelled            = errors.New("operation cancelled")
	ErrDecrypt              = errors.New("decryption failed")
)

// Error represents a structured driver error with type information
type Error struct {
	Type    ErrorType
	Kind    error
	Code    engine.ResultCode
	Message string
	Path    string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := "sqlite: " + e.Message
	if e.Code != engine.ResultOK {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the error's Kind, so errors.Is(err, ErrDuplicateHandle) works
// without unwrapping to a sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// IsType checks if the error is of a specific type
func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

func newError(t ErrorType, kind error, format string, args ...interface{}) *Error {
	return &Error{Type: t, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewConfigurationError creates an error for invalid input detected before
// any native call
func NewConfigurationError(kind error, format string, args ...interface{}) *Error {
	return newError(ErrorTypeConfiguration, kind, format, args...)
}

// NewStateError creates an error for an operation invoked in the wrong state
func NewStateError(kind error, format string, args ...interface{}) *Error {
	return newError(ErrorTypeState, kind, format, args...)
}

// NewEngineError wraps a native failure with its result code and, when set,
// the database path
func NewEngineError(kind error, cause error, path string, format string, args ...interface{}) *Error {
	e := newError(ErrorTypeEngine, kind, format, args...)
	e.Code = engine.CodeOf(cause)
	e.Path = path
	e.Cause = cause
	notifyLogHandler(e.Code, e.Error())
	return e
}

// NewModeMismatchError creates an error for use in the wrong handle mode
func NewModeMismatchError(format string, args ...interface{}) *Error {
	return newError(ErrorTypeModeMismatch, ErrModeMismatch, format, args...)
}

// NewDbNullError creates an error for reading NULL without a default policy
func NewDbNullError(format string, args ...interface{}) *Error {
	return newError(ErrorTypeDbNull, ErrDbNull, format, args...)
}

// NewCryptError creates a crypt-engine error, optionally wrapping a cause
func NewCryptError(kind error, cause error, format string, args ...interface{}) *Error {
	e := newError(ErrorTypeCrypt, kind, format, args...)
	e.Cause = cause
	return e
}

func newCancelledError(cause error) *Error {
	e := newError(ErrorTypeCancelled, ErrCancelled, "operation was cancelled")
	e.Cause = cause
	return e
}

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeConfiguration)
}

// IsStateError checks if an error is a state error
func IsStateError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeState)
}

// IsEngineError checks if an error carries a fatal native result code
func IsEngineError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeEngine)
}

// IsDbNullError checks if an error reports an unexpected NULL
func IsDbNullError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeDbNull)
}

// IsModeMismatchError checks if an error reports a normal/maintenance mismatch
func IsModeMismatchError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeModeMismatch)
}

// IsCancelledError checks if an error reports a cancelled retry loop
func IsCancelledError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeCancelled)
}

// IsCryptError checks if an error came from the crypt engine boundary
func IsCryptError(err error) bool {
	e, ok := asError(err)
	return ok && e.IsType(ErrorTypeCrypt)
}

// ResultCodeOf returns the native result code carried by err, or ResultOK.
func ResultCodeOf(err error) engine.ResultCode {
	if e, ok := asError(err); ok && e.Code != engine.ResultOK {
		return e.Code
	}
	if err == nil {
		return engine.ResultOK
	}
	return engine.CodeOf(err)
}
