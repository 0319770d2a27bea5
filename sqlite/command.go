package sqlite

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// CommandBehavior flags tune how a reader runs a command.
type CommandBehavior int

const (
	BehaviorDefault          CommandBehavior = 0
	BehaviorSingleResult     CommandBehavior = 1
	BehaviorSchemaOnly       CommandBehavior = 2
	BehaviorKeyInfo          CommandBehavior = 4
	BehaviorSingleRow        CommandBehavior = 8
	BehaviorSequentialAccess CommandBehavior = 16
	BehaviorCloseConnection  CommandBehavior = 32
)

func (b CommandBehavior) Has(flag CommandBehavior) bool { return b&flag == flag }

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithTransaction binds the command to tx, which must be the connection's
// active transaction when the command runs.
func WithTransaction(tx *Transaction) CommandOption {
	return func(c *Command) { c.tx = tx }
}

// WithCommandCryptEngine overrides the connection's crypt engine.
func WithCommandCryptEngine(e ObjectCryptEngine) CommandOption {
	return func(c *Command) { c.crypt = e }
}

// ForMaintenance compiles and runs the command in maintenance mode.
func ForMaintenance() CommandOption {
	return func(c *Command) { c.forMaintenance = true }
}

// Command is SQL text plus parameters bound to a Connection. The text may
// hold several statements, which run in order. A Command is not safe for
// concurrent use.
type Command struct {
	conn           *Connection
	text           string
	tx             *Transaction
	crypt          ObjectCryptEngine
	forMaintenance bool
	params         ParameterCollection
	preparer       *Preparer
	disposed       bool
}

// NewCommand returns a command for text on conn.
func NewCommand(text string, conn *Connection, opts ...CommandOption) *Command {
	c := &Command{conn: conn, text: strings.TrimSpace(text)}
	if conn != nil {
		c.crypt = conn.cfg.crypt
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Command) Connection() *Connection { return c.conn }

func (c *Command) Transaction() *Transaction { return c.tx }

// SetTransaction rebinds the command to tx.
func (c *Command) SetTransaction(tx *Transaction) { c.tx = tx }

func (c *Command) CommandText() string { return c.text }

// SetCommandText replaces the text and drops the compiled statements.
func (c *Command) SetCommandText(text string) error {
	c.text = strings.TrimSpace(text)
	return c.releasePreparer()
}

func (c *Command) Parameters() *ParameterCollection { return &c.params }

func (c *Command) mode() Mode {
	if c.forMaintenance {
		return ModeMaintenance
	}
	return ModeNormal
}

// AddEncryptedParameter encrypts p's value with the crypt engine and adds it
// as a String parameter.
func (c *Command) AddEncryptedParameter(p *Parameter) error {
	if c.crypt == nil {
		return noCryptEngineError("command")
	}
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return NewConfigurationError(ErrInvalidParameter, "The parameter name appears to be invalid.")
	}
	if p.Direction != 0 && p.Direction != DirectionInput {
		return NewConfigurationError(ErrInvalidParameter, "Only Input parameters can be encrypted.")
	}
	enc, err := c.crypt.EncryptObject(p.Value)
	if err != nil {
		return NewCryptError(ErrDecrypt, err, "failed to encrypt parameter '%s'", p.Name)
	}
	_, err = c.params.Add(&Parameter{Name: p.Name, Value: enc, DbType: DbTypeString, Direction: DirectionInput})
	return err
}

func (c *Command) validate(openIfClosed bool) error {
	if c.disposed {
		return NewStateError(ErrDisposed, "the command has been disposed")
	}
	if c.conn == nil {
		return NewStateError(ErrInvalidState, "Connection property must be non-null.")
	}
	if openIfClosed {
		if err := c.conn.SafeOpen(); err != nil {
			return err
		}
	}
	if st := c.conn.State(); st != StateOpen && st != StateConnecting {
		return NewStateError(ErrInvalidState, "Connection must be Open; current state is %s.", st)
	}
	if c.tx != c.conn.currentTransaction() {
		return NewStateError(ErrNotActiveTransaction,
			"The transaction associated with this command is not the connection's active transaction.")
	}
	if c.text == "" {
		return NewConfigurationError(ErrInvalidArgument, "CommandText must be specified")
	}
	return nil
}

// Prepare creates the statement preparer. Statements compile lazily.
func (c *Command) Prepare() error {
	if c.preparer != nil {
		return nil
	}
	if c.conn == nil {
		return NewStateError(ErrInvalidState, "The database connection has not been properly set.")
	}
	c.preparer = newPreparer(c.conn.handle, c.mode(), c.text, c.conn.cfg.backoff)
	return nil
}

// acquirePreparer returns the preparer with a reference taken for a reader.
func (c *Command) acquirePreparer() (*Preparer, error) {
	if c.preparer == nil {
		if err := c.validate(true); err != nil {
			return nil, err
		}
		if err := c.Prepare(); err != nil {
			return nil, err
		}
	}
	if err := c.preparer.AddRef(); err != nil {
		return nil, err
	}
	return c.preparer, nil
}

func (c *Command) releasePreparer() error {
	if c.preparer == nil {
		return nil
	}
	p := c.preparer
	c.preparer = nil
	return p.Release()
}

// Dispose releases the command's compiled statements.
func (c *Command) Dispose() error {
	if c.disposed {
		return nil
	}
	c.disposed = true
	return c.releasePreparer()
}

func (c *Command) ExecuteReader(behavior CommandBehavior) (*DataReader, error) {
	return c.ExecuteReaderContext(context.Background(), behavior)
}

// ExecuteReaderContext runs the command and returns a reader positioned on
// its first statement.
func (c *Command) ExecuteReaderContext(ctx context.Context, behavior CommandBehavior) (*DataReader, error) {
	if err := c.validate(false); err != nil {
		return nil, err
	}
	if err := c.Prepare(); err != nil {
		return nil, err
	}
	return newDataReader(ctx, c, behavior)
}

func (c *Command) ExecuteNonQuery() (int, error) {
	return c.ExecuteNonQueryContext(context.Background())
}

// ExecuteNonQueryContext runs every statement and returns the number of rows
// changed.
func (c *Command) ExecuteNonQueryContext(ctx context.Context) (int, error) {
	r, err := c.drain(ctx, false)
	if err != nil {
		return 0, err
	}
	return r.RecordsAffected(), r.Close()
}

func (c *Command) ExecuteReturnRowID() (int64, error) {
	return c.ExecuteReturnRowIDContext(context.Background())
}

// ExecuteReturnRowIDContext runs every statement and returns the last
// inserted rowid.
func (c *Command) ExecuteReturnRowIDContext(ctx context.Context) (int64, error) {
	r, err := c.drain(ctx, true)
	if err != nil {
		return 0, err
	}
	return r.LastInsertRowID(), r.Close()
}

// ExecResult reports what a fully drained command changed.
type ExecResult struct {
	RecordsAffected int
	// LastInsertRowID is the connection's last inserted rowid after the final
	// step, or -1 when no statement ran.
	LastInsertRowID int64
}

// ExecuteResultContext runs every statement and returns both the rows
// changed and the last inserted rowid.
func (c *Command) ExecuteResultContext(ctx context.Context) (ExecResult, error) {
	r, err := c.drain(ctx, true)
	if err != nil {
		return ExecResult{}, err
	}
	res := ExecResult{RecordsAffected: r.RecordsAffected(), LastInsertRowID: r.LastInsertRowID()}
	return res, r.Close()
}

// drain steps every statement to completion. The reader is left open.
func (c *Command) drain(ctx context.Context, captureRowID bool) (*DataReader, error) {
	r, err := c.ExecuteReaderContext(ctx, BehaviorDefault)
	if err != nil {
		return nil, err
	}
	r.captureRowID = captureRowID
	for {
		for {
			ok, err := r.ReadContext(ctx)
			if err != nil {
				r.Close()
				return nil, err
			}
			if !ok {
				break
			}
		}
		more, err := r.NextResultContext(ctx)
		if err != nil {
			r.Close()
			return nil, err
		}
		if !more {
			return r, nil
		}
	}
}

func (c *Command) ExecuteScalar() (any, error) {
	return c.ExecuteScalarContext(context.Background())
}

// ExecuteScalarContext returns the first column of the first row, or nil if
// no statement produced a row.
func (c *Command) ExecuteScalarContext(ctx context.Context) (any, error) {
	r, err := c.ExecuteReaderContext(ctx, BehaviorSingleResult|BehaviorSingleRow)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for {
		ok, err := r.ReadContext(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return r.GetValue(0)
		}
		more, err := r.NextResultContext(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, nil
		}
	}
}

// ExecuteScalarAs runs cmd and converts its scalar result to T. A NULL or
// missing result fails unless policy is DbNullReturnDefault.
func ExecuteScalarAs[T any](ctx context.Context, cmd *Command, policy DbNullHandling) (T, error) {
	var zero T
	v, err := cmd.ExecuteScalarContext(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		if policy == DbNullThrow {
			return zero, NewDbNullError("the scalar result of the command is null")
		}
		return zero, nil
	}
	return convertTo[T](v)
}

// ExecuteDecrypt runs cmd and decrypts its scalar text result into T.
func ExecuteDecrypt[T any](ctx context.Context, cmd *Command, policy DbNullHandling) (T, error) {
	var zero T
	if cmd.crypt == nil {
		return zero, noCryptEngineError("command")
	}
	v, err := cmd.ExecuteScalarContext(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		if policy == DbNullThrow {
			return zero, NewDbNullError("the scalar result of the command is null")
		}
		return zero, nil
	}
	return decryptAs[T](cmd.crypt, fmt.Sprint(v))
}

// convertTo converts a column value to T. Numeric kinds convert among
// themselves and strings parse into numbers, bools and times.
func convertTo[T any](v any) (T, error) {
	var out T
	if t, ok := v.(T); ok {
		return t, nil
	}
	target := reflect.TypeOf(&out).Elem()
	src := reflect.ValueOf(v)

	if s, ok := v.(string); ok {
		switch target.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return out, conversionError(v, target)
			}
			src = reflect.ValueOf(n)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return out, conversionError(v, target)
			}
			src = reflect.ValueOf(n)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return out, conversionError(v, target)
			}
			src = reflect.ValueOf(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return out, conversionError(v, target)
			}
			src = reflect.ValueOf(b)
		}
		if target == reflect.TypeOf(time.Time{}) {
			t, err := ParseDateTime(s)
			if err != nil {
				return out, err
			}
			src = reflect.ValueOf(t)
		}
	}
	if b, ok := v.(bool); ok && target.Kind() != reflect.Bool && target.Kind() != reflect.String && target.Kind() != reflect.Interface {
		n := int64(0)
		if b {
			n = 1
		}
		src = reflect.ValueOf(n)
	}
	if target.Kind() == reflect.Bool && src.CanInt() {
		src = reflect.ValueOf(src.Int() != 0)
	}
	if target.Kind() == reflect.String && src.Kind() != reflect.String {
		text := fmt.Sprint(src.Interface())
		if b, ok := v.([]byte); ok {
			text = string(b)
		}
		reflect.ValueOf(&out).Elem().SetString(text)
		return out, nil
	}
	if !src.Type().ConvertibleTo(target) {
		return out, conversionError(v, target)
	}
	if overflows(src, target) {
		return out, NewConfigurationError(ErrUnsupportedType, "value %v overflows %s", v, target)
	}
	reflect.ValueOf(&out).Elem().Set(src.Convert(target))
	return out, nil
}

// overflows reports whether converting numeric src to target would lose the
// integer part of the value. Fractions may be truncated.
func overflows(src reflect.Value, target reflect.Type) bool {
	dst := reflect.Zero(target)
	switch {
	case src.CanInt():
		n := src.Int()
		switch {
		case dst.CanInt():
			return dst.OverflowInt(n)
		case dst.CanUint():
			return n < 0 || dst.OverflowUint(uint64(n))
		}
	case src.CanUint():
		u := src.Uint()
		switch {
		case dst.CanInt():
			return u > math.MaxInt64 || dst.OverflowInt(int64(u))
		case dst.CanUint():
			return dst.OverflowUint(u)
		}
	case src.CanFloat():
		f := src.Float()
		switch {
		case dst.CanInt():
			return math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 || dst.OverflowInt(int64(f))
		case dst.CanUint():
			return math.IsNaN(f) || f <= -1 || f >= math.MaxUint64 || dst.OverflowUint(uint64(f))
		case dst.CanFloat():
			return dst.OverflowFloat(f)
		}
	}
	return false
}

func conversionError(v any, target reflect.Type) *Error {
	return NewConfigurationError(ErrUnsupportedType, "cannot convert %T value '%v' to %s", v, v, target)
}
