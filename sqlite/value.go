package sqlite

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/litedb/engine"
)

// ValueKind tags the variants of Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt64
	KindDouble
	KindText
	KindBytes
	KindDateTimeTicks
	KindDateTimeText
	KindGuid
)

var valueKindNames = [...]string{"Null", "Bool", "Int64", "Double", "Text", "Bytes", "DateTimeTicks", "DateTimeText", "Guid"}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// Value is a host value converted into the form it is bound with.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    []byte
	t    time.Time
	g    uuid.UUID
}

func NullValue() Value { return Value{kind: KindNull} }

func BoolValue(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

func Int64Value(i int64) Value { return Value{kind: KindInt64, i: i} }

func DoubleValue(f float64) Value { return Value{kind: KindDouble, f: f} }

func TextValue(s string) Value { return Value{kind: KindText, s: s} }

func BytesValue(b []byte) Value { return Value{kind: KindBytes, b: b} }

// DateTimeTicksValue binds t as an integer tick count.
func DateTimeTicksValue(t time.Time) Value { return Value{kind: KindDateTimeTicks, t: t} }

// DateTimeTextValue binds t as formatted text.
func DateTimeTextValue(t time.Time) Value { return Value{kind: KindDateTimeText, t: t} }

// GuidValue binds g as a 16-byte blob.
func GuidValue(g uuid.UUID) Value { return Value{kind: KindGuid, g: g} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface returns the host form of v.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.i != 0
	case KindInt64:
		return v.i
	case KindDouble:
		return v.f
	case KindText:
		return v.s
	case KindBytes:
		return v.b
	case KindDateTimeTicks, KindDateTimeText:
		return v.t
	case KindGuid:
		return v.g
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindDateTimeTicks:
		return strconv.FormatInt(TimeToTicks(v.t), 10)
	case KindDateTimeText:
		return FormatDateTime(v.t)
	}
	return fmt.Sprint(v.Interface())
}

// bind binds v to parameter i (1-based) of stmt.
func (v Value) bind(stmt engine.Stmt, i int) error {
	switch v.kind {
	case KindNull:
		return stmt.BindNull(i)
	case KindBool, KindInt64:
		return stmt.BindInt64(i, v.i)
	case KindDouble:
		return stmt.BindDouble(i, v.f)
	case KindText:
		return stmt.BindText(i, v.s)
	case KindBytes:
		return stmt.BindBlob(i, v.b)
	case KindDateTimeTicks:
		return stmt.BindInt64(i, TimeToTicks(v.t))
	case KindDateTimeText:
		return stmt.BindText(i, FormatDateTime(v.t))
	case KindGuid:
		return stmt.BindBlob(i, v.g[:])
	}
	return NewConfigurationError(ErrUnsupportedType, "cannot bind a value of kind %s", v.kind)
}

func uintValue(u uint64) Value {
	if u > math.MaxInt64 {
		return TextValue(strconv.FormatUint(u, 10))
	}
	return Int64Value(int64(u))
}

func dateTimeValue(t time.Time, hint DbType, storeTicks bool) Value {
	if storeTicks && hint != DbTypeDateTimeOffset {
		return DateTimeTicksValue(t)
	}
	return DateTimeTextValue(t)
}

// ValueOf converts a host value to a Value. Dates become ticks when
// storeTicks is set, except when hint is DbTypeDateTimeOffset. Types with
// no direct mapping are bound as their fmt.Sprint text.
func ValueOf(x any, hint DbType, storeTicks bool) (Value, error) {
	switch x := x.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return x, nil
	case bool:
		return BoolValue(x), nil
	case int:
		return Int64Value(int64(x)), nil
	case int8:
		return Int64Value(int64(x)), nil
	case int16:
		return Int64Value(int64(x)), nil
	case int32:
		return Int64Value(int64(x)), nil
	case int64:
		return Int64Value(x), nil
	case uint:
		return uintValue(uint64(x)), nil
	case uint8:
		return Int64Value(int64(x)), nil
	case uint16:
		return Int64Value(int64(x)), nil
	case uint32:
		return Int64Value(int64(x)), nil
	case uint64:
		return uintValue(x), nil
	case float32:
		return DoubleValue(float64(x)), nil
	case float64:
		return DoubleValue(x), nil
	case string:
		return TextValue(x), nil
	case []byte:
		if x == nil {
			return NullValue(), nil
		}
		return BytesValue(x), nil
	case time.Time:
		return dateTimeValue(x, hint, storeTicks), nil
	case uuid.UUID:
		return GuidValue(x), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return Value{}, NewConfigurationError(ErrInvalidParameter, "failed to convert %T: %v", x, err)
		}
		if _, again := dv.(driver.Valuer); again {
			return TextValue(fmt.Sprint(dv)), nil
		}
		return ValueOf(dv, hint, storeTicks)
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return NullValue(), nil
		}
		return ValueOf(rv.Elem().Interface(), hint, storeTicks)
	case reflect.Bool:
		return BoolValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int64Value(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return uintValue(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return DoubleValue(rv.Float()), nil
	case reflect.String:
		return TextValue(rv.String()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.IsNil() {
				return NullValue(), nil
			}
			return BytesValue(rv.Bytes()), nil
		}
	}
	return TextValue(fmt.Sprint(x)), nil
}

var float32Type = reflect.TypeOf(float32(0))

// columnValue reads column i of the current row of stmt, narrowed by the
// storage class and dbType.
func columnValue(stmt engine.Stmt, i int, dbType DbType, storeTicks bool) (any, error) {
	switch stmt.ColumnType(i) {
	case engine.TypeNull:
		return nil, nil

	case engine.TypeBlob:
		b := stmt.ColumnBlob(i)
		if dbType == DbTypeGuid && len(b) == 16 {
			g, err := uuid.FromBytes(b)
			if err != nil {
				return nil, NewConfigurationError(ErrUnsupportedType, "invalid guid blob: %v", err)
			}
			return g, nil
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil

	case engine.TypeFloat:
		f := stmt.ColumnDouble(i)
		if dbType == DbTypeSingle && !reflect.Zero(float32Type).OverflowFloat(f) {
			return float32(f), nil
		}
		return f, nil

	case engine.TypeInteger:
		n := stmt.ColumnInt64(i)
		// Values that do not fit the declared width are returned as int64.
		switch dbType {
		case DbTypeInt32:
			if n >= math.MinInt32 && n <= math.MaxInt32 {
				return int32(n), nil
			}
		case DbTypeBoolean:
			return n != 0, nil
		case DbTypeInt16:
			if n >= math.MinInt16 && n <= math.MaxInt16 {
				return int16(n), nil
			}
		case DbTypeByte:
			if n >= 0 && n <= math.MaxUint8 {
				return uint8(n), nil
			}
		case DbTypeSingle:
			return float32(n), nil
		case DbTypeDouble:
			return float64(n), nil
		case DbTypeDateTime:
			if storeTicks {
				return TicksToTime(n), nil
			}
		}
		return n, nil

	case engine.TypeText:
		s := stmt.ColumnText(i)
		switch dbType {
		case DbTypeDateTime, DbTypeDateTimeOffset:
			if dbType == DbTypeDateTime && storeTicks {
				return parseTicksText(s), nil
			}
			t, err := ParseDateTime(s)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		return s, nil
	}
	return nil, NewConfigurationError(ErrUnsupportedType, "unknown storage class for column %d", i)
}
