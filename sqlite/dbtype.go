package sqlite

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tomyedwab/litedb/engine"
)

// DbType is the driver's abstract column type. It bridges declared column
// types, runtime storage classes and host value types.
type DbType int

const (
	DbTypeUnknown               DbType = -1
	DbTypeAnsiString            DbType = 0
	DbTypeBinary                DbType = 1
	DbTypeByte                  DbType = 2
	DbTypeBoolean               DbType = 3
	DbTypeCurrency              DbType = 4
	DbTypeDate                  DbType = 5
	DbTypeDateTime              DbType = 6
	DbTypeDecimal               DbType = 7
	DbTypeDouble                DbType = 8
	DbTypeGuid                  DbType = 9
	DbTypeInt16                 DbType = 10
	DbTypeInt32                 DbType = 11
	DbTypeInt64                 DbType = 12
	DbTypeObject                DbType = 13
	DbTypeSByte                 DbType = 14
	DbTypeSingle                DbType = 15
	DbTypeString                DbType = 16
	DbTypeTime                  DbType = 17
	DbTypeUInt16                DbType = 18
	DbTypeUInt32                DbType = 19
	DbTypeUInt64                DbType = 20
	DbTypeVarNumeric            DbType = 21
	DbTypeAnsiStringFixedLength DbType = 22
	DbTypeStringFixedLength     DbType = 23
	DbTypeXML                   DbType = 25
	DbTypeDateTime2             DbType = 26
	DbTypeDateTimeOffset        DbType = 27
	// DbTypeEncrypted columns hold crypt engine output and are stored as text.
	DbTypeEncrypted DbType = 28
)

var dbTypeNames = map[DbType]string{
	DbTypeUnknown:               "Unknown",
	DbTypeAnsiString:            "AnsiString",
	DbTypeBinary:                "Binary",
	DbTypeByte:                  "Byte",
	DbTypeBoolean:               "Boolean",
	DbTypeCurrency:              "Currency",
	DbTypeDate:                  "Date",
	DbTypeDateTime:              "DateTime",
	DbTypeDecimal:               "Decimal",
	DbTypeDouble:                "Double",
	DbTypeGuid:                  "Guid",
	DbTypeInt16:                 "Int16",
	DbTypeInt32:                 "Int32",
	DbTypeInt64:                 "Int64",
	DbTypeObject:                "Object",
	DbTypeSByte:                 "SByte",
	DbTypeSingle:                "Single",
	DbTypeString:                "String",
	DbTypeTime:                  "Time",
	DbTypeUInt16:                "UInt16",
	DbTypeUInt32:                "UInt32",
	DbTypeUInt64:                "UInt64",
	DbTypeVarNumeric:            "VarNumeric",
	DbTypeAnsiStringFixedLength: "AnsiStringFixedLength",
	DbTypeStringFixedLength:     "StringFixedLength",
	DbTypeXML:                   "Xml",
	DbTypeDateTime2:             "DateTime2",
	DbTypeDateTimeOffset:        "DateTimeOffset",
	DbTypeEncrypted:             "Encrypted",
}

func (t DbType) String() string {
	if name, ok := dbTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DbType(%d)", int(t))
}

// ColumnType extends the engine's storage classes with the driver's
// converted date kinds.
type ColumnType int

const (
	ColumnTypeNone               ColumnType = 0
	ColumnTypeInteger            ColumnType = 1
	ColumnTypeDouble             ColumnType = 2
	ColumnTypeText               ColumnType = 3
	ColumnTypeBlob               ColumnType = 4
	ColumnTypeNull               ColumnType = 5
	ColumnTypeConvDateTime       ColumnType = 6
	ColumnTypeConvDateTimeOffset ColumnType = 7
)

var columnTypeNames = [...]string{"None", "Integer", "Double", "Text", "Blob", "Null", "ConvDateTime", "ConvDateTimeOffset"}

func (t ColumnType) String() string {
	if t >= 0 && int(t) < len(columnTypeNames) {
		return columnTypeNames[t]
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

func columnTypeOf(t engine.ColumnType) ColumnType {
	switch t {
	case engine.TypeInteger:
		return ColumnTypeInteger
	case engine.TypeFloat:
		return ColumnTypeDouble
	case engine.TypeText:
		return ColumnTypeText
	case engine.TypeBlob:
		return ColumnTypeBlob
	case engine.TypeNull:
		return ColumnTypeNull
	}
	return ColumnTypeNone
}

// storageClassDbType is the DbType used when a column has no declared type.
var storageClassDbType = map[ColumnType]DbType{
	ColumnTypeInteger: DbTypeInt64,
	ColumnTypeBlob:    DbTypeBinary,
	ColumnTypeText:    DbTypeString,
	ColumnTypeDouble:  DbTypeDouble,
	ColumnTypeNull:    DbTypeObject,
}

// DbTypeForStorageClass maps a storage class to its default DbType.
func DbTypeForStorageClass(t ColumnType) DbType {
	if dt, ok := storageClassDbType[t]; ok {
		return dt
	}
	return DbTypeObject
}

// declaredTypes maps lower-cased declared type names to DbTypes.
var declaredTypes = map[string]DbType{
	"bigint":           DbTypeInt64,
	"bit":              DbTypeBoolean,
	"blob":             DbTypeBinary,
	"bool":             DbTypeBoolean,
	"boolean":          DbTypeBoolean,
	"datetime":         DbTypeDateTime,
	"double":           DbTypeDouble,
	"float":            DbTypeDouble,
	"guid":             DbTypeGuid,
	"int":              DbTypeInt32,
	"integer":          DbTypeInt64,
	"long":             DbTypeInt64,
	"real":             DbTypeDouble,
	"single":           DbTypeSingle,
	"string":           DbTypeString,
	"text":             DbTypeString,
	"counter":          DbTypeInt64,
	"autoincrement":    DbTypeInt64,
	"identity":         DbTypeInt64,
	"longtext":         DbTypeString,
	"longchar":         DbTypeString,
	"longvarchar":      DbTypeString,
	"tinyint":          DbTypeByte,
	"varchar":          DbTypeString,
	"nvarchar":         DbTypeString,
	"char":             DbTypeString,
	"nchar":            DbTypeString,
	"ntext":            DbTypeString,
	"yesno":            DbTypeBoolean,
	"logical":          DbTypeBoolean,
	"numeric":          DbTypeDecimal,
	"decimal":          DbTypeDecimal,
	"money":            DbTypeDecimal,
	"currency":         DbTypeDecimal,
	"time":             DbTypeDateTime,
	"date":             DbTypeDateTime,
	"smalldate":        DbTypeDateTime,
	"binary":           DbTypeBinary,
	"varbinary":        DbTypeBinary,
	"image":            DbTypeBinary,
	"general":          DbTypeBinary,
	"oleobject":        DbTypeBinary,
	"guidblob":         DbTypeGuid,
	"uniqueidentifier": DbTypeGuid,
	"memo":             DbTypeString,
	"note":             DbTypeString,
	"smallint":         DbTypeInt16,
	"timestamp":        DbTypeDateTime,
	"encrypted":        DbTypeEncrypted,
	"datetimeoffset":   DbTypeDateTimeOffset,
}

// sizeSuffix matches a trailing length or precision such as "(255)" or "(10, 2)".
var sizeSuffix = regexp.MustCompile(`\s*\(\s*\d+\s*(,\s*\d+\s*)?\)\s*$`)

// declaredTypeCache memoizes ResolveDeclaredType. Declared type names repeat
// for every column of every reader, and normalizing them is not free.
var declaredTypeCache, _ = lru.New(512)

type declaredTypeResult struct {
	dbType DbType
	err    error
}

// ResolveDeclaredType maps a declared column type to a DbType. A blank name
// resolves to DbTypeObject, meaning "use the storage class". An unknown name
// is an error.
func ResolveDeclaredType(declType string) (DbType, error) {
	if v, ok := declaredTypeCache.Get(declType); ok {
		r := v.(declaredTypeResult)
		return r.dbType, r.err
	}
	dt, err := resolveDeclaredType(declType)
	declaredTypeCache.Add(declType, declaredTypeResult{dbType: dt, err: err})
	return dt, err
}

func resolveDeclaredType(declType string) (DbType, error) {
	name := strings.ToLower(strings.TrimSpace(declType))
	if name == "" {
		return DbTypeObject, nil
	}
	name = sizeSuffix.ReplaceAllString(name, "")
	if dt, ok := declaredTypes[name]; ok {
		return dt, nil
	}
	return DbTypeUnknown, NewConfigurationError(ErrUnsupportedType,
		"The declared data type name '%s' is not supported.", declType)
}
