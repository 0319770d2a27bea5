package sqlite

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Connection string keys, in canonical spelling.
const (
	KeyDataSource           = "Data Source"
	KeyCacheSize            = "Cache Size"
	KeyDefaultTimeout       = "Default Timeout"
	KeyBusyTimeout          = "Busy Timeout"
	KeyForeignKeys          = "Foreign Keys"
	KeyStoreDateTimeAsTicks = "Store DateTime As Ticks"
	KeyFailIfMissing        = "FailIfMissing"
	KeyJournalMode          = "Journal Mode"
	KeyMmapSize             = "_MmapSize"
	KeyPageSize             = "Page Size"
	KeyPassword             = "Password"
	KeyReadOnly             = "Read Only"
	KeySynchronous          = "Synchronous"
	KeyTempStore            = "_TempStore"
)

var canonicalKeys = map[string]string{
	"data source":             KeyDataSource,
	"database file path":      KeyDataSource,
	"cache size":              KeyCacheSize,
	"default timeout":         KeyDefaultTimeout,
	"busy timeout":            KeyBusyTimeout,
	"foreign keys":            KeyForeignKeys,
	"store datetime as ticks": KeyStoreDateTimeAsTicks,
	"failifmissing":           KeyFailIfMissing,
	"journal mode":            KeyJournalMode,
	"_mmapsize":               KeyMmapSize,
	"mmap size":               KeyMmapSize,
	"page size":               KeyPageSize,
	"password":                KeyPassword,
	"read only":               KeyReadOnly,
	"synchronous":             KeySynchronous,
	"_tempstore":              KeyTempStore,
	"temp store":              KeyTempStore,
}

func canonicalKey(key string) string {
	key = strings.TrimSpace(key)
	if k, ok := canonicalKeys[strings.ToLower(key)]; ok {
		return k
	}
	return key
}

// JournalMode is the value of the journal_mode pragma.
type JournalMode int

const (
	JournalModeDefault  JournalMode = -1
	JournalModeDelete   JournalMode = 0
	JournalModePersist  JournalMode = 1
	JournalModeOff      JournalMode = 2
	JournalModeTruncate JournalMode = 3
	JournalModeMemory   JournalMode = 4
	JournalModeWal      JournalMode = 5
)

var journalModeNames = map[JournalMode]string{
	JournalModeDefault:  "Default",
	JournalModeDelete:   "Delete",
	JournalModePersist:  "Persist",
	JournalModeOff:      "Off",
	JournalModeTruncate: "Truncate",
	JournalModeMemory:   "Memory",
	JournalModeWal:      "Wal",
}

func (m JournalMode) String() string { return enumName(journalModeNames, m) }

// SyncMode is the value of the synchronous pragma.
type SyncMode int

const (
	SyncModeOff    SyncMode = 0
	SyncModeNormal SyncMode = 1
	SyncModeFull   SyncMode = 2
)

var syncModeNames = map[SyncMode]string{
	SyncModeOff:    "Off",
	SyncModeNormal: "Normal",
	SyncModeFull:   "Full",
}

func (m SyncMode) String() string { return enumName(syncModeNames, m) }

// TempStore is the value of the temp_store pragma.
type TempStore int

const (
	TempStoreDefault TempStore = 0
	TempStoreFile    TempStore = 1
	TempStoreMemory  TempStore = 2
)

var tempStoreNames = map[TempStore]string{
	TempStoreDefault: "Default",
	TempStoreFile:    "File",
	TempStoreMemory:  "Memory",
}

func (s TempStore) String() string { return enumName(tempStoreNames, s) }

func enumName[T ~int](names map[T]string, v T) string {
	if name, ok := names[v]; ok {
		return name
	}
	return strconv.Itoa(int(v))
}

func parseEnum[T ~int](names map[T]string, s string) (T, error) {
	s = strings.TrimSpace(s)
	for v, name := range names {
		if strings.EqualFold(name, s) {
			return v, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := names[T(n)]; ok {
			return T(n), nil
		}
	}
	return 0, fmt.Errorf("'%s' is not a valid value", s)
}

// enumDecodeHook lets mapstructure decode enum names.
func enumDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	switch to {
	case reflect.TypeOf(JournalModeDefault):
		return parseEnum(journalModeNames, s)
	case reflect.TypeOf(SyncModeNormal):
		return parseEnum(syncModeNames, s)
	case reflect.TypeOf(TempStoreDefault):
		return parseEnum(tempStoreNames, s)
	}
	return data, nil
}

// ConnectionOptions is the typed form of a connection string.
type ConnectionOptions struct {
	DataSource           string      `mapstructure:"Data Source"`
	CacheSize            int         `mapstructure:"Cache Size"`
	DefaultTimeout       int         `mapstructure:"Default Timeout"`
	BusyTimeout          int         `mapstructure:"Busy Timeout"`
	ForeignKeys          bool        `mapstructure:"Foreign Keys"`
	StoreDateTimeAsTicks bool        `mapstructure:"Store DateTime As Ticks"`
	FailIfMissing        bool        `mapstructure:"FailIfMissing"`
	JournalMode          JournalMode `mapstructure:"Journal Mode"`
	MmapSize             int64       `mapstructure:"_MmapSize"`
	PageSize             int         `mapstructure:"Page Size"`
	// Password is accepted and carried but not used.
	Password  string    `mapstructure:"Password"`
	ReadOnly  bool      `mapstructure:"Read Only"`
	SyncMode  SyncMode  `mapstructure:"Synchronous"`
	TempStore TempStore `mapstructure:"_TempStore"`
}

// ConnectionStringBuilder holds the key/value pairs of a connection string.
// Keys are matched without case and stored in canonical spelling.
type ConnectionStringBuilder struct {
	keys   []string
	values map[string]string
}

func NewConnectionStringBuilder() *ConnectionStringBuilder {
	return &ConnectionStringBuilder{values: make(map[string]string)}
}

// ParseConnectionString parses "key=value;key=value" text. Values may be
// wrapped in single or double quotes, with the quote doubled to escape it.
func ParseConnectionString(s string) (*ConnectionStringBuilder, error) {
	b := NewConnectionStringBuilder()
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ';' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, NewConfigurationError(ErrInvalidArgument,
				"Format of the initialization string does not conform to specification starting at index %d.", i)
		}
		key := strings.TrimSpace(s[i : i+eq])
		if key == "" {
			return nil, NewConfigurationError(ErrInvalidArgument,
				"Format of the initialization string does not conform to specification starting at index %d.", i)
		}
		i += eq + 1
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}

		var value string
		if i < len(s) && (s[i] == '"' || s[i] == '\'') {
			quote := s[i]
			i++
			var sb strings.Builder
			closed := false
			for i < len(s) {
				if s[i] == quote {
					if i+1 < len(s) && s[i+1] == quote {
						sb.WriteByte(quote)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, NewConfigurationError(ErrInvalidArgument, "unterminated quoted value for key '%s'", key)
			}
			value = sb.String()
			for i < len(s) && s[i] != ';' {
				if s[i] != ' ' && s[i] != '\t' {
					return nil, NewConfigurationError(ErrInvalidArgument,
						"Format of the initialization string does not conform to specification starting at index %d.", i)
				}
				i++
			}
		} else {
			end := strings.IndexByte(s[i:], ';')
			if end < 0 {
				end = len(s) - i
			}
			value = strings.TrimSpace(s[i : i+end])
			i += end
		}
		b.Set(key, value)
	}
	return b, nil
}

// Set stores value under key, replacing any earlier value.
func (b *ConnectionStringBuilder) Set(key string, value any) {
	key = canonicalKey(key)
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = fmt.Sprint(value)
}

func (b *ConnectionStringBuilder) Get(key string) (string, bool) {
	v, ok := b.values[canonicalKey(key)]
	return v, ok
}

// Has reports whether key was given explicitly.
func (b *ConnectionStringBuilder) Has(key string) bool {
	_, ok := b.values[canonicalKey(key)]
	return ok
}

func (b *ConnectionStringBuilder) Remove(key string) {
	key = canonicalKey(key)
	if _, ok := b.values[key]; !ok {
		return
	}
	delete(b.values, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in the order they were first set.
func (b *ConnectionStringBuilder) Keys() []string {
	return append([]string(nil), b.keys...)
}

func (b *ConnectionStringBuilder) DataSource() string {
	v, _ := b.Get(KeyDataSource)
	return v
}

// String renders the canonical connection string.
func (b *ConnectionStringBuilder) String() string {
	parts := make([]string, 0, len(b.keys))
	for _, k := range b.keys {
		parts = append(parts, k+"="+quoteConnectionValue(b.values[k]))
	}
	return strings.Join(parts, ";")
}

func quoteConnectionValue(v string) string {
	if v == "" || (!strings.ContainsAny(v, ";'\"=") && strings.TrimSpace(v) == v) {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// Options decodes the builder into ConnectionOptions. Absent keys take
// their defaults: dates stored as ticks, default journal mode, normal
// synchronous mode.
func (b *ConnectionStringBuilder) Options() (ConnectionOptions, error) {
	opts := ConnectionOptions{
		StoreDateTimeAsTicks: true,
		JournalMode:          JournalModeDefault,
		SyncMode:             SyncModeNormal,
		TempStore:            TempStoreDefault,
	}
	in := make(map[string]interface{}, len(b.values))
	for k, v := range b.values {
		in[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       enumDecodeHook,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, NewConfigurationError(ErrInvalidArgument, "failed to build connection string decoder: %v", err)
	}
	if err := dec.Decode(in); err != nil {
		return opts, NewConfigurationError(ErrInvalidArgument, "invalid connection string: %v", err)
	}
	return opts, nil
}

// fileConnectionString is the connection string used when a connection is
// created from a bare file path.
func fileConnectionString(path string, readWrite bool) *ConnectionStringBuilder {
	b := NewConnectionStringBuilder()
	b.Set(KeyBusyTimeout, 100)
	b.Set(KeyDataSource, path)
	if readWrite {
		b.Set(KeyJournalMode, JournalModeWal)
	} else {
		b.Set(KeyJournalMode, JournalModeDefault)
	}
	b.Set(KeyStoreDateTimeAsTicks, true)
	return b
}
