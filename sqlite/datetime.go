package sqlite

import (
	"strconv"
	"strings"
	"time"
)

// Ticks count 100ns intervals since 0001-01-01T00:00:00Z.
const (
	ticksPerSecond = 10_000_000
	unixEpochTicks = 621_355_968_000_000_000
	nanosPerTick   = 100
	dateTimeLayout = "2006-01-02 15:04:05.9999999Z07:00"
)

// TimeToTicks converts t to ticks of its UTC instant.
func TimeToTicks(t time.Time) int64 {
	return t.Unix()*ticksPerSecond + int64(t.Nanosecond()/nanosPerTick) + unixEpochTicks
}

// TicksToTime converts ticks back to a UTC time.
func TicksToTime(ticks int64) time.Time {
	d := ticks - unixEpochTicks
	sec, rem := d/ticksPerSecond, d%ticksPerSecond
	if rem < 0 {
		rem += ticksPerSecond
		sec--
	}
	return time.Unix(sec, rem*nanosPerTick).UTC()
}

// FormatDateTime renders t as stored text. UTC renders with a "Z" suffix,
// other zones with their numeric offset.
func FormatDateTime(t time.Time) string {
	return t.Format(dateTimeLayout)
}

// dateTimeLayouts are the accepted text forms, tried in order. Zoned forms
// come first. A fractional second may follow any seconds field.
var dateTimeLayouts = []string{
	"T150405Z07:00",
	"T1504Z07:00",
	"15:04:05Z07:00",
	"15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"20060102150405Z07:00",
	"200601021504Z07:00",
	"20060102T150405Z07:00",
	"T150405",
	"T1504",
	"15:04:05",
	"15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"20060102150405",
	"200601021504",
	"20060102T150405",
	"2006-01-02",
	"20060102",
	"06-01-02",
}

// ParseDateTime parses stored text in any accepted form. Forms without a
// zone are read as UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, NewConfigurationError(ErrUnsupportedType,
		"String '%s' was not recognized as a valid DateTime.", s)
}

// parseTicksText reads a ticks value stored as text. Non-positive or
// unparsable values yield the zero time.
func parseTicksText(s string) time.Time {
	ticks, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ticks <= 0 {
		return time.Time{}
	}
	return TicksToTime(ticks)
}
