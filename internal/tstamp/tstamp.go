// Package tstamp treats a device-reported wall-clock timestamp as opaque
// data rather than an instant in time. Devices span several civil zones
// and a report is always displayed in the device's own zone, so the
// codec never attaches or converts a zone; it only validates shape and
// carries the literal string through parse, storage, and emit.
package tstamp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a string does not match the canonical
// "YYYY-MM-DD HH:MM:SS" shape. Callers surface this as a rejected ingest.
var ErrMalformed = errors.New("tstamp: malformed device timestamp")

const layout = "2006-01-02 15:04:05"

// T is a validated device timestamp. Its zero value is invalid; construct
// one with Parse. Equality is string equality on the canonical form —
// T never participates in epoch arithmetic.
type T struct {
	raw string
	// year/month are cached from the raw string so partition routing
	// doesn't re-parse on every lookup.
	year  int
	month int
	day   int
}

// Parse validates s against the strict layout and returns the opaque
// timestamp. No timezone database is ever consulted.
func Parse(s string) (T, error) {
	if len(s) != len(layout) {
		return T{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	year, month, day, _, _, _, ok := parseStrict(s)
	if !ok {
		return T{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	return T{raw: s, year: year, month: month, day: day}, nil
}

// MustParse parses s and panics on failure. Intended for tests and
// compile-time-known literals, never for device input.
func MustParse(s string) T {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders the canonical form, byte-for-byte identical to the
// value Parse accepted.
func (t T) String() string {
	return t.raw
}

// IsZero reports whether t is the unparsed zero value.
func (t T) IsZero() bool {
	return t.raw == ""
}

// Year returns the reported calendar year (no zone adjustment).
func (t T) Year() int { return t.year }

// Month returns the reported calendar month, 1-12 (no zone adjustment).
func (t T) Month() int { return t.month }

// Day returns the reported calendar day of month (no zone adjustment).
func (t T) Day() int { return t.day }

// PartitionKey returns year*100+month, the integer partition routing key
// described by the partition catalog's RANGE scheme.
func (t T) PartitionKey() int {
	return t.year*100 + t.month
}

// FromTime builds a T from a time.Time's wall-clock fields (Year, Month,
// Day, Hour, Minute, Second) without ever consulting its Location for an
// offset. This is how a value read back from a Postgres
// "timestamp without time zone" column (which pgx decodes into a
// time.Time labeled UTC purely as a placeholder, performing no zone
// arithmetic) is turned back into the exact string the device sent.
func FromTime(t time.Time) T {
	raw := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return T{raw: raw, year: t.Year(), month: int(t.Month()), day: t.Day()}
}

// Compare returns -1, 0, or 1 by byte-for-byte string comparison of the
// canonical form. Because the layout is fixed-width and left-padded,
// string comparison is equivalent to chronological comparison within the
// same reported zone — no epoch conversion is ever performed.
func Compare(a, b T) int {
	switch {
	case a.raw < b.raw:
		return -1
	case a.raw > b.raw:
		return 1
	default:
		return 0
	}
}

// After reports whether t is strictly later than other, by string compare.
func (t T) After(other T) bool {
	return Compare(t, other) > 0
}

// MarshalJSON renders t as its canonical string, the same representation
// that crosses the wire to a device and into Postgres.
func (t T) MarshalJSON() ([]byte, error) {
	return fmt.Appendf(nil, "%q", t.raw), nil
}

// UnmarshalJSON parses a canonical device timestamp string, rejecting
// anything Parse would reject.
func (t *T) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = T{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// parseStrict validates the fixed "YYYY-MM-DD HH:MM:SS" shape by hand
// instead of delegating to time.Parse, which would silently accept a
// trailing zone offset or reinterpret the string through a Location.
func parseStrict(s string) (year, month, day, hour, min, sec int, ok bool) {
	if len(s) != 19 {
		return 0, 0, 0, 0, 0, 0, false
	}
	digits := func(i, j int) (int, bool) {
		n := 0
		for k := i; k < j; k++ {
			c := s[k]
			if c < '0' || c > '9' {
				return 0, false
			}
			n = n*10 + int(c-'0')
		}
		return n, true
	}

	if s[4] != '-' || s[7] != '-' || s[10] != ' ' || s[13] != ':' || s[16] != ':' {
		return 0, 0, 0, 0, 0, 0, false
	}

	var okY, okMo, okD, okH, okMi, okS bool
	year, okY = digits(0, 4)
	month, okMo = digits(5, 7)
	day, okD = digits(8, 10)
	hour, okH = digits(11, 13)
	min, okMi = digits(14, 16)
	sec, okS = digits(17, 19)
	if !(okY && okMo && okD && okH && okMi && okS) {
		return 0, 0, 0, 0, 0, 0, false
	}

	if month < 1 || month > 12 {
		return 0, 0, 0, 0, 0, 0, false
	}
	if day < 1 || day > daysIn(year, month) {
		return 0, 0, 0, 0, 0, 0, false
	}
	if hour > 23 || min > 59 || sec > 59 {
		return 0, 0, 0, 0, 0, 0, false
	}
	return year, month, day, hour, min, sec, true
}

func daysIn(year, month int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeap(year) {
			return 29
		}
		return 28
	default:
		return 0
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
