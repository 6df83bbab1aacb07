// Package timewindow holds the time arithmetic shared by the scheduler: clocks,
// the epoch-zero watermark, window offsets and timestamp codecs.
package timewindow

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the canonical wire format for window bounds and watermarks.
const Layout = "2006-01-02T15:04:05.000Z07:00"

// Wider layouts used by Format when a timestamp carries sub-millisecond digits.
const (
	MicroLayout = "2006-01-02T15:04:05.000000Z07:00"
	NanoLayout  = "2006-01-02T15:04:05.000000000Z07:00"
)

// Clock abstracts wall-clock reads so that cycles can be replayed in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the UTC wall clock.
type SystemClock struct{}

// Now returns the current UTC time truncated to the millisecond.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

// Now returns the configured instant in UTC.
func (c FixedClock) Now() time.Time {
	return c.At.UTC()
}

// EpochZero is the watermark assigned to providers seen for the first time.
func EpochZero() time.Time {
	return time.Unix(0, 0).UTC()
}

// AddMinutes offsets t forward by n minutes.
func AddMinutes(t time.Time, n int) time.Time {
	return t.Add(time.Duration(n) * time.Minute)
}

// AddMilliseconds offsets t forward by n milliseconds.
func AddMilliseconds(t time.Time, n int) time.Time {
	return t.Add(time.Duration(n) * time.Millisecond)
}

// WholeDaysBetween returns the number of complete 24h periods from `from` to `to`.
// Negative spans are floored, so a lock dated one hour ahead counts as -1.
func WholeDaysBetween(from, to time.Time) int {
	diff := to.Sub(from)
	days := int(diff / (24 * time.Hour))
	if diff < 0 && diff%(24*time.Hour) != 0 {
		days--
	}
	return days
}

// Format renders t in UTC. Millisecond precision is used unless t carries
// finer digits, which are kept so a watermark never reads back smaller.
func Format(t time.Time) string {
	t = t.UTC()
	switch {
	case t.Nanosecond()%int(time.Millisecond) == 0:
		return t.Format(Layout)
	case t.Nanosecond()%int(time.Microsecond) == 0:
		return t.Format(MicroLayout)
	default:
		return t.Format(NanoLayout)
	}
}

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Parse reads an RFC3339 timestamp. Offsets written as +00:00, microsecond
// fractions and naive timestamps (read as UTC) are accepted for older lock rows.
func Parse(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// Window is the half-open [Start, End) range handed to a processor.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether the two windows share at least one instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Valid reports whether Start precedes End.
func (w Window) Valid() bool {
	return w.Start.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", Format(w.Start), Format(w.End))
}
