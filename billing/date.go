package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day without time of day (billing is day-granular)
// =============================================================================

// DateLayout is the wire and storage format for dates.
const DateLayout = "2006-01-02"

// Date is a calendar day. The zero value means "not set".
type Date struct {
	t time.Time
}

// NewDate builds a date. Out-of-range days normalize like time.Date.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD string. Empty input yields the zero date.
func ParseDate(s string) (Date, error) {
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

// MustParseDate panics on malformed input. Intended for tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.t.IsZero() }

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) Time() time.Time   { return d.t }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// AddDays shifts the date by n days (n may be negative).
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// AddMonths shifts the date by n months, clamping the day to the last day of
// the target month: Jan 31 + 1 month = Feb 28 (Feb 29 in leap years).
func (d Date) AddMonths(n int) Date {
	total := int(d.t.Month()) - 1 + n
	year := d.t.Year() + floorDiv(total, 12)
	month := time.Month(floorMod(total, 12) + 1)

	day := d.t.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return NewDate(year, month, day)
}

// DaysUntil returns the number of days from d to other (negative if other is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.t.Sub(d.t).Hours() / 24)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}

// =============================================================================
// CLOCK - Source of "today" (swappable in tests)
// =============================================================================

// Clock supplies the current instant and the local calendar day.
type Clock interface {
	Now() time.Time
	Today() Date
}

// SystemClock reads the wall clock and resolves "today" in Location.
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time { return time.Now() }
func (c SystemClock) Today() Date    { return DateOf(time.Now(), c.Location) }

// FixedClock always reports the same day. Used by tests and backfills.
type FixedClock struct {
	Day     Date
	Instant time.Time
}

func (c FixedClock) Now() time.Time {
	if !c.Instant.IsZero() {
		return c.Instant
	}
	return c.Day.Time().Add(12 * time.Hour)
}

func (c FixedClock) Today() Date { return c.Day }
