package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// ErrInvalidDate indicates that a civil date string could not be parsed.
var ErrInvalidDate = errors.New("calendar: invalid date")

// Date is a civil calendar date without a time component.
type Date struct {
	year  int
	month time.Month
	day   int
}

// NewDate normalizes the provided components into a Date (e.g. Jan 32 becomes Feb 1).
func NewDate(year int, month time.Month, day int) Date {
	return dateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(rawInput string) (Date, error) {
	trimmed := strings.TrimSpace(rawInput)
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return dateOf(parsed), nil
}

// DateIn returns the civil date of the instant as observed in the location.
func DateIn(instant time.Time, location *time.Location) Date {
	if location == nil {
		location = time.UTC
	}
	return dateOf(instant.In(location))
}

func dateOf(t time.Time) Date {
	year, month, day := t.Date()
	return Date{year: year, month: month, day: day}
}

// IsZero reports whether the date was never set.
func (d Date) IsZero() bool {
	return d.year == 0 && d.month == 0 && d.day == 0
}

// AddDays returns the date shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return NewDate(d.year, d.month, d.day+n)
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.String() < other.String()
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.String() > other.String()
}

// String renders the date as YYYY-MM-DD, the storage and wire format.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.day)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
