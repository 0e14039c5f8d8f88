package calendar

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultTimeZone is the civil zone in which terms and due dates are evaluated.
	DefaultTimeZone = "Asia/Tokyo"

	windowDaysBefore = 1
	windowDaysAfter  = 3
)

var (
	// ErrInvalidTermSpan indicates an hour range outside 0..24 or with a non-positive width.
	ErrInvalidTermSpan = errors.New("calendar: invalid term span")
	// ErrOverlappingTerms indicates two configured ranges share an hour.
	ErrOverlappingTerms = errors.New("calendar: overlapping terms")
	// ErrNoTerms indicates an empty term list.
	ErrNoTerms = errors.New("calendar: at least one term required")
	// ErrInvalidFallback indicates a fallback index outside the configured terms.
	ErrInvalidFallback = errors.New("calendar: fallback index out of range")
	// ErrInvalidTermNumber indicates a 1-based term number outside the calendar.
	ErrInvalidTermNumber = errors.New("calendar: invalid term number")
)

// TermSpan is a half-open [StartHour, EndHour) window of the civil day.
type TermSpan struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Hours returns the width of the span.
func (s TermSpan) Hours() int {
	return s.EndHour - s.StartHour
}

// Contains reports whether the hour falls inside the span.
func (s TermSpan) Contains(hour int) bool {
	return hour >= s.StartHour && hour < s.EndHour
}

// Label renders the span the way the timeline headers show it, e.g. "9-12".
func (s TermSpan) Label() string {
	return fmt.Sprintf("%d-%d", s.StartHour, s.EndHour)
}

// TermIndex is the 0-based position of a term in its calendar.
type TermIndex int

// Number returns the 1-based term number stored on quests.
func (i TermIndex) Number() int {
	return int(i) + 1
}

// IndexOfNumber converts a 1-based term number to its index.
func IndexOfNumber(number int) TermIndex {
	return TermIndex(number - 1)
}

// Window bounds the inclusive due-date range fetched at once.
type Window struct {
	From Date `json:"from"`
	To   Date `json:"to"`
}

// Contains reports whether the date lies inside the window.
func (w Window) Contains(d Date) bool {
	return !d.Before(w.From) && !d.After(w.To)
}

// Config describes a calendar.
type Config struct {
	Terms         []TermSpan
	Location      *time.Location
	FallbackIndex TermIndex
}

// Calendar maps wall-clock time onto term buckets.
type Calendar struct {
	terms    []TermSpan
	location *time.Location
	fallback TermIndex
}

// New validates the configuration and returns a Calendar.
func New(cfg Config) (*Calendar, error) {
	if len(cfg.Terms) == 0 {
		return nil, ErrNoTerms
	}
	for _, span := range cfg.Terms {
		if span.StartHour < 0 || span.EndHour > 24 || span.Hours() <= 0 {
			return nil, fmt.Errorf("%w: [%d,%d)", ErrInvalidTermSpan, span.StartHour, span.EndHour)
		}
	}
	sorted := append([]TermSpan(nil), cfg.Terms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartHour < sorted[j].StartHour })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].StartHour < sorted[i-1].EndHour {
			return nil, fmt.Errorf("%w: [%d,%d) and [%d,%d)", ErrOverlappingTerms,
				sorted[i-1].StartHour, sorted[i-1].EndHour, sorted[i].StartHour, sorted[i].EndHour)
		}
	}
	if cfg.FallbackIndex < 0 || int(cfg.FallbackIndex) >= len(cfg.Terms) {
		return nil, ErrInvalidFallback
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	return &Calendar{
		terms:    append([]TermSpan(nil), cfg.Terms...),
		location: location,
		fallback: cfg.FallbackIndex,
	}, nil
}

// FullDayTerms partitions the whole day into eight three-hour terms starting at 06:00.
func FullDayTerms() []TermSpan {
	return []TermSpan{
		{6, 9}, {9, 12}, {12, 15}, {15, 18}, {18, 21}, {21, 24}, {0, 3}, {3, 6},
	}
}

// WorkdayTerms are the five terms rendered on the timeline; night hours resolve to the fallback.
func WorkdayTerms() []TermSpan {
	return []TermSpan{
		{9, 12}, {12, 15}, {15, 18}, {18, 21}, {21, 24},
	}
}

// LoadLocation resolves a zone name, defaulting to DefaultTimeZone.
func LoadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = DefaultTimeZone
	}
	return time.LoadLocation(trimmed)
}

// Terms returns a copy of the configured spans in index order.
func (c *Calendar) Terms() []TermSpan {
	return append([]TermSpan(nil), c.terms...)
}

// Location returns the civil zone of the calendar.
func (c *Calendar) Location() *time.Location {
	return c.location
}

// TermCount returns the number of terms in a day.
func (c *Calendar) TermCount() int {
	return len(c.terms)
}

// Span returns the span at the index.
func (c *Calendar) Span(index TermIndex) (TermSpan, bool) {
	if index < 0 || int(index) >= len(c.terms) {
		return TermSpan{}, false
	}
	return c.terms[index], true
}

// ValidateNumber checks a 1-based term number against the calendar.
func (c *Calendar) ValidateNumber(number int) error {
	if number < 1 || number > len(c.terms) {
		return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidTermNumber, number, len(c.terms))
	}
	return nil
}

// ResolveCurrentTerm returns the index of the term containing now's hour in the calendar zone.
func (c *Calendar) ResolveCurrentTerm(now time.Time) TermIndex {
	hour := now.In(c.location).Hour()
	for index, span := range c.terms {
		if span.Contains(hour) {
			return TermIndex(index)
		}
	}
	return c.fallback
}

// TermProgress returns the linear position of now within the term, or -1 outside it.
func (c *Calendar) TermProgress(index TermIndex, now time.Time) float64 {
	span, ok := c.Span(index)
	if !ok {
		return -1
	}
	local := now.In(c.location)
	hour := float64(local.Hour()) + float64(local.Minute())/60 + float64(local.Second())/3600
	if hour < float64(span.StartHour) || hour >= float64(span.EndHour) {
		return -1
	}
	return (hour - float64(span.StartHour)) / float64(span.Hours())
}

// Today returns the civil date of now in the calendar zone.
func (c *Calendar) Today(now time.Time) Date {
	return DateIn(now, c.location)
}

// DateRangeWindow returns the fetch window around today.
func (c *Calendar) DateRangeWindow(today Date) Window {
	return Window{From: today.AddDays(-windowDaysBefore), To: today.AddDays(windowDaysAfter)}
}

// NextBucket returns the bucket a skipped quest moves to.
func (c *Calendar) NextBucket(date Date, termNumber int) (Date, int) {
	if termNumber >= len(c.terms) {
		return date.AddDays(1), 1
	}
	if termNumber < 1 {
		return date, 1
	}
	return date, termNumber + 1
}

// CoversDay reports whether the terms partition every hour of the day exactly once.
func (c *Calendar) CoversDay() bool {
	counts := make([]int, 24)
	for _, span := range c.terms {
		for hour := span.StartHour; hour < span.EndHour; hour++ {
			counts[hour]++
		}
	}
	for _, count := range counts {
		if count != 1 {
			return false
		}
	}
	return true
}
