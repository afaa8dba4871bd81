// Package calendar names the time buckets that visitor sketches are kept in.
//
// All buckets are UTC:
//
//	day:2026-10-18    one calendar day
//	week:2026-W42     one ISO-8601 week (Monday to Sunday)
//	month:2026-10     one calendar month
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the granularity of a bucket.
type Kind string

const (
	Day   Kind = "day"
	Week  Kind = "week"
	Month Kind = "month"
)

const dayLayout = "2006-01-02"

// Key identifies one bucket.
type Key struct {
	Kind  Kind
	Start time.Time // First day of the bucket, UTC midnight.
}

// DayOf returns the day bucket containing t.
func DayOf(t time.Time) Key {
	t = t.UTC()
	return Key{Kind: Day, Start: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// WeekOf returns the ISO week bucket containing t.
func WeekOf(t time.Time) Key {
	d := DayOf(t).Start
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	return Key{Kind: Week, Start: d.AddDate(0, 0, -offset)}
}

// MonthOf returns the month bucket containing t.
func MonthOf(t time.Time) Key {
	t = t.UTC()
	return Key{Kind: Month, Start: time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)}
}

// String renders the key in its persisted form.
func (k Key) String() string {
	switch k.Kind {
	case Week:
		year, week := k.Start.ISOWeek()
		return fmt.Sprintf("week:%04d-W%02d", year, week)
	case Month:
		return "month:" + k.Start.Format("2006-01")
	default:
		return "day:" + k.Start.Format(dayLayout)
	}
}

// Date returns the part of the key after the colon.
func (k Key) Date() string {
	s := k.String()
	return s[strings.IndexByte(s, ':')+1:]
}

// End returns the first day after the bucket.
func (k Key) End() time.Time {
	switch k.Kind {
	case Week:
		return k.Start.AddDate(0, 0, 7)
	case Month:
		return k.Start.AddDate(0, 1, 0)
	default:
		return k.Start.AddDate(0, 0, 1)
	}
}

// Days returns the day buckets making up k, in order.
func (k Key) Days() []Key {
	var days []Key
	for d := k.Start; d.Before(k.End()); d = d.AddDate(0, 0, 1) {
		days = append(days, Key{Kind: Day, Start: d})
	}
	return days
}

// AddDays shifts a day key by n days.
func (k Key) AddDays(n int) Key {
	return DayOf(k.Start.AddDate(0, 0, n))
}

// Parse decodes a persisted key.
func Parse(s string) (Key, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("calendar: malformed key %q", s)
	}

	switch Kind(kind) {
	case Day:
		t, err := time.Parse(dayLayout, rest)
		if err != nil {
			return Key{}, fmt.Errorf("calendar: malformed day %q: %w", s, err)
		}
		return DayOf(t), nil

	case Month:
		t, err := time.Parse("2006-01", rest)
		if err != nil {
			return Key{}, fmt.Errorf("calendar: malformed month %q: %w", s, err)
		}
		return MonthOf(t), nil

	case Week:
		var year, week int
		if n, err := fmt.Sscanf(rest, "%4d-W%2d", &year, &week); err != nil || n != 2 {
			return Key{}, fmt.Errorf("calendar: malformed week %q", s)
		}
		if week < 1 || week > 53 {
			return Key{}, fmt.Errorf("calendar: week out of range %q", s)
		}

		// January 4th is always in ISO week 1.
		k := WeekOf(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
		k.Start = k.Start.AddDate(0, 0, 7*(week-1))

		if y, w := k.Start.ISOWeek(); y != year || w != week {
			return Key{}, fmt.Errorf("calendar: week out of range %q", s)
		}
		return k, nil
	}

	return Key{}, fmt.Errorf("calendar: unknown bucket kind %q", kind)
}

// LastDays returns the n day keys ending at (and including) end, oldest
// first.
func LastDays(end Key, n int) []Key {
	days := make([]Key, 0, n)
	for i := n - 1; i >= 0; i-- {
		days = append(days, end.AddDays(-i))
	}
	return days
}
