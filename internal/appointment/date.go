package appointment

import (
	"fmt"
	"time"
)

const (
	DateFormat = "2006-01-02"
	TimeFormat = "15:04"
)

// Date is a calendar day without a time zone. It is comparable and safe to use
// as a map key, unlike time.Time.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// At returns the instant at clock c on this day in loc.
func (d Date) At(c ClockTime, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc).Add(time.Duration(c) * time.Minute)
}

func (d Date) Weekday() time.Weekday {
	return d.At(0, time.UTC).Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.At(0, time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.At(0, time.UTC).Before(o.At(0, time.UTC))
}

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

func Clock(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

func (c ClockTime) Valid() bool {
	return c >= 0 && c < 24*60
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) Add(minutes int) ClockTime {
	return c + ClockTime(minutes)
}

// ClockOf returns the time of day of t in t's own location.
func ClockOf(t time.Time) ClockTime {
	return Clock(t.Hour(), t.Minute())
}
