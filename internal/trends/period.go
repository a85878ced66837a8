package trends

import (
	"fmt"
	"time"
)

// Period is the calendar granularity used for comparisons and smoothing.
type Period string

const (
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
)

// AllPeriods lists periods from shortest to longest.
func AllPeriods() []Period {
	return []Period{PeriodWeek, PeriodMonth, PeriodQuarter, PeriodYear}
}

// ParsePeriod validates a period name.
func ParsePeriod(raw string) (Period, error) {
	p := Period(raw)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, raw)
	}
	return p, nil
}

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	switch p {
	case PeriodWeek, PeriodMonth, PeriodQuarter, PeriodYear:
		return true
	}
	return false
}

// Alpha is the EWMA smoothing factor for the period. Shorter periods follow the raw
// series more closely.
func (p Period) Alpha() float64 {
	switch p {
	case PeriodWeek:
		return 0.5
	case PeriodMonth:
		return 0.3
	case PeriodQuarter:
		return 0.2
	default:
		return 0.1
	}
}

// Interval returns the half-open UTC calendar interval containing now, shifted back
// offset periods. Weeks start on Monday.
func (p Period) Interval(now time.Time, offset int) (time.Time, time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch p {
	case PeriodWeek:
		sinceMonday := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -sinceMonday-7*offset)
		return start, start.AddDate(0, 0, 7)
	case PeriodMonth:
		start := time.Date(now.Year(), now.Month()-time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	case PeriodQuarter:
		firstMonth := time.Month((int(now.Month())-1)/3*3 + 1)
		start := time.Date(now.Year(), firstMonth-time.Month(3*offset), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 3, 0)
	default:
		start := time.Date(now.Year()-offset, time.January, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	}
}

// Window is how far back a trend series reaches for the period.
func (p Period) Window() (years, months, days int) {
	switch p {
	case PeriodWeek:
		return 0, 0, -7 * 12
	case PeriodMonth:
		return 0, -12, 0
	case PeriodQuarter:
		return -2, 0, 0
	default:
		return -5, 0, 0
	}
}
