package budget

import (
	"fmt"
	"time"
)

// PeriodType is the length of a budget window.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// ParsePeriodType validates a period name.
func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(s) {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return PeriodType(s), nil
	default:
		return "", fmt.Errorf("unknown budget period %q (use daily, weekly or monthly)", s)
	}
}

// Bounds returns the UTC start and exclusive end of the period containing t.
// Weeks start on Monday.
func Bounds(pt PeriodType, t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	switch pt {
	case PeriodDaily:
		return day, day.AddDate(0, 0, 1)
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}
