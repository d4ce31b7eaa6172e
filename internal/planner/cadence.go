package planner

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"habitcal/internal/models"
)

// threePerWeekDays is the fixed day pattern for the 3x_per_week cadence.
var threePerWeekDays = []time.Weekday{time.Monday, time.Wednesday, time.Friday}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// OccurrenceDates expands a habit's cadence into the local dates of the window's month.
// Weekly and monthly cadences are anchored to anchor (the plan's creation date).
// The returned times are local midnights in window.Location.
func OccurrenceDates(h models.Habit, window models.Window, anchor time.Time) ([]time.Time, error) {
	loc := window.Location
	first := window.Start.In(loc)
	last := window.End.In(loc).AddDate(0, 0, -1)
	anchor = anchor.In(loc)

	// Noon keeps the expansion clear of DST transitions at midnight.
	opt := rrule.ROption{
		Dtstart: time.Date(first.Year(), first.Month(), first.Day(), 12, 0, 0, 0, loc),
		Until:   time.Date(last.Year(), last.Month(), last.Day(), 12, 0, 0, 0, loc),
	}
	switch h.Cadence {
	case models.CadenceDaily:
		opt.Freq = rrule.DAILY
	case models.CadenceWeekdays:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}
	case models.CadenceWeekly:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[anchor.Weekday()]}
	case models.CadenceThreePerWeek:
		opt.Freq = rrule.WEEKLY
		for _, wd := range threePerWeekDays {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[wd])
		}
	case models.CadenceMonthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{monthlyDay(window, anchor)}
	default:
		return nil, fmt.Errorf("unknown cadence %q", h.Cadence)
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to expand cadence %q: %w", h.Cadence, err)
	}
	var dates []time.Time
	for _, t := range r.All() {
		t = t.In(loc)
		dates = append(dates, time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc))
	}
	return dates, nil
}

// monthlyDay is the anchor's day of month, clamped to the window month's last day.
func monthlyDay(window models.Window, anchor time.Time) int {
	last := window.End.In(window.Location).AddDate(0, 0, -1)
	day := anchor.In(window.Location).Day()
	if day > last.Day() {
		day = last.Day()
	}
	return day
}

// CadenceLabel is the human-readable recurrence label stored on draft items.
// It describes the dates OccurrenceDates produces for the same window.
func CadenceLabel(h models.Habit, window models.Window, anchor time.Time) string {
	loc := window.Location
	switch h.Cadence {
	case models.CadenceDaily:
		return "daily"
	case models.CadenceWeekdays:
		return "weekdays (Mon-Fri)"
	case models.CadenceWeekly:
		return "weekly on " + anchor.In(loc).Weekday().String()
	case models.CadenceThreePerWeek:
		return "3x per week (Mon, Wed, Fri)"
	case models.CadenceMonthly:
		return fmt.Sprintf("monthly on day %d", monthlyDay(window, anchor))
	}
	return string(h.Cadence)
}
