package models

import (
	"fmt"
	"time"
)

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID            string    // Unique identifier for the event (e.g., from the source calendar)
	Summary       string    // Summary or title of the event
	Description   string    // Detailed description of the event
	StartTime     time.Time // Start time; local midnight of the first day for all-day events
	EndTime       time.Time // End time; exclusive local midnight for all-day events
	AllDay        bool      // Whether the event is a date-only (all-day) event
	CalendarID    string    // The calendar the event was read from
	CalendarName  string    // Display name of the source calendar
	CalendarColor string    // Display color of the source calendar (e.g. "#039BE5")
	Source        string    // The source of the event (e.g., "google-primary")
	UID           string    // The iCalendar UID, when the provider exposes one
}

// Window is the half-open time range [Start, End) that calendar reads cover.
type Window struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// MonthLayout is the layout of a draft month ("YYYY-MM").
const MonthLayout = "2006-01"

// MonthWindow returns the window covering the whole month in loc.
func MonthWindow(month string, loc *time.Location) (Window, error) {
	if loc == nil {
		return Window{}, fmt.Errorf("month window requires a location")
	}
	t, err := time.ParseInLocation(MonthLayout, month, loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid month %q: %w", month, err)
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 1, 0), Location: loc}, nil
}

// Extend widens the window by margin on both sides.
func (w Window) Extend(margin time.Duration) Window {
	return Window{Start: w.Start.Add(-margin), End: w.End.Add(margin), Location: w.Location}
}

// Contains reports whether e overlaps the window.
func (w Window) Contains(e Event) bool {
	return e.StartTime.Before(w.End) && w.Start.Before(e.EndTime)
}
