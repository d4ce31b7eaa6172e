package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cadence is how often a habit should occur.
type Cadence string

const (
	CadenceDaily        Cadence = "daily"
	CadenceWeekdays     Cadence = "weekdays"
	CadenceWeekly       Cadence = "weekly"
	CadenceThreePerWeek Cadence = "3x_per_week"
	CadenceMonthly      Cadence = "monthly"
)

// DefaultPreferredTime is used when a habit has no preferred time of day.
const DefaultPreferredTime = "09:00"

// Valid reports whether c is one of the known cadences.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceDaily, CadenceWeekdays, CadenceWeekly, CadenceThreePerWeek, CadenceMonthly:
		return true
	}
	return false
}

// Habit is one recurring activity the user wants on their calendar.
type Habit struct {
	Name            string  `json:"name"`
	Cadence         Cadence `json:"cadence"`
	DurationMinutes int     `json:"duration_minutes"`
	PreferredTime   string  `json:"preferred_time,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// Validate checks the habit's fields.
func (h Habit) Validate() error {
	if strings.TrimSpace(h.Name) == "" {
		return errors.New("habit name is required")
	}
	if !h.Cadence.Valid() {
		return fmt.Errorf("habit %q: unknown cadence %q", h.Name, h.Cadence)
	}
	if h.DurationMinutes <= 0 || h.DurationMinutes > 24*60 {
		return fmt.Errorf("habit %q: duration must be between 1 and 1440 minutes", h.Name)
	}
	if _, _, err := h.TimeOfDay(); err != nil {
		return fmt.Errorf("habit %q: %w", h.Name, err)
	}
	return nil
}

// Duration returns the habit's duration.
func (h Habit) Duration() time.Duration {
	return time.Duration(h.DurationMinutes) * time.Minute
}

// TimeOfDay resolves the preferred time into hour and minute.
func (h Habit) TimeOfDay() (int, int, error) {
	s := strings.TrimSpace(h.PreferredTime)
	if s == "" {
		s = DefaultPreferredTime
	}
	return ParseClock(s)
}

var clockLayouts = []string{"15:04", "3:04PM", "3:04 PM", "3PM", "3 PM"}

// ParseClock parses a nominal time of day such as "7:00", "07:30" or "6:30 pm".
func ParseClock(s string) (int, int, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("invalid preferred time %q", s)
}

// HabitPlan is the set of habits the user finalized.
type HabitPlan struct {
	Habits    []Habit   `json:"habits"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks every habit and rejects duplicate names.
func (p HabitPlan) Validate() error {
	if len(p.Habits) == 0 {
		return errors.New("habit plan has no habits")
	}
	seen := make(map[string]bool, len(p.Habits))
	for _, h := range p.Habits {
		if err := h.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(strings.TrimSpace(h.Name))
		if seen[key] {
			return fmt.Errorf("duplicate habit %q", h.Name)
		}
		seen[key] = true
	}
	return nil
}
