// Package planner places habit occurrences into a month around existing calendar commitments.
package planner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"habitcal/internal/busy"
	"habitcal/internal/models"
)

const (
	// DefaultShiftStep is how far a conflicting candidate moves forward per attempt.
	DefaultShiftStep = 30 * time.Minute
	// DefaultMaxShift caps the total forward shift of one occurrence.
	DefaultMaxShift = 24 * time.Hour
	// dateLayout formats occurrence dates in warnings and ids.
	dateLayout = "2006-01-02"
)

// itemNamespace seeds the name-based ids of draft items.
var itemNamespace = uuid.MustParse("6f1c1f5e-3b7a-5c4e-9a61-2d8e4b0c7a13")

// Config controls placement and the display metadata of draft items.
type Config struct {
	CalendarName  string
	CalendarColor string
	ShiftStep     time.Duration
	MaxShift      time.Duration
}

// Engine produces DraftSchedules. It holds no mutable state.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new Engine, filling in default shift parameters.
func New(logger *slog.Logger, cfg Config) *Engine {
	if cfg.ShiftStep <= 0 {
		cfg.ShiftStep = DefaultShiftStep
	}
	if cfg.MaxShift <= 0 {
		cfg.MaxShift = DefaultMaxShift
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Input is everything a generation depends on.
type Input struct {
	Plan     models.HabitPlan
	Events   []models.Event
	Month    string
	Timezone string
	Now      time.Time
}

// Result is a generated draft plus the occurrences that could not be placed.
type Result struct {
	Draft    *models.DraftSchedule
	Warnings []models.PlacementWarning
}

// Generate builds a new DraftSchedule. Identical inputs produce identical output.
func (e *Engine) Generate(in Input) (Result, error) {
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return Result{}, fmt.Errorf("invalid timezone '%s': %w", in.Timezone, err)
	}
	if err := in.Plan.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid habit plan: %w", err)
	}
	window, err := models.MonthWindow(in.Month, loc)
	if err != nil {
		return Result{}, err
	}

	anchor := in.Plan.CreatedAt
	if anchor.IsZero() {
		anchor = in.Now
	}

	var inMonth []models.Event
	for _, ev := range in.Events {
		if window.Contains(ev) {
			inMonth = append(inMonth, ev)
		}
	}
	model := busy.Build(loc, in.Events)
	items := existingItems(inMonth, loc)

	var warnings []models.PlacementWarning
	for _, h := range in.Plan.Habits {
		dates, err := OccurrenceDates(h, window, anchor)
		if err != nil {
			return Result{}, err
		}
		label := CadenceLabel(h, window, anchor)
		for _, day := range dates {
			start, ok := e.place(h, day, model)
			if !ok {
				w := models.PlacementWarning{
					Habit:  h.Name,
					Date:   day.Format(dateLayout),
					Reason: "no free slot before the end of the day",
				}
				e.logger.Debug("Habit occurrence unplaced", "habit", h.Name, "date", w.Date)
				warnings = append(warnings, w)
				continue
			}
			end := start.Add(h.Duration())
			model = model.With(busy.Slot{Start: start, End: end, Label: h.Name})
			items = append(items, e.draftItem(h, day, start, end, label))
		}
	}

	models.SortItems(items)
	draft := &models.DraftSchedule{
		Timezone:    in.Timezone,
		Month:       in.Month,
		GeneratedAt: in.Now,
		Status:      models.StatusDraft,
		Items:       items,
	}
	e.logger.Info("Generated draft schedule", "month", in.Month, "items", len(items), "unplaced", len(warnings))
	return Result{Draft: draft, Warnings: warnings}, nil
}

// place returns the first free start at or after the preferred time, moving
// forward in ShiftStep increments without leaving the day.
func (e *Engine) place(h models.Habit, day time.Time, model *busy.Model) (time.Time, bool) {
	hour, minute, err := h.TimeOfDay()
	if err != nil {
		return time.Time{}, false
	}
	loc := day.Location()
	candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	dayEnd := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	for shift := time.Duration(0); shift <= e.cfg.MaxShift; shift += e.cfg.ShiftStep {
		start := candidate.Add(shift)
		end := start.Add(h.Duration())
		if end.After(dayEnd) {
			return time.Time{}, false
		}
		if model.Free(start, end) {
			return start, true
		}
	}
	return time.Time{}, false
}

func (e *Engine) draftItem(h models.Habit, day, start, end time.Time, label string) models.ScheduleItem {
	name := h.Name
	rule := label
	return models.ScheduleItem{
		ID:             DraftItemID(h.Name, day),
		Kind:           models.ItemDraft,
		Summary:        h.Name,
		Start:          start,
		End:            end,
		RecurrenceRule: &rule,
		HabitName:      &name,
		CalendarName:   e.cfg.CalendarName,
		CalendarColor:  e.cfg.CalendarColor,
	}
}

// DraftItemID derives the stable id of a habit occurrence from its name and date.
func DraftItemID(habit string, day time.Time) string {
	return uuid.NewSHA1(itemNamespace, []byte(habit+"|"+day.Format(dateLayout))).String()
}

func existingItems(events []models.Event, loc *time.Location) []models.ScheduleItem {
	seen := make(map[string]bool, len(events))
	items := make([]models.ScheduleItem, 0, len(events))
	for _, ev := range events {
		id := ev.CalendarID + ":" + ev.ID
		if seen[id] {
			continue
		}
		seen[id] = true
		start, end := ev.StartTime.In(loc), ev.EndTime.In(loc)
		if ev.AllDay {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
			if end.IsZero() || !end.After(start) {
				end = start.AddDate(0, 0, 1)
			}
		}
		items = append(items, models.ScheduleItem{
			ID:            id,
			Kind:          models.ItemExisting,
			Summary:       ev.Summary,
			Start:         start,
			End:           end,
			CalendarName:  ev.CalendarName,
			CalendarColor: ev.CalendarColor,
			AllDay:        ev.AllDay,
		})
	}
	return items
}
