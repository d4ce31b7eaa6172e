package planner

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"habitcal/internal/models"
)

const testTZ = "America/New_York"

func newTestEngine() *Engine {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{CalendarName: "Habits", CalendarColor: "#4285F4"})
}

func loc(t *testing.T) *time.Location {
	t.Helper()
	l, err := time.LoadLocation(testTZ)
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return l
}

func morningRun() models.Habit {
	return models.Habit{Name: "Morning run", Cadence: models.CadenceWeekdays, DurationMinutes: 30, PreferredTime: "7:00"}
}

func draftItems(d *models.DraftSchedule) []models.ScheduleItem {
	var out []models.ScheduleItem
	for _, it := range d.Items {
		if it.Kind == models.ItemDraft {
			out = append(out, it)
		}
	}
	return out
}

func TestGenerate_ShiftsPastSingleConflict(t *testing.T) {
	l := loc(t)
	engine := newTestEngine()
	busyStart := time.Date(2024, 6, 3, 7, 0, 0, 0, l) // a Monday

	res, err := engine.Generate(Input{
		Plan:     models.HabitPlan{Habits: []models.Habit{morningRun()}, CreatedAt: time.Date(2024, 5, 20, 0, 0, 0, 0, l)},
		Events:   []models.Event{{ID: "e1", Summary: "Gym class", StartTime: busyStart, EndTime: busyStart.Add(30 * time.Minute), CalendarID: "primary"}},
		Month:    "2024-06",
		Timezone: testTZ,
		Now:      time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}

	drafts := draftItems(res.Draft)
	if len(drafts) != 20 {
		t.Fatalf("expected 20 weekday occurrences in June 2024, got %d", len(drafts))
	}
	for _, it := range drafts {
		start := it.Start.In(l)
		wantHour, wantMin := 7, 0
		if start.Day() == 3 {
			wantHour, wantMin = 7, 30
		}
		if start.Hour() != wantHour || start.Minute() != wantMin {
			t.Errorf("occurrence on %s starts at %s", start.Format("2006-01-02"), start.Format("15:04"))
		}
		if it.End.Sub(it.Start) != 30*time.Minute {
			t.Errorf("occurrence on %s has duration %v", start.Format("2006-01-02"), it.End.Sub(it.Start))
		}
		if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("weekday habit placed on %v", wd)
		}
	}
}

func TestGenerate_FullyBusyDaysAreWarnings(t *testing.T) {
	l := loc(t)
	engine := newTestEngine()

	var events []models.Event
	for d := 1; d <= 30; d++ {
		day := time.Date(2024, 6, d, 0, 0, 0, 0, l)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		events = append(events, models.Event{
			ID:           day.Format("20060102"),
			Summary:      "Busy",
			StartTime:    day.Add(6 * time.Hour),
			EndTime:      day.Add(23*time.Hour + 59*time.Minute),
			CalendarID:   "work",
			CalendarName: "Work",
		})
	}

	res, err := engine.Generate(Input{
		Plan:     models.HabitPlan{Habits: []models.Habit{morningRun()}},
		Events:   events,
		Month:    "2024-06",
		Timezone: testTZ,
		Now:      time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(res.Warnings) != 20 {
		t.Errorf("expected 20 placement warnings, got %d", len(res.Warnings))
	}
	if n := len(draftItems(res.Draft)); n != 0 {
		t.Errorf("expected no draft items, got %d", n)
	}
	if len(res.Draft.Items) != len(events) {
		t.Errorf("expected %d existing items, got %d", len(events), len(res.Draft.Items))
	}
	for _, it := range res.Draft.Items {
		if it.Kind != models.ItemExisting || it.CalendarName != "Work" {
			t.Errorf("unexpected item %+v", it)
		}
	}
}

func TestGenerate_NoOverlapsAndForwardShifts(t *testing.T) {
	l := loc(t)
	engine := newTestEngine()

	var events []models.Event
	for d := 1; d <= 30; d++ {
		day := time.Date(2024, 6, d, 0, 0, 0, 0, l)
		// 07:00-08:10 forces three shifts to 08:30.
		events = append(events, models.Event{ID: "m" + day.Format("02"), StartTime: day.Add(7 * time.Hour), EndTime: day.Add(8*time.Hour + 10*time.Minute), CalendarID: "a"})
		if d%2 == 0 {
			events = append(events, models.Event{ID: "h" + day.Format("02"), StartTime: day, EndTime: day.AddDate(0, 0, 1), AllDay: true, CalendarID: "b"})
		}
	}
	habits := []models.Habit{
		{Name: "Meditate", Cadence: models.CadenceDaily, DurationMinutes: 20, PreferredTime: "7:15"},
		{Name: "Stretch", Cadence: models.CadenceDaily, DurationMinutes: 45, PreferredTime: "8:00"},
		{Name: "Journal", Cadence: models.CadenceThreePerWeek, DurationMinutes: 30, PreferredTime: "9:30 pm"},
	}

	res, err := engine.Generate(Input{
		Plan:     models.HabitPlan{Habits: habits, CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, l)},
		Events:   events,
		Month:    "2024-06",
		Timezone: testTZ,
		Now:      time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	preferred := map[string][2]int{"Meditate": {7, 15}, "Stretch": {8, 0}, "Journal": {21, 30}}
	drafts := draftItems(res.Draft)
	if len(drafts) == 0 {
		t.Fatal("expected some placements")
	}
	for i, it := range drafts {
		for _, ev := range events {
			s, e := ev.StartTime, ev.EndTime
			if it.Start.Before(e) && s.Before(it.End) {
				t.Errorf("%s at %v overlaps busy %s", it.Summary, it.Start, ev.ID)
			}
		}
		for j, other := range drafts {
			if i != j && it.Start.Before(other.End) && other.Start.Before(it.End) {
				t.Errorf("%s at %v overlaps %s at %v", it.Summary, it.Start, other.Summary, other.Start)
			}
		}

		start := it.Start.In(l)
		p := preferred[*it.HabitName]
		origin := time.Date(start.Year(), start.Month(), start.Day(), p[0], p[1], 0, 0, l)
		shift := it.Start.Sub(origin)
		if shift < 0 {
			t.Errorf("%s moved earlier than preferred on %v", it.Summary, start)
		}
		if shift%(30*time.Minute) != 0 {
			t.Errorf("%s shifted by %v, not a multiple of 30 minutes", it.Summary, shift)
		}
		if end := it.End.In(l); end.Day() != start.Day() && !(end.Hour() == 0 && end.Minute() == 0) {
			t.Errorf("%s crosses midnight: %v - %v", it.Summary, start, end)
		}
	}

	// Every even day is all-day busy, so each daily habit loses 15 days.
	warned := map[string]int{}
	for _, w := range res.Warnings {
		warned[w.Habit]++
	}
	if warned["Meditate"] != 15 || warned["Stretch"] != 15 {
		t.Errorf("unexpected warnings per habit: %v", warned)
	}
	for _, it := range drafts {
		if *it.HabitName == "Meditate" {
			if s := it.Start.In(l); s.Hour() != 8 || s.Minute() != 15 {
				t.Errorf("expected Meditate at 08:15 after shifting, got %s", s.Format("15:04"))
			}
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	l := loc(t)
	engine := newTestEngine()
	in := Input{
		Plan: models.HabitPlan{
			Habits: []models.Habit{
				morningRun(),
				{Name: "Review budget", Cadence: models.CadenceMonthly, DurationMinutes: 60, PreferredTime: "18:00"},
			},
			CreatedAt: time.Date(2024, 5, 15, 9, 0, 0, 0, l),
		},
		Events: []models.Event{
			{ID: "x", Summary: "Dentist", StartTime: time.Date(2024, 6, 4, 7, 0, 0, 0, l), EndTime: time.Date(2024, 6, 4, 8, 0, 0, 0, l), CalendarID: "primary"},
		},
		Month:    "2024-06",
		Timezone: testTZ,
		Now:      time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
	}

	first, err := engine.Generate(in)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := engine.Generate(in)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	a, _ := json.Marshal(first.Draft)
	b, _ := json.Marshal(second.Draft)
	if string(a) != string(b) {
		t.Errorf("expected identical output\nfirst:  %s\nsecond: %s", a, b)
	}
}

func TestGenerate_RejectsInvalidInput(t *testing.T) {
	engine := newTestEngine()
	tests := []struct {
		name string
		in   Input
	}{
		{"bad timezone", Input{Plan: models.HabitPlan{Habits: []models.Habit{morningRun()}}, Month: "2024-06", Timezone: "Mars/Olympus"}},
		{"bad month", Input{Plan: models.HabitPlan{Habits: []models.Habit{morningRun()}}, Month: "June", Timezone: testTZ}},
		{"empty plan", Input{Month: "2024-06", Timezone: testTZ}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Generate(tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGenerate_LateHabitNeverCrossesMidnight(t *testing.T) {
	engine := newTestEngine()
	res, err := engine.Generate(Input{
		Plan:     models.HabitPlan{Habits: []models.Habit{{Name: "Read", Cadence: models.CadenceDaily, DurationMinutes: 90, PreferredTime: "23:00"}}},
		Month:    "2024-02",
		Timezone: "UTC",
		Now:      time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(res.Warnings) != 29 || len(res.Draft.Items) != 0 {
		t.Errorf("expected 29 warnings and no items, got %d and %d", len(res.Warnings), len(res.Draft.Items))
	}
}

func TestDraftItemID_Stable(t *testing.T) {
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	if DraftItemID("Morning run", day) != DraftItemID("Morning run", day) {
		t.Error("expected stable id")
	}
	if DraftItemID("Morning run", day) == DraftItemID("Morning run", day.AddDate(0, 0, 1)) {
		t.Error("expected different ids for different dates")
	}
}
