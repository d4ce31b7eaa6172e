// Package busy turns calendar events into the set of intervals new placements must avoid.
package busy

import (
	"sort"
	"time"

	"habitcal/internal/models"
)

// Slot is an interval that is unavailable for new placement.
type Slot struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	SourceCalendarID string    `json:"source_calendar_id"`
	Label            string    `json:"label"`
}

// Overlaps uses half-open interval semantics.
func (s Slot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

// Model is an ordered, read-only set of busy slots.
// Overlapping slots from different calendars are kept distinct.
type Model struct {
	slots []Slot
}

// Build derives a Model from zero or more event lists. All-day events block
// whole local days in loc.
func Build(loc *time.Location, eventLists ...[]models.Event) *Model {
	var slots []Slot
	for _, events := range eventLists {
		for _, e := range events {
			start, end := e.StartTime, e.EndTime
			if e.AllDay {
				start, end = allDayBounds(e, loc)
			}
			if !start.Before(end) {
				continue
			}
			slots = append(slots, Slot{
				Start:            start,
				End:              end,
				SourceCalendarID: e.CalendarID,
				Label:            e.Summary,
			})
		}
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		if !slots[i].End.Equal(slots[j].End) {
			return slots[i].End.Before(slots[j].End)
		}
		return slots[i].SourceCalendarID < slots[j].SourceCalendarID
	})
	return &Model{slots: slots}
}

func allDayBounds(e models.Event, loc *time.Location) (time.Time, time.Time) {
	s := e.StartTime.In(loc)
	start := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	if !e.EndTime.IsZero() {
		en := e.EndTime.In(loc)
		if d := time.Date(en.Year(), en.Month(), en.Day(), 0, 0, 0, 0, loc); d.After(start) {
			end = d
		}
	}
	return start, end
}

// Slots returns a copy of the ordered slots.
func (m *Model) Slots() []Slot {
	out := make([]Slot, len(m.slots))
	copy(out, m.slots)
	return out
}

// Len returns the number of slots.
func (m *Model) Len() int { return len(m.slots) }

// Conflicts returns the first slot overlapping [start, end), if any.
func (m *Model) Conflicts(start, end time.Time) (Slot, bool) {
	// Slots are sorted by start; anything starting at or after end cannot overlap.
	n := sort.Search(len(m.slots), func(i int) bool { return !m.slots[i].Start.Before(end) })
	for i := 0; i < n; i++ {
		if m.slots[i].Overlaps(start, end) {
			return m.slots[i], true
		}
	}
	return Slot{}, false
}

// Free reports whether [start, end) overlaps no busy slot.
func (m *Model) Free(start, end time.Time) bool {
	_, busy := m.Conflicts(start, end)
	return !busy
}

// With returns a new Model that additionally contains s.
func (m *Model) With(s Slot) *Model {
	i := sort.Search(len(m.slots), func(i int) bool { return s.Start.Before(m.slots[i].Start) })
	slots := make([]Slot, 0, len(m.slots)+1)
	slots = append(slots, m.slots[:i]...)
	slots = append(slots, s)
	slots = append(slots, m.slots[i:]...)
	return &Model{slots: slots}
}
