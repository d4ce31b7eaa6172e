package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ItemKind distinguishes existing calendar entries from proposed habit placements.
type ItemKind string

const (
	ItemExisting ItemKind = "existing"
	ItemDraft    ItemKind = "draft"
)

// DraftStatus is the lifecycle state of a DraftSchedule.
type DraftStatus string

const (
	StatusDraft     DraftStatus = "draft"
	StatusConfirmed DraftStatus = "confirmed"
)

// ScheduleItem is one entry of a DraftSchedule.
type ScheduleItem struct {
	ID             string    `json:"id"`
	Kind           ItemKind  `json:"kind"`
	Summary        string    `json:"summary"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	RecurrenceRule *string   `json:"recurrence_rule"`
	HabitName      *string   `json:"habit_name"`
	CalendarName   string    `json:"calendar_name"`
	CalendarColor  string    `json:"calendar_color"`
	AllDay         bool      `json:"all_day"`
}

// Validate checks the start < end invariant.
func (it ScheduleItem) Validate() error {
	if it.ID == "" {
		return errors.New("schedule item has no id")
	}
	if !it.AllDay && !it.Start.Before(it.End) {
		return fmt.Errorf("schedule item %s: start must be before end", it.ID)
	}
	if it.Kind == ItemExisting && it.HabitName != nil {
		return fmt.Errorf("schedule item %s: existing items carry no habit name", it.ID)
	}
	return nil
}

// Equal compares two items field by field, comparing instants rather than locations.
func (it ScheduleItem) Equal(o ScheduleItem) bool {
	return it.ID == o.ID &&
		it.Kind == o.Kind &&
		it.Summary == o.Summary &&
		it.Start.Equal(o.Start) &&
		it.End.Equal(o.End) &&
		equalOptional(it.RecurrenceRule, o.RecurrenceRule) &&
		equalOptional(it.HabitName, o.HabitName) &&
		it.CalendarName == o.CalendarName &&
		it.CalendarColor == o.CalendarColor &&
		it.AllDay == o.AllDay
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DraftSchedule is the proposed month of habit placements plus existing events.
type DraftSchedule struct {
	Timezone    string         `json:"timezone"`
	Month       string         `json:"month"`
	GeneratedAt time.Time      `json:"generated_at"`
	Status      DraftStatus    `json:"status"`
	Items       []ScheduleItem `json:"items"`
}

// ErrAlreadyConfirmed is returned when a confirmed draft would be changed.
var ErrAlreadyConfirmed = errors.New("draft schedule is already confirmed")

// SortItems orders items by start, then kind, then id.
func SortItems(items []ScheduleItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Start.Equal(items[j].Start) {
			return items[i].Start.Before(items[j].Start)
		}
		if items[i].Kind != items[j].Kind {
			return items[i].Kind == ItemExisting
		}
		return items[i].ID < items[j].ID
	})
}

// Validate checks status, item invariants, id uniqueness and ordering.
func (d *DraftSchedule) Validate() error {
	if d.Status != StatusDraft && d.Status != StatusConfirmed {
		return fmt.Errorf("unknown draft status %q", d.Status)
	}
	seen := make(map[string]bool, len(d.Items))
	for i, it := range d.Items {
		if err := it.Validate(); err != nil {
			return err
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate schedule item id %s", it.ID)
		}
		seen[it.ID] = true
		if i > 0 && it.Start.Before(d.Items[i-1].Start) {
			return fmt.Errorf("schedule items out of order at %s", it.ID)
		}
	}
	return nil
}

// Pending returns the draft items that still have to be created on a calendar.
func (d *DraftSchedule) Pending() []ScheduleItem {
	var pending []ScheduleItem
	for _, it := range d.Items {
		if it.Kind == ItemDraft {
			pending = append(pending, it)
		}
	}
	return pending
}

// Clone returns a deep copy so a new snapshot can be built and swapped in whole.
func (d *DraftSchedule) Clone() *DraftSchedule {
	if d == nil {
		return nil
	}
	c := *d
	c.Items = make([]ScheduleItem, len(d.Items))
	copy(c.Items, d.Items)
	return &c
}

// MarkCreated returns a copy reflecting which pending items now exist on a calendar.
// If every pending item was created the copy is confirmed and keeps its items as-is.
// Otherwise the created items become existing entries so a retry skips them.
func (d *DraftSchedule) MarkCreated(created map[string]bool) (*DraftSchedule, error) {
	if d.Status == StatusConfirmed {
		return nil, ErrAlreadyConfirmed
	}
	next := d.Clone()
	remaining := 0
	for _, it := range next.Items {
		if it.Kind == ItemDraft && !created[it.ID] {
			remaining++
		}
	}
	if remaining == 0 {
		next.Status = StatusConfirmed
		return next, nil
	}
	for i, it := range next.Items {
		if it.Kind == ItemDraft && created[it.ID] {
			next.Items[i].Kind = ItemExisting
			next.Items[i].HabitName = nil
		}
	}
	return next, nil
}

// Equal compares two drafts field by field.
func (d *DraftSchedule) Equal(o *DraftSchedule) bool {
	if d == nil || o == nil {
		return d == nil && o == nil
	}
	if d.Timezone != o.Timezone || d.Month != o.Month || d.Status != o.Status ||
		!d.GeneratedAt.Equal(o.GeneratedAt) || len(d.Items) != len(o.Items) {
		return false
	}
	for i := range d.Items {
		if !d.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}
