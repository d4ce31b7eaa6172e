package syncchannel

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"habitcal/internal/models"
)

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantOK  bool
		wantErr bool
	}{
		{"confirm", `{"action":"confirm"}`, true, false},
		{"unknown action ignored", `{"action":"rename"}`, false, false},
		{"missing action ignored", `{}`, false, false},
		{"malformed", `{"action":`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := DecodeAction([]byte(tt.payload))
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestDecodeFrame_RequiresTopic(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"payload":{}}`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
	f, err := DecodeFrame([]byte(`{"topic":"schedule","payload":{"action":"confirm"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if f.Topic != TopicSchedule {
		t.Errorf("unexpected topic %q", f.Topic)
	}
}

func TestEncodeStatus(t *testing.T) {
	data, err := EncodeStatus("Checking your calendars...")
	if err != nil {
		t.Fatalf("EncodeStatus failed: %v", err)
	}
	if string(data) != `{"type":"status","message":"Checking your calendars..."}` {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestSchedule_RoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	habit, rule := "Morning run", "weekdays (Mon-Fri)"
	start := time.Date(2024, 6, 3, 7, 30, 0, 0, loc)
	d := &models.DraftSchedule{
		Timezone:    "America/New_York",
		Month:       "2024-06",
		GeneratedAt: time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
		Status:      models.StatusDraft,
		Items: []models.ScheduleItem{
			{ID: "primary:1", Kind: models.ItemExisting, Summary: "Holiday", Start: time.Date(2024, 6, 3, 0, 0, 0, 0, loc), End: time.Date(2024, 6, 4, 0, 0, 0, 0, loc), CalendarName: "Family", CalendarColor: "#7986CB", AllDay: true},
			{ID: "b7", Kind: models.ItemDraft, Summary: habit, Start: start, End: start.Add(30 * time.Minute), RecurrenceRule: &rule, HabitName: &habit, CalendarName: "Habits", CalendarColor: "#4285F4"},
		},
	}

	data, err := EncodeSchedule(d)
	if err != nil {
		t.Fatalf("EncodeSchedule failed: %v", err)
	}
	back, err := DecodeSchedule(data)
	if err != nil {
		t.Fatalf("DecodeSchedule failed: %v", err)
	}
	if !d.Equal(back) {
		t.Errorf("round trip mismatch\nin:  %+v\nout: %+v", d, back)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	items := raw["items"].([]any)
	if first := items[0].(map[string]any); first["habit_name"] != nil || first["recurrence_rule"] != nil {
		t.Errorf("existing items should carry null habit_name and recurrence_rule, got %v", first)
	}
}
