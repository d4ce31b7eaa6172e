package google

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"habitcal/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *CalendarClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewClientWithService(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, "personal", "")
}

func TestFetchEvents_ConvertsTimedAndAllDay(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "calendarList"):
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "primary", "summary": "Me", "backgroundColor": "#9fe1e7"})
		case strings.HasSuffix(r.URL.Path, "/events"):
			if r.URL.Query().Get("singleEvents") != "true" {
				t.Errorf("expected singleEvents=true, got %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"id": "t1", "summary": "Standup", "start": map[string]string{"dateTime": "2024-06-03T09:00:00-04:00"}, "end": map[string]string{"dateTime": "2024-06-03T09:15:00-04:00"}},
					{"id": "a1", "summary": "Holiday", "start": map[string]string{"date": "2024-06-19"}, "end": map[string]string{"date": "2024-06-20"}},
					{"id": "c1", "status": "cancelled", "start": map[string]string{"dateTime": "2024-06-04T09:00:00-04:00"}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	w, err := models.MonthWindow("2024-06", loc)
	if err != nil {
		t.Fatalf("MonthWindow: %v", err)
	}

	events, err := client.FetchEvents(context.Background(), "primary", w)
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	timed, allDay := events[0], events[1]
	if timed.CalendarName != "Me" || timed.CalendarColor != "#9fe1e7" || timed.AllDay {
		t.Errorf("unexpected timed event %+v", timed)
	}
	if timed.EndTime.Sub(timed.StartTime) != 15*time.Minute {
		t.Errorf("unexpected duration %v", timed.EndTime.Sub(timed.StartTime))
	}
	if !allDay.AllDay || !allDay.StartTime.Equal(time.Date(2024, 6, 19, 0, 0, 0, 0, loc)) || !allDay.EndTime.Equal(time.Date(2024, 6, 20, 0, 0, 0, 0, loc)) {
		t.Errorf("unexpected all-day event %+v", allDay)
	}
}

func TestFetchEvents_PropagatesListFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":500,"message":"boom"}}`, http.StatusInternalServerError)
	})
	w, _ := models.MonthWindow("2024-06", time.UTC)
	if _, err := client.FetchEvents(context.Background(), "primary", w); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateEvent(t *testing.T) {
	var got calendar.Event
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "new-1", "htmlLink": "https://calendar/x"})
	})

	rule := "daily"
	start := time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC)
	id, err := client.CreateEvent(context.Background(), models.ScheduleItem{
		ID: "item-1", Kind: models.ItemDraft, Summary: "Meditate", Start: start, End: start.Add(20 * time.Minute), RecurrenceRule: &rule,
	}, "UTC")
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if id != "new-1" {
		t.Errorf("expected id new-1, got %s", id)
	}
	if got.Summary != "Meditate" || got.Start.DateTime != "2024-06-03T07:00:00Z" || got.ExtendedProperties.Private["habitcalItemID"] != "item-1" {
		t.Errorf("unexpected request body %+v", got)
	}
}

func TestGetTokenAccounts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"token-work.json", "token-personal.json", "credentials.json", "token-notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	accounts, err := GetTokenAccounts(dir)
	if err != nil {
		t.Fatalf("GetTokenAccounts failed: %v", err)
	}
	if len(accounts) != 2 || accounts[0] != "personal" || accounts[1] != "work" {
		t.Errorf("unexpected accounts %v", accounts)
	}
}
