package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("WRITE_TARGET", "google")
	t.Setenv("GOOGLE_CALENDAR_IDS", "primary, work@example.com ,")
	t.Setenv("PRIMARY_TIMEZONE", "Europe/Berlin")
	t.Setenv("INBOX_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := []string{"primary", "work@example.com"}; !reflect.DeepEqual(cfg.Google.CalendarIDs, want) {
		t.Errorf("CalendarIDs = %v, want %v", cfg.Google.CalendarIDs, want)
	}
	if cfg.InboxSize != 32 {
		t.Errorf("InboxSize = %d, want fallback 32", cfg.InboxSize)
	}
	if cfg.HabitCalendarName != "Habits" {
		t.Errorf("HabitCalendarName = %q", cfg.HabitCalendarName)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:             "8080",
			PrimaryTimezone:  "UTC",
			StoreDriver:      StoreSQLite,
			DBPath:           "x.db",
			WriteTarget:      WriteTargetGoogle,
			Google:           GoogleConfig{CalendarIDs: []string{"primary"}},
			FetchConcurrency: 1,
			InboxSize:        1,
			OutboxSize:       1,
		}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		errSub string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"bad timezone", func(c *Config) { c.PrimaryTimezone = "Mars/Base" }, "PRIMARY_TIMEZONE"},
		{"bad driver", func(c *Config) { c.StoreDriver = "redis" }, "STORE_DRIVER"},
		{"file store without dir", func(c *Config) { c.StoreDriver = StoreFile }, "STATE_DIR"},
		{"icloud without credentials", func(c *Config) { c.WriteTarget = WriteTargetICloud }, "WRITE_TARGET=icloud"},
		{"icloud configured", func(c *Config) {
			c.WriteTarget = WriteTargetICloud
			c.ICloud = ICloudConfig{Username: "u", Password: "p", CalendarName: "Habits"}
		}, ""},
		{"no calendars", func(c *Config) { c.Google.CalendarIDs = nil }, "GOOGLE_CALENDAR_IDS"},
		{"zero inbox", func(c *Config) { c.InboxSize = 0 }, "INBOX_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("error = %v, want mention of %s", err, tt.errSub)
			}
		})
	}
}
