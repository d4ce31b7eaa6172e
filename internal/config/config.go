// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Write targets for confirmed habit sessions.
const (
	WriteTargetGoogle = "google"
	WriteTargetICloud = "icloud"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	LogLevel        string
	LogFormat       string
	PrimaryTimezone string
	AllowedOrigin   string

	StoreDriver string
	DBPath      string
	StateDir    string

	Google GoogleConfig
	ICloud ICloudConfig

	WriteTarget        string
	HabitCalendarName  string
	HabitCalendarColor string

	FetchConcurrency int
	InboxSize        int
	OutboxSize       int
}

// GoogleConfig configures the Google Calendar accounts.
type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	TokenDir        string
	CalendarIDs     []string
	WriteCalendarID string
}

// ICloudConfig configures the CalDAV calendar. It is disabled without a username.
type ICloudConfig struct {
	Username      string
	Password      string
	CalendarName  string
	CalendarColor string
}

// Enabled reports whether iCloud credentials were provided.
func (c ICloudConfig) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		PrimaryTimezone: getEnv("PRIMARY_TIMEZONE", "UTC"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", "*"),
		StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		DBPath:          getEnv("DB_PATH", "./data/habitcal.db"),
		StateDir:        getEnv("STATE_DIR", "./data/state"),
		Google: GoogleConfig{
			ClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),
			TokenDir:        getEnv("TOKEN_DIR", "."),
			CalendarIDs:     getEnvList("GOOGLE_CALENDAR_IDS", []string{"primary"}),
			WriteCalendarID: getEnv("GOOGLE_WRITE_CALENDAR_ID", "primary"),
		},
		ICloud: ICloudConfig{
			Username:      getEnv("ICLOUD_USERNAME", ""),
			Password:      getEnv("ICLOUD_APP_SPECIFIC_PASSWORD", ""),
			CalendarName:  getEnv("ICLOUD_CALENDAR_NAME", ""),
			CalendarColor: getEnv("ICLOUD_CALENDAR_COLOR", ""),
		},
		WriteTarget:        strings.ToLower(getEnv("WRITE_TARGET", WriteTargetGoogle)),
		HabitCalendarName:  getEnv("HABIT_CALENDAR_NAME", "Habits"),
		HabitCalendarColor: getEnv("HABIT_CALENDAR_COLOR", "#4285F4"),
		FetchConcurrency:   getEnvInt("FETCH_CONCURRENCY", 4),
		InboxSize:          getEnvInt("INBOX_SIZE", 32),
		OutboxSize:         getEnvInt("OUTBOX_SIZE", 64),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := time.LoadLocation(c.PrimaryTimezone); err != nil {
		return fmt.Errorf("invalid PRIMARY_TIMEZONE: %w", err)
	}
	switch c.StoreDriver {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreFile:
		if c.StateDir == "" {
			return fmt.Errorf("STATE_DIR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreSQLite, StoreFile, c.StoreDriver)
	}
	switch c.WriteTarget {
	case WriteTargetGoogle:
	case WriteTargetICloud:
		if !c.ICloud.Enabled() || c.ICloud.CalendarName == "" {
			return fmt.Errorf("WRITE_TARGET=icloud requires ICLOUD_USERNAME, ICLOUD_APP_SPECIFIC_PASSWORD and ICLOUD_CALENDAR_NAME")
		}
	default:
		return fmt.Errorf("WRITE_TARGET must be %q or %q, got %q", WriteTargetGoogle, WriteTargetICloud, c.WriteTarget)
	}
	if len(c.Google.CalendarIDs) == 0 {
		return fmt.Errorf("GOOGLE_CALENDAR_IDS cannot be empty")
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("FETCH_CONCURRENCY must be > 0")
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("INBOX_SIZE must be > 0")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvList splits a comma separated variable, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
