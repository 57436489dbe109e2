package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds environment-driven configuration.
type Config struct {
	Calendar struct {
		BaseURL      string // default: https://www.googleapis.com/calendar/v3
		Token        string
		RefreshToken string
		TokenURL     string
		CalendarIDs  []string // first entry receives writes; default: primary
		Timeout      time.Duration
	}
	MySQL struct {
		DSN string // e.g., user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
	}
	Sync struct {
		Timezone string        // e.g., UTC (default), Europe/Berlin
		Interval time.Duration // periodic sync in serve mode
	}
	HTTP struct {
		Addr string
	}
	PolicyFile string
	PIDFile    string
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config

	cfg.Calendar.BaseURL = os.Getenv("CALENDAR_BASE_URL")
	if cfg.Calendar.BaseURL == "" {
		cfg.Calendar.BaseURL = "https://www.googleapis.com/calendar/v3"
	}
	cfg.Calendar.Token = os.Getenv("CALENDAR_TOKEN")
	cfg.Calendar.RefreshToken = os.Getenv("CALENDAR_REFRESH_TOKEN")
	cfg.Calendar.TokenURL = os.Getenv("CALENDAR_TOKEN_URL")
	cfg.Calendar.CalendarIDs = splitList(os.Getenv("CALENDAR_IDS"))
	if len(cfg.Calendar.CalendarIDs) == 0 {
		cfg.Calendar.CalendarIDs = []string{"primary"}
	}
	timeout, err := durationEnv("CALENDAR_TIMEOUT", 30*time.Second)
	if err != nil {
		return cfg, err
	}
	cfg.Calendar.Timeout = timeout

	cfg.MySQL.DSN = os.Getenv("MYSQL_DSN")

	cfg.Sync.Timezone = os.Getenv("SYNC_TZ")
	if cfg.Sync.Timezone == "" {
		cfg.Sync.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Sync.Timezone); err != nil {
		return cfg, fmt.Errorf("SYNC_TZ: %w", err)
	}
	interval, err := durationEnv("SYNC_INTERVAL", 5*time.Minute)
	if err != nil {
		return cfg, err
	}
	cfg.Sync.Interval = interval

	cfg.HTTP.Addr = os.Getenv("HTTP_ADDR")
	cfg.PolicyFile = os.Getenv("POLICY_FILE")
	cfg.PIDFile = os.Getenv("PID_FILE")
	if cfg.PIDFile == "" {
		cfg.PIDFile = os.TempDir() + "/focus-sync.pid"
	}

	return cfg, nil
}

// RequireCalendar checks that the calendar credentials are usable.
func (c Config) RequireCalendar() error {
	if c.Calendar.Token == "" && (c.Calendar.RefreshToken == "" || c.Calendar.TokenURL == "") {
		return errors.New("CALENDAR_TOKEN is required (or CALENDAR_REFRESH_TOKEN with CALENDAR_TOKEN_URL)")
	}
	return nil
}

// Location returns the configured sync timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration like 30s", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
