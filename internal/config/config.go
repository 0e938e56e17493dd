package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"

	SourceModeHTTP    = "http"
	SourceModeBrowser = "browser"

	defaultTimezone     = "America/Chicago"
	defaultClosedTitle  = "CRWC Competition Pool: Closed"
	defaultClosedMarker = "Closed"
	defaultSyncedPrefix = "Last synced"
	defaultRefreshCron  = "0 */6 * * *"
	defaultListen       = "127.0.0.1:8080"
	defaultSourceURL    = "https://recserv.uiowa.edu/aquatics"
	defaultFormID       = "uiowa_hours_filter_form_1"
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
	defaultNtfyServer   = "https://ntfy.sh"
	defaultNotifyTitle  = "Updated Aquatic Calendar"
)

// SourceConfig describes where and how the hours page is scraped.
type SourceConfig struct {
	// URL is the facility hours page.
	URL string `yaml:"url" json:"url"`
	// FormID is the Drupal form_id posted along with the date.
	FormID string `yaml:"form_id" json:"form_id"`
	// Mode selects the fetcher:
	//   - "http" (default): POST the AJAX form directly
	//   - "browser": drive headless Chromium via chromedp
	Mode      string `yaml:"mode" json:"mode"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// RequestsPerSecond throttles requests to the facility site.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	// Concurrency bounds how many dates are fetched at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// Timeout returns TimeoutSeconds as a duration.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// NotifyConfig configures the ntfy notification sent after a run that
// changed at least one date. An empty Topic disables notifications.
type NotifyConfig struct {
	Server string `yaml:"server" json:"server"`
	Topic  string `yaml:"topic" json:"topic"`
	Title  string `yaml:"title" json:"title"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// CalendarID is the target Google calendar.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// Timezone is the IANA timezone of the facility (e.g. "America/Chicago").
	Timezone string `yaml:"timezone" json:"timezone"`

	// CredentialsFile is the service-account JSON key for the Google provider.
	CredentialsFile string `yaml:"credentials_file" json:"-"`

	// Provider selects the calendar backend: "google" (default) or "ics".
	Provider string `yaml:"provider" json:"provider"`

	// ICSPath is the calendar file used by the "ics" provider.
	ICSPath string `yaml:"ics_path" json:"ics_path"`

	// ClosedTitle is the title of the all-day event created on closed days;
	// ClosedMarker is the substring that identifies such an event.
	ClosedTitle  string `yaml:"closed_title" json:"closed_title"`
	ClosedMarker string `yaml:"closed_marker" json:"closed_marker"`

	// SyncedPrefix starts the description of every synced event.
	SyncedPrefix string `yaml:"synced_prefix" json:"synced_prefix"`

	// MonthsAhead extends the sync range through the last day of the month
	// that many months after today.
	MonthsAhead int `yaml:"months_ahead" json:"months_ahead"`

	// RefreshCron is a cron-style schedule string (e.g. "0 */6 * * *")
	// used in daemon mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Source SourceConfig `yaml:"source" json:"source"`
	Notify NotifyConfig `yaml:"notify" json:"notify"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

// Calendar is the narrow view of Config handed to calendar providers.
type Calendar struct {
	CalendarID      string
	Location        *time.Location
	CredentialsFile string
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Provider:    ProviderGoogle,
		MonthsAhead: 1,
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.Provider) {
	case ProviderGoogle, ProviderICS:
		c.Provider = strings.ToLower(c.Provider)
	default:
		c.Provider = ProviderGoogle
	}
	if c.ClosedTitle == "" {
		c.ClosedTitle = defaultClosedTitle
	}
	if c.ClosedMarker == "" {
		c.ClosedMarker = defaultClosedMarker
	}
	if c.SyncedPrefix == "" {
		c.SyncedPrefix = defaultSyncedPrefix
	}
	if c.MonthsAhead < 0 {
		c.MonthsAhead = 0
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}

	if c.Source.URL == "" {
		c.Source.URL = defaultSourceURL
	}
	if c.Source.FormID == "" {
		c.Source.FormID = defaultFormID
	}
	switch c.Source.Mode {
	case SourceModeHTTP, SourceModeBrowser:
		// ok
	default:
		c.Source.Mode = SourceModeHTTP
	}
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = defaultUserAgent
	}
	if c.Source.RequestsPerSecond <= 0 {
		c.Source.RequestsPerSecond = 1
	}
	if c.Source.TimeoutSeconds <= 0 {
		c.Source.TimeoutSeconds = 30
	}
	if c.Source.Concurrency <= 0 {
		c.Source.Concurrency = 4
	}

	if c.Notify.Server == "" {
		c.Notify.Server = defaultNtfyServer
	}
	if c.Notify.Title == "" {
		c.Notify.Title = defaultNotifyTitle
	}
}

// ApplyEnv overrides file values with the environment variables the sync
// job has always honored: CALENDAR_ID, SERVICE_ACCOUNT_FILE, TIMEZONE and
// NTFY_TOPIC.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("CALENDAR_ID"); v != "" {
		c.CalendarID = v
	}
	if v := getenv("SERVICE_ACCOUNT_FILE"); v != "" {
		c.CredentialsFile = v
	}
	if v := getenv("TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := getenv("NTFY_TOPIC"); v != "" {
		c.Notify.Topic = v
	}
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	switch c.Provider {
	case ProviderGoogle:
		if c.CalendarID == "" {
			errs = append(errs, errors.New("calendar_id is required for the google provider"))
		}
		if c.CredentialsFile == "" {
			errs = append(errs, errors.New("credentials_file is required for the google provider"))
		}
	case ProviderICS:
		if c.ICSPath == "" {
			errs = append(errs, errors.New("ics_path is required for the ics provider"))
		}
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	return errors.Join(errs...)
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Calendar returns the provider-facing subset of the configuration.
func (c *Config) Calendar() (Calendar, error) {
	loc, err := c.Location()
	if err != nil {
		return Calendar{}, err
	}
	return Calendar{
		CalendarID:      c.CalendarID,
		Location:        loc,
		CredentialsFile: c.CredentialsFile,
	}, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := Config{MonthsAhead: 1}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename (see WriteFileAtomic).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename. The final file has 0600 permissions.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".poolsync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
