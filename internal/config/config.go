package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"eventsync/internal/diff"
)

// Source types understood by the adapter registry.
const (
	SourceTypeEventbrite = "eventbrite"
	SourceTypeTimeOut    = "timeout"
)

const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultTimezone     = "Australia/Sydney"
	DefaultCity         = "Sydney"
	DefaultRefreshCron  = "0 */6 * * *"
	DefaultStaleAfter   = 7 * 24 * time.Hour
	DefaultFetchTimeout = 30 * time.Second
	DefaultReadyTimeout = 10 * time.Second
	DefaultLockTTL      = 30 * time.Minute
	DefaultUserAgent    = "Mozilla/5.0 (compatible; eventsync/1.0; +https://github.com/eventsync)"

	DefaultEventbriteURL = "https://www.eventbrite.com.au/d/australia--sydney/events/"
	DefaultTimeOutURL    = "https://www.timeout.com/sydney/things-to-do/things-to-do-in-sydney-this-week"
)

// SourceConfig describes one listing source.
type SourceConfig struct {
	// Type selects the adapter: "eventbrite" or "timeout".
	Type string `yaml:"type" json:"type"`
	// URL is the listing page.
	URL string `yaml:"url" json:"url"`
	// Timeout bounds the whole fetch for this source.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// ReadyTimeout bounds the wait for rendered cards (eventbrite only).
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty" json:"ready_timeout,omitempty"`
	Disabled     bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the protected API routes.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to read listing dates without an offset.
	Timezone string `yaml:"timezone" json:"timezone"`

	// City is stamped on every candidate and is the default API city filter.
	City string `yaml:"city" json:"city"`

	// RefreshCron is a standard 5-field cron schedule for ingestion runs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// RunOnStart triggers one live run right after the scheduler starts.
	RunOnStart bool `yaml:"run_on_start" json:"run_on_start"`

	// StaleAfter is the window after which an unseen event becomes inactive.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`

	// ImportedPolicy controls what an upstream change does to an imported
	// event: "sticky" (default) keeps it imported, "revert" flips it back
	// to updated.
	ImportedPolicy string `yaml:"imported_policy" json:"imported_policy"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// DatabaseURL selects the PostgreSQL store. Empty keeps events in memory.
	DatabaseURL      string `yaml:"database_url,omitempty" json:"-"`
	DatabaseMaxConns int    `yaml:"database_max_conns" json:"database_max_conns"`

	// RedisURL enables the cross-process run lock. Empty uses a local lock.
	RedisURL string        `yaml:"redis_url,omitempty" json:"-"`
	LockTTL  time.Duration `yaml:"lock_ttl" json:"lock_ttl"`

	// CacheDir holds the conditional-request cache of static listing pages.
	CacheDir  string `yaml:"cache_dir" json:"cache_dir"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// BasicAuth, if non-nil, protects the dashboard, import and scrape routes.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

func defaultSources() []SourceConfig {
	return []SourceConfig{
		{Type: SourceTypeEventbrite, URL: DefaultEventbriteURL, Timeout: DefaultFetchTimeout, ReadyTimeout: DefaultReadyTimeout},
		{Type: SourceTypeTimeOut, URL: DefaultTimeOutURL, Timeout: DefaultFetchTimeout},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:           DefaultListen,
		Timezone:         DefaultTimezone,
		City:             DefaultCity,
		RefreshCron:      DefaultRefreshCron,
		StaleAfter:       DefaultStaleAfter,
		ImportedPolicy:   string(diff.PolicyStickyImported),
		LogLevel:         "info",
		LogFormat:        "text",
		DatabaseMaxConns: 10,
		LockTTL:          DefaultLockTTL,
		CacheDir:         "./var/page-cache",
		UserAgent:        DefaultUserAgent,
		CalendarName:     "Sydney events",
		Sources:          defaultSources(),
	}
	return cfg
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.City == "" {
		c.City = DefaultCity
	}
	if strings.TrimSpace(c.RefreshCron) == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	c.ImportedPolicy = strings.ToLower(strings.TrimSpace(c.ImportedPolicy))
	if c.ImportedPolicy == "" {
		c.ImportedPolicy = string(diff.PolicyStickyImported)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat != "json" {
		c.LogFormat = "text"
	}
	if c.DatabaseMaxConns <= 0 {
		c.DatabaseMaxConns = 10
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.CalendarName == "" {
		c.CalendarName = c.City + " events"
	}
	if c.Sources == nil {
		c.Sources = defaultSources()
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		if s.Timeout <= 0 {
			s.Timeout = DefaultFetchTimeout
		}
		if s.Type == SourceTypeEventbrite && s.ReadyTimeout <= 0 {
			s.ReadyTimeout = DefaultReadyTimeout
		}
	}
}

// Validate reports configuration that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := diff.ParsePolicy(c.ImportedPolicy); err != nil {
		return err
	}
	for i, s := range c.Sources {
		switch s.Type {
		case SourceTypeEventbrite, SourceTypeTimeOut:
		default:
			return fmt.Errorf("sources[%d]: unknown type %q", i, s.Type)
		}
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("sources[%d]: url is required", i)
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("basic_auth requires username and password")
	}
	return nil
}

// ApplyEnv overrides deployment settings from the environment. getenv is
// normally os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("EVENTSYNC_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := getenv("EVENTSYNC_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := getenv("EVENTSYNC_REFRESH"); v != "" {
		c.RefreshCron = v
	}
	if v := getenv("EVENTSYNC_LISTEN"); v != "" {
		c.Listen = v
	}
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
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
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory with 0700 if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".eventsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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
