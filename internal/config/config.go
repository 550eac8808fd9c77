package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	DefaultListen          = "127.0.0.1:8080"
	DefaultExportDir       = "/config/www"
	DefaultIntervalMinutes = 360
	DefaultRunTimeout      = 2 * time.Minute
	DefaultHTTPTimeout     = 15 * time.Second
)

// tenantNamespace seeds name-based tenant ids.
var tenantNamespace = uuid.MustParse("5d0c1c8e-8a43-4f0e-9a53-3c3f2b1f7a10")

// TenantConfig describes a single TimeTree calendar export.
type TenantConfig struct {
	// ID identifies the tenant in logs, metrics and the HTTP API. Derived
	// from email + calendar alias when empty.
	ID string `yaml:"id" json:"id"`
	// Name is the display name; the output file name is derived from it.
	Name string `yaml:"name" json:"name"`

	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password" json:"-"`

	// CalendarAlias is the TimeTree alias code of the calendar to export.
	CalendarAlias string `yaml:"calendar_alias" json:"calendar_alias"`

	// IntervalMinutes between exports. Defaults to 360.
	IntervalMinutes int `yaml:"interval_minutes" json:"interval_minutes"`

	// Schedule is an optional cron expression (e.g. "*/30 * * * *") that
	// takes precedence over IntervalMinutes.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// NotifyURL receives a JSON POST after every successful export.
	NotifyURL string `yaml:"notify_url,omitempty" json:"notify_url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	// Stdout writes finished spans to stdout.
	Stdout bool `yaml:"stdout" json:"stdout"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// ExportDir is where tenant ICS files are written and served from.
	ExportDir string `yaml:"export_dir" json:"export_dir"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// RunTimeout bounds one whole export run, including every upstream call.
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`

	// HTTPTimeout bounds each single request to TimeTree.
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`

	// BaseURL overrides the TimeTree API endpoint (tests, proxies).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	Tenants []TenantConfig `yaml:"tenants" json:"tenants"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      DefaultListen,
		ExportDir:   DefaultExportDir,
		LogLevel:    "info",
		LogFormat:   "text",
		RunTimeout:  DefaultRunTimeout,
		HTTPTimeout: DefaultHTTPTimeout,
		Metrics:     MetricsConfig{Enabled: true},
		Tenants:     []TenantConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ExportDir == "" {
		c.ExportDir = DefaultExportDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = "text"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Tenants == nil {
		c.Tenants = []TenantConfig{}
	}
	for i := range c.Tenants {
		c.Tenants[i].normalize()
	}
}

func (t *TenantConfig) normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.Email = strings.TrimSpace(t.Email)
	if t.IntervalMinutes == 0 {
		t.IntervalMinutes = DefaultIntervalMinutes
	}
	if t.ID == "" && t.Email != "" {
		t.ID = uuid.NewSHA1(tenantNamespace, []byte(t.Email+"\x00"+t.CalendarAlias)).String()
	}
}

// Interval returns the configured export interval.
func (t TenantConfig) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Tenants))
	for i, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tenants[%d]: %w", i, err)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// Validate checks a single tenant entry.
func (t TenantConfig) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("name is required")
	case t.Email == "":
		return errors.New("email is required")
	case t.Password == "":
		return errors.New("password is required")
	case t.IntervalMinutes < 1:
		return fmt.Errorf("interval_minutes must be >= 1, got %d", t.IntervalMinutes)
	}
	if t.Schedule != "" {
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			return fmt.Errorf("schedule %q: %w", t.Schedule, err)
		}
	}
	return nil
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
//   - validate tenants
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

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600 (the file holds passwords).
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

	tmp, err := os.CreateTemp(dir, ".ttexport-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
