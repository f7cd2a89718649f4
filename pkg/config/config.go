// Package config defines the patchwatch configuration file format.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLiteFile is the database filename placed in the user's home
	// directory when no path is configured.
	DefaultSQLiteFile = ".patchwatch.db"

	// DefaultPollInterval is the delay between reconciliation sweeps while
	// jobs are outstanding.
	DefaultPollInterval = 60 * time.Second

	// DefaultPendingExpiry is how long a submitted patch may stay pending
	// before it is considered abandoned and eligible for resubmission.
	DefaultPendingExpiry = 12 * time.Hour

	// DefaultRetryAttempts is the number of attempts for transient CI API
	// failures.
	DefaultRetryAttempts = 5

	// DefaultRetryInterval is the delay between CI API retry attempts.
	DefaultRetryInterval = 60 * time.Second

	// DefaultTrackerRateLimit is the per-tracker request budget in
	// requests per second.
	DefaultTrackerRateLimit = 10
)

// Config is the root configuration for patchwatch.
type Config struct {
	LogLevel string          `yaml:"log_level" mapstructure:"log_level"`
	Database DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Jenkins  JenkinsConfig   `yaml:"jenkins" mapstructure:"jenkins"`
	Baseline BaselineConfig  `yaml:"baseline" mapstructure:"baseline"`
	Watch    WatchConfig     `yaml:"watch" mapstructure:"watch"`
	Trackers []TrackerConfig `yaml:"trackers" mapstructure:"trackers"`
	Report   ReportConfig    `yaml:"report" mapstructure:"report"`
}

// DatabaseConfig selects and configures the result store backend.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL-specific settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// JenkinsConfig locates the CI server and the job used for testing.
type JenkinsConfig struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	Username      string        `yaml:"username" mapstructure:"username"`
	Token         string        `yaml:"token" mapstructure:"token"`
	Job           string        `yaml:"job" mapstructure:"job"`
	RetryAttempts int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
}

// BaselineConfig describes the repository whose baseline is tested and used
// as the base for series testing.
type BaselineConfig struct {
	Repo      string `yaml:"repo" mapstructure:"repo"`
	Ref       string `yaml:"ref" mapstructure:"ref"`
	ConfigURL string `yaml:"config_url" mapstructure:"config_url"`
	MakeOpts  string `yaml:"make_opts" mapstructure:"make_opts"`
	Force     bool   `yaml:"force" mapstructure:"force"`
}

// WatchConfig tunes the reconciliation loop.
type WatchConfig struct {
	Filter        string        `yaml:"filter" mapstructure:"filter"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PendingExpiry time.Duration `yaml:"pending_expiry" mapstructure:"pending_expiry"`
}

// TrackerConfig describes one patch tracker source to poll.
type TrackerConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Project string `yaml:"project" mapstructure:"project"`
	RESTAPI bool   `yaml:"rest_api" mapstructure:"rest_api"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	// Since seeds the watermark for a REST source that was never polled
	// before (ISO-8601 patch timestamp).
	Since string `yaml:"since" mapstructure:"since"`
	// LastPatch seeds the watermark for an XML-RPC source that was never
	// polled before (patch ID).
	LastPatch int64 `yaml:"last_patch" mapstructure:"last_patch"`
	// Skip adds patch name patterns to the built-in skip list.
	Skip []string `yaml:"skip" mapstructure:"skip"`
	// RateLimit caps tracker API requests per second.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ReportConfig configures the mail report sender.
type ReportConfig struct {
	SMTPAddr string   `yaml:"smtp_addr" mapstructure:"smtp_addr"`
	From     string   `yaml:"from" mapstructure:"from"`
	To       []string `yaml:"to" mapstructure:"to"`
	Assets   string   `yaml:"assets" mapstructure:"assets"`
	Intro    string   `yaml:"intro" mapstructure:"intro"`
	Footer   string   `yaml:"footer" mapstructure:"footer"`
	// Headers are extra mail headers in "Key: Value" form.
	Headers []string `yaml:"headers" mapstructure:"headers"`
}

// Load reads and parses a configuration file from the given path.
// Values can be overridden through PATCHWATCH_* environment variables
// (e.g. PATCHWATCH_DATABASE_DRIVER).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PATCHWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = defaultSQLitePath()
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Jenkins.RetryAttempts == 0 {
		c.Jenkins.RetryAttempts = DefaultRetryAttempts
	}

	if c.Jenkins.RetryInterval == 0 {
		c.Jenkins.RetryInterval = DefaultRetryInterval
	}

	if c.Watch.PollInterval == 0 {
		c.Watch.PollInterval = DefaultPollInterval
	}

	if c.Watch.PendingExpiry == 0 {
		c.Watch.PendingExpiry = DefaultPendingExpiry
	}

	for i := range c.Trackers {
		if c.Trackers[i].RateLimit == 0 {
			c.Trackers[i].RateLimit = DefaultTrackerRateLimit
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver: %s", c.Database.Driver)
	}

	if c.Watch.PollInterval < 0 {
		return fmt.Errorf("watch poll_interval must not be negative")
	}

	if c.Watch.PendingExpiry < 0 {
		return fmt.Errorf("watch pending_expiry must not be negative")
	}

	for i, t := range c.Trackers {
		if t.BaseURL == "" {
			return fmt.Errorf("tracker %d: base_url is required", i)
		}

		if t.Project == "" {
			return fmt.Errorf("tracker %d: project is required", i)
		}

		if t.RateLimit < 0 {
			return fmt.Errorf("tracker %d: rate_limit must not be negative", i)
		}
	}

	return nil
}

// ValidateJenkins checks that the CI server coordinates needed for job
// submission are present. Commands that never talk to the CI server skip
// this.
func (c *Config) ValidateJenkins() error {
	if c.Jenkins.URL == "" {
		return fmt.Errorf("jenkins url is required")
	}

	if c.Jenkins.Job == "" {
		return fmt.Errorf("jenkins job is required")
	}

	return nil
}

// ValidateBaseline checks that the baseline repository coordinates are
// present.
func (c *Config) ValidateBaseline() error {
	if c.Baseline.Repo == "" {
		return fmt.Errorf("baseline repo is required")
	}

	return nil
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultSQLiteFile
	}

	return filepath.Join(home, DefaultSQLiteFile)
}
