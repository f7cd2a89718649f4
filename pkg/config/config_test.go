package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configContent := `
log_level: info
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
jenkins:
  url: https://ci.example.com
  username: original-user
  token: original-token
  job: patch-test
baseline:
  repo: git://git.example.com/kernel.git
  ref: master
watch:
  poll_interval: 60s
  pending_expiry: 12h
`

	configPath := writeConfig(t, configContent)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "sqlite", cfg.Database.Driver)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "original-user", cfg.Jenkins.Username)
				assert.Equal(t, 60*time.Second, cfg.Watch.PollInterval)
				assert.Equal(t, 12*time.Hour, cfg.Watch.PendingExpiry)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"PATCHWATCH_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
		{
			name: "nested override - database.sqlite.path",
			envVars: map[string]string{
				"PATCHWATCH_DATABASE_SQLITE_PATH": "/tmp/override.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/override.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "nested override - jenkins.token",
			envVars: map[string]string{
				"PATCHWATCH_JENKINS_TOKEN": "secret-from-env",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "secret-from-env", cfg.Jenkins.Token)
			},
		},
		{
			name: "duration override - watch.poll_interval",
			envVars: map[string]string{
				"PATCHWATCH_WATCH_POLL_INTERVAL": "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Second, cfg.Watch.PollInterval)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"PATCHWATCH_LOG_LEVEL":            "trace",
				"PATCHWATCH_BASELINE_REF":         "linux-5.4.y",
				"PATCHWATCH_WATCH_PENDING_EXPIRY": "1h",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.LogLevel)
				assert.Equal(t, "linux-5.4.y", cfg.Baseline.Ref)
				assert.Equal(t, time.Hour, cfg.Watch.PendingExpiry)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configContent := `
baseline:
  repo: git://git.example.com/kernel.git
  ref: master
`

	cfg, err := Load(writeConfig(t, configContent))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultPollInterval, cfg.Watch.PollInterval)
	assert.Equal(t, DefaultPendingExpiry, cfg.Watch.PendingExpiry)
	assert.Equal(t, DefaultRetryAttempts, cfg.Jenkins.RetryAttempts)
	assert.Equal(t, DefaultRetryInterval, cfg.Jenkins.RetryInterval)
}

func TestLoad_TrackerDefaults(t *testing.T) {
	configContent := `
trackers:
  - base_url: https://patchwork.example.com
    project: netdev
    rest_api: true
`

	cfg, err := Load(writeConfig(t, configContent))
	require.NoError(t, err)

	require.Len(t, cfg.Trackers, 1)
	assert.Equal(t, float64(DefaultTrackerRateLimit), cfg.Trackers[0].RateLimit)
	assert.True(t, cfg.Trackers[0].RESTAPI)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantErr   bool
		errSubstr string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name: "unknown database driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr:   true,
			errSubstr: "unknown database driver",
		},
		{
			name: "tracker missing base_url",
			mutate: func(cfg *Config) {
				cfg.Trackers = []TrackerConfig{{Project: "netdev"}}
			},
			wantErr:   true,
			errSubstr: "base_url is required",
		},
		{
			name: "tracker missing project",
			mutate: func(cfg *Config) {
				cfg.Trackers = []TrackerConfig{{BaseURL: "https://patchwork.example.com"}}
			},
			wantErr:   true,
			errSubstr: "project is required",
		},
		{
			name: "negative poll interval",
			mutate: func(cfg *Config) {
				cfg.Watch.PollInterval = -time.Second
			},
			wantErr:   true,
			errSubstr: "poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateJenkins(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	err := cfg.ValidateJenkins()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jenkins url is required")

	cfg.Jenkins.URL = "https://ci.example.com"
	err = cfg.ValidateJenkins()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jenkins job is required")

	cfg.Jenkins.Job = "patch-test"
	assert.NoError(t, cfg.ValidateJenkins())
}
