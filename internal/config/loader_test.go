package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"ERPSYNC_API_BASE_URL", "ERPSYNC_TOKEN", "ERPSYNC_DEV_MODE", "ERPSYNC_DEBUG_SUB",
	"ERPSYNC_DATA_PATH", "ERPSYNC_DEBUG", "ERPSYNC_LOG_LEVEL", "ERPSYNC_DRAIN_INTERVAL",
	"ERPSYNC_MAX_BACKOFF", "ERPSYNC_PROBE_INTERVAL", "ERPSYNC_CACHE_FRESH_FOR", "ERPSYNC_PRELOAD",
	"ERPSYNC_METRICS_ADDR",
}

// clearEnv blanks every override; t.Setenv restores the originals
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		checks  func(*testing.T, *Config)
	}{
		{
			name: "dev mode",
			envVars: map[string]string{
				"ERPSYNC_API_BASE_URL": "http://sync:8080",
				"ERPSYNC_DEV_MODE":     "true",
				"ERPSYNC_DEBUG_SUB":    "dev-user",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://sync:8080" {
					t.Errorf("expected APIBaseURL=http://sync:8080, got %s", cfg.APIBaseURL)
				}
				if !cfg.DevMode || cfg.DebugSub != "dev-user" {
					t.Errorf("expected dev mode as dev-user, got devMode=%v sub=%q", cfg.DevMode, cfg.DebugSub)
				}
				if err := cfg.Validate(); err != nil {
					t.Errorf("expected valid config, got %v", err)
				}
			},
		},
		{
			name: "worker and cache overrides",
			envVars: map[string]string{
				"ERPSYNC_DRAIN_INTERVAL":  "5",
				"ERPSYNC_MAX_BACKOFF":     "60",
				"ERPSYNC_CACHE_FRESH_FOR": "10",
				"ERPSYNC_PRELOAD":         "orders, customers,,",
				"ERPSYNC_METRICS_ADDR":    ":2112",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Worker.Interval() != 5*time.Second {
					t.Errorf("expected 5s interval, got %v", cfg.Worker.Interval())
				}
				if cfg.Worker.MaxBackoff() != time.Minute {
					t.Errorf("expected 1m max backoff, got %v", cfg.Worker.MaxBackoff())
				}
				if cfg.Cache.FreshFor() != 10*time.Second {
					t.Errorf("expected 10s freshness, got %v", cfg.Cache.FreshFor())
				}
				if len(cfg.Cache.Preload) != 2 || cfg.Cache.Preload[1] != "customers" {
					t.Errorf("expected [orders customers], got %v", cfg.Cache.Preload)
				}
				if cfg.MetricsAddr != ":2112" {
					t.Errorf("expected metrics on :2112, got %q", cfg.MetricsAddr)
				}
			},
		},
		{
			name: "non-integer override is ignored",
			envVars: map[string]string{
				"ERPSYNC_DRAIN_INTERVAL": "soon",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Worker.IntervalSeconds != 30 {
					t.Errorf("expected default interval, got %d", cfg.Worker.IntervalSeconds)
				}
			},
		},
		{
			name:    "defaults",
			envVars: map[string]string{},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://localhost:8080" {
					t.Errorf("expected default APIBaseURL, got %s", cfg.APIBaseURL)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected default LogLevel=info, got %s", cfg.LogLevel)
				}
				if cfg.Cache.FreshFor() != 5*time.Minute {
					t.Errorf("expected 5m freshness, got %v", cfg.Cache.FreshFor())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := LoadFromEnvironment()
			if err != nil {
				t.Fatalf("LoadFromEnvironment() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	testConfigPath := filepath.Join(tmpDir, "test_config.json")
	testConfigJSON := `{
  "apiBaseUrl": "http://test-api:8080",
  "token": "file-token",
  "dataPath": "/var/lib/erpsync/local.db",
  "debug": true,
  "worker": {"intervalSeconds": 10},
  "cache": {"preload": ["orders"]}
}`
	if err := os.WriteFile(testConfigPath, []byte(testConfigJSON), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}

	badConfigPath := filepath.Join(tmpDir, "bad.json")
	if err := os.WriteFile(badConfigPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}

	tests := []struct {
		name       string
		configPath string
		envVars    map[string]string
		wantErr    error
		checks     func(*testing.T, *Config)
	}{
		{
			name:       "load from file",
			configPath: testConfigPath,
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://test-api:8080" {
					t.Errorf("expected APIBaseURL from file, got %s", cfg.APIBaseURL)
				}
				if cfg.Worker.IntervalSeconds != 10 {
					t.Errorf("expected interval from file, got %d", cfg.Worker.IntervalSeconds)
				}
				if cfg.Worker.MaxBackoffSeconds != 600 {
					t.Errorf("expected default max backoff to survive, got %d", cfg.Worker.MaxBackoffSeconds)
				}
				if err := cfg.Validate(); err != nil {
					t.Errorf("expected valid config, got %v", err)
				}
			},
		},
		{
			name:       "env overrides file",
			configPath: testConfigPath,
			envVars: map[string]string{
				"ERPSYNC_API_BASE_URL": "http://override:9000",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://override:9000" {
					t.Errorf("expected env to override file APIBaseURL, got %s", cfg.APIBaseURL)
				}
				if !cfg.Debug {
					t.Error("expected Debug=true from file")
				}
			},
		},
		{
			name:       "nonexistent file",
			configPath: "/nonexistent/config.json",
			wantErr:    ErrConfigFileNotFound,
		},
		{
			name:       "malformed file",
			configPath: badConfigPath,
			wantErr:    ErrInvalidConfigFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(tt.configPath)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Token = "tok"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid production config", func(*Config) {}, nil},
		{"valid dev mode config", func(c *Config) { c.Token = ""; c.DevMode = true; c.DebugSub = "u" }, nil},
		{"missing API base URL", func(c *Config) { c.APIBaseURL = "" }, ErrMissingAPIBaseURL},
		{"missing token in production", func(c *Config) { c.Token = "" }, ErrMissingToken},
		{"missing debug sub in dev mode", func(c *Config) { c.DevMode = true }, ErrMissingDebugSub},
		{"missing data path", func(c *Config) { c.DataPath = "" }, ErrMissingDataPath},
		{"zero interval", func(c *Config) { c.Worker.IntervalSeconds = 0 }, ErrInvalidInterval},
		{"backoff below interval", func(c *Config) { c.Worker.MaxBackoffSeconds = 1 }, ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
