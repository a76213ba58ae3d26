package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Load loads configuration from a file path and applies environment variable overrides
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	// Note: Validation is NOT performed here to allow CLI flags to override
	// Call cfg.Validate() after applying CLI overrides in the caller

	return cfg, nil
}

// loadFromFile decodes a JSON file over the defaults in cfg, so omitted
// fields keep their default values
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if apiURL := os.Getenv("ERPSYNC_API_BASE_URL"); apiURL != "" {
		cfg.APIBaseURL = apiURL
	}

	if token := os.Getenv("ERPSYNC_TOKEN"); token != "" {
		cfg.Token = token
	}

	if devMode := os.Getenv("ERPSYNC_DEV_MODE"); devMode == "true" || devMode == "1" {
		cfg.DevMode = true
	}

	if sub := os.Getenv("ERPSYNC_DEBUG_SUB"); sub != "" {
		cfg.DebugSub = sub
	}

	if path := os.Getenv("ERPSYNC_DATA_PATH"); path != "" {
		cfg.DataPath = path
	}

	if debug := os.Getenv("ERPSYNC_DEBUG"); debug == "true" || debug == "1" {
		cfg.Debug = true
	}

	if logLevel := os.Getenv("ERPSYNC_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if addr := os.Getenv("ERPSYNC_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	setSeconds("ERPSYNC_DRAIN_INTERVAL", &cfg.Worker.IntervalSeconds)
	setSeconds("ERPSYNC_MAX_BACKOFF", &cfg.Worker.MaxBackoffSeconds)
	setSeconds("ERPSYNC_PROBE_INTERVAL", &cfg.Worker.ProbeSeconds)
	setSeconds("ERPSYNC_CACHE_FRESH_FOR", &cfg.Cache.FreshForSeconds)

	// Preloaded collections (comma-separated list)
	if preload := os.Getenv("ERPSYNC_PRELOAD"); preload != "" {
		parts := strings.Split(preload, ",")
		cfg.Cache.Preload = make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cfg.Cache.Preload = append(cfg.Cache.Preload, trimmed)
			}
		}
	}
}

func setSeconds(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer environment override")
		return
	}
	*dst = n
}

// LoadFromEnvironment creates a configuration using only environment variables
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}
