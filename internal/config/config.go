// Package config loads the client-side settings shared by syncworker and syncctl.
package config

import "time"

// Config holds all configuration for the client-side pipeline
type Config struct {
	APIBaseURL  string       `json:"apiBaseUrl"`
	Token       string       `json:"token,omitempty"`
	DevMode     bool         `json:"devMode"`            // send X-Debug-Sub instead of a bearer token
	DebugSub    string       `json:"debugSub,omitempty"` // subject used in dev mode
	DataPath    string       `json:"dataPath"`           // SQLite file holding the queue and cache
	Debug       bool         `json:"debug"`
	LogLevel    string       `json:"logLevel"`
	MetricsAddr string       `json:"metricsAddr,omitempty"` // syncworker serves /metrics here when set
	Worker      WorkerConfig `json:"worker"`
	Cache       CacheConfig  `json:"cache"`
}

// WorkerConfig tunes the background drain. Values are seconds.
type WorkerConfig struct {
	IntervalSeconds       int `json:"intervalSeconds"`
	MaxBackoffSeconds     int `json:"maxBackoffSeconds"`
	ProbeSeconds          int `json:"probeSeconds"` // connectivity probe period
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds"`
	CompactAfterSeconds   int `json:"compactAfterSeconds"` // done rows older than this are deleted
}

// CacheConfig tunes the read cache
type CacheConfig struct {
	FreshForSeconds int      `json:"freshForSeconds"`
	Preload         []string `json:"preload,omitempty"` // collections warmed at startup
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrMissingAPIBaseURL
	}

	if c.DevMode {
		if c.DebugSub == "" {
			return ErrMissingDebugSub
		}
	} else if c.Token == "" {
		return ErrMissingToken
	}

	if c.DataPath == "" {
		return ErrMissingDataPath
	}

	w := c.Worker
	if w.IntervalSeconds <= 0 || w.MaxBackoffSeconds < w.IntervalSeconds || w.ProbeSeconds <= 0 {
		return ErrInvalidInterval
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL: "http://localhost:8080",
		DataPath:   "erpsync.db",
		LogLevel:   "info",
		Worker: WorkerConfig{
			IntervalSeconds:       30,
			MaxBackoffSeconds:     600,
			ProbeSeconds:          15,
			RequestTimeoutSeconds: 30,
			CompactAfterSeconds:   7 * 24 * 3600,
		},
		Cache: CacheConfig{
			FreshForSeconds: 300,
			Preload:         []string{},
		},
	}
}

// Interval is the time between scheduled drains
func (w WorkerConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

// MaxBackoff caps the delay after failing drains
func (w WorkerConfig) MaxBackoff() time.Duration {
	return time.Duration(w.MaxBackoffSeconds) * time.Second
}

// Probe is the connectivity probe period
func (w WorkerConfig) Probe() time.Duration {
	return time.Duration(w.ProbeSeconds) * time.Second
}

// RequestTimeout bounds one HTTP attempt
func (w WorkerConfig) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutSeconds) * time.Second
}

// CompactAfter is the age past which done rows are removed
func (w WorkerConfig) CompactAfter() time.Duration {
	return time.Duration(w.CompactAfterSeconds) * time.Second
}

// FreshFor is how long a cache entry is served without revalidation
func (c CacheConfig) FreshFor() time.Duration {
	return time.Duration(c.FreshForSeconds) * time.Second
}
