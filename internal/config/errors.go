package config

import "errors"

var (
	// ErrMissingAPIBaseURL indicates that the Sync Endpoint base URL is not configured
	ErrMissingAPIBaseURL = errors.New("apiBaseUrl is required in configuration")

	// ErrMissingToken indicates that no bearer token is configured outside dev mode
	ErrMissingToken = errors.New("token is required when not in dev mode")

	// ErrMissingDebugSub indicates that dev mode has no subject to send as X-Debug-Sub
	ErrMissingDebugSub = errors.New("debugSub is required in dev mode")

	// ErrMissingDataPath indicates that the local store path is not configured
	ErrMissingDataPath = errors.New("dataPath is required in configuration")

	// ErrInvalidInterval indicates a negative or inconsistent worker interval
	ErrInvalidInterval = errors.New("worker intervals must be positive and maxBackoff >= interval")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
