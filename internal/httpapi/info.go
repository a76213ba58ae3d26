package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion       string         `json:"apiVersion"`
	ServerTime       string         `json:"serverTime"`
	Operations       []string       `json:"operations"`
	MaxListLimit     int            `json:"maxListLimit"`
	Idempotent       bool           `json:"idempotent"` // replayed item ids never apply twice
	MinClientVersion string         `json:"minClientVersion"`
	RateLimit        *RateLimitInfo `json:"rateLimit,omitempty"`
	Hints            *SyncHints     `json:"hints,omitempty"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	DrainIntervalSeconds int `json:"drainIntervalSeconds"`
	BackoffMsOn429       int `json:"backoffMsOn429"` // default backoff if Retry-After missing
}

// Info handles GET /v1/sync/info
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	rl := s.RateLimitConfig.orDefault()
	info := ServerInfo{
		APIVersion:       "1.0",
		ServerTime:       time.Now().UTC().Format(time.RFC3339Nano),
		Operations:       []string{"create", "update", "delete"},
		MaxListLimit:     maxListLimit,
		Idempotent:       true,
		MinClientVersion: "0.1.0",
		RateLimit:        &rl,
		Hints: &SyncHints{
			DrainIntervalSeconds: 30,
			BackoffMsOn429:       1500,
		},
	}

	writeJSON(w, http.StatusOK, info)
}
