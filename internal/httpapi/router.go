package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/erauner12/erpsync/internal/auth"
	"github.com/erauner12/erpsync/internal/metrics"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Records is the system of record behind the endpoint
type Records interface {
	Apply(ctx context.Context, userID string, item syncx.WireItem) (*syncx.Record, error)
	Get(ctx context.Context, userID, collection string, uid uuid.UUID) (*syncx.Record, error)
	List(ctx context.Context, userID, collection string, cursor syncx.Cursor, limit int, includeDeleted bool) (*syncx.ListResponse, error)
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Records         Records
	Users           auth.UserResolver
	RateLimitConfig RateLimitInfo
	Ready           func(ctx context.Context) error // optional readiness check
}

// DefaultRateLimitConfig allows 600 requests a minute with a burst of 120
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

const (
	defaultListLimit = 500
	maxListLimit     = 1000
	maxApplyBody     = 1 << 20
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the failure envelope. Retryability follows the status:
// 408, 429 and 5xx may succeed later, everything else never will.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	retryable := status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
	log.Ctx(r.Context()).Debug().
		Int("status", status).
		Str("code", code).
		Bool("retryable", retryable).
		Msg(message)

	writeJSON(w, status, syncx.ApplyResponse{
		Success: false,
		Error: &syncx.ErrorBody{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with the sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated); the client connectivity monitor probes it
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.Readyz)
	r.Handle(metrics.Path, metrics.Handler())
	r.Get("/v1/sync/info", s.Info)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Users, jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Post("/v1/sync/apply", s.Apply)
		r.Get("/v1/collections/{collection}", s.ListCollection)
		r.Get("/v1/collections/{collection}/{uid}", s.GetRecord)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Readyz handles GET /readyz, reporting whether the system of record answers
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
			writeError(w, r, http.StatusServiceUnavailable, syncx.CodeUnavailable, "storage unavailable")
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}
