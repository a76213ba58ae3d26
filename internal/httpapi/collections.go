package httpapi

import (
	"net/http"
	"strings"

	"github.com/erauner12/erpsync/internal/auth"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// parseIncludeDeleted reads the includeDeleted query param
func parseIncludeDeleted(r *http.Request) bool {
	v := strings.ToLower(r.URL.Query().Get("includeDeleted"))
	return v == "true" || v == "1"
}

// ListCollection handles GET /v1/collections/{collection}
func (s *Server) ListCollection(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	ctx := r.Context()
	logger := log.Ctx(ctx)

	collection := chi.URLParam(r, "collection")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)

	cur := syncx.Cursor{}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		var ok bool
		if cur, ok = syncx.DecodeCursor(raw); !ok {
			writeError(w, r, http.StatusBadRequest, syncx.CodeInvalidRequest, "invalid cursor")
			return
		}
	}

	resp, err := s.Records.List(ctx, userID, collection, cur, limit, parseIncludeDeleted(r))
	if err != nil {
		logger.Error().Err(err).Str("collection", collection).Msg("failed to list collection")
		writeError(w, r, http.StatusServiceUnavailable, syncx.CodeUnavailable, "failed to list collection")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRecord handles GET /v1/collections/{collection}/{uid}
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	ctx := r.Context()
	logger := log.Ctx(ctx)

	collection := chi.URLParam(r, "collection")
	uid, err := uuid.Parse(chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, syncx.CodeInvalidRequest, "invalid UID")
		return
	}

	rec, err := s.Records.Get(ctx, userID, collection, uid)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get record")
		writeError(w, r, http.StatusServiceUnavailable, syncx.CodeUnavailable, "failed to get record")
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, syncx.CodeNotFound, "record not found")
		return
	}

	if rec.DeletedAt != nil && !parseIncludeDeleted(r) {
		writeJSON(w, http.StatusGone, map[string]any{
			"error":     "record deleted",
			"deletedAt": rec.DeletedAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}
