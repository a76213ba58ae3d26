package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/erauner12/erpsync/internal/auth"
	"github.com/erauner12/erpsync/internal/metrics"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// Apply handles POST /v1/sync/apply
//
// The body is one queued write. Status codes carry the retry classification
// the background worker acts on:
//   - 200 applied (or already applied / already deleted)
//   - 400 malformed item, terminal
//   - 404 update of a missing record, terminal
//   - 503 storage failure, retryable
func (s *Server) Apply(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var item syncx.WireItem
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxApplyBody)).Decode(&item); err != nil {
		writeError(w, r, http.StatusBadRequest, syncx.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}

	rec, err := s.Records.Apply(ctx, userID, item)
	switch {
	case err == nil:
		metrics.ObserveApply("ok")
		writeJSON(w, http.StatusOK, syncx.ApplyResponse{Success: true, Record: rec})
	case errors.Is(err, syncx.ErrInvalidItem), errors.Is(err, syncx.ErrUnknownOperation):
		metrics.ObserveApply(syncx.CodeInvalidRequest)
		writeError(w, r, http.StatusBadRequest, syncx.CodeInvalidRequest, err.Error())
	case errors.Is(err, syncx.ErrNotFound):
		metrics.ObserveApply(syncx.CodeNotFound)
		writeError(w, r, http.StatusNotFound, syncx.CodeNotFound, err.Error())
	default:
		metrics.ObserveApply(syncx.CodeUnavailable)
		logger.Error().Err(err).Str("opId", item.ID).Msg("failed to apply sync item")
		writeError(w, r, http.StatusServiceUnavailable, syncx.CodeUnavailable, "failed to apply item")
	}
}
