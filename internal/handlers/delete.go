package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"beacon/internal/auth"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/store"
)

// DeleteHandler serves DELETE /telemetry/users/{userId}.
type DeleteHandler struct {
	store     store.Store
	forwarder Forwarder
}

// NewDeleteHandler wires the deletion endpoint. forwarder may be nil.
func NewDeleteHandler(st store.Store, forwarder Forwarder) *DeleteHandler {
	return &DeleteHandler{store: st, forwarder: forwarder}
}

// ServeHTTP deletes every stored record of the user. The caller must be the
// user or hold the privacy or admin role.
func (h *DeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	log := logger.WithRequestID(r.Header.Get("X-Request-ID")).With().
		Str("component", "deletion").
		Str("user_id", userID).
		Str("subject", principal.Subject).
		Logger()

	if !principal.CanDelete(userID) {
		log.Warn().Str("role", principal.Role).Msg("deletion refused: not permitted")
		writeError(w, http.StatusForbidden, "not permitted to delete this user's data")
		return
	}

	deleted, err := h.store.DeleteAllForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrEmptyUserID) {
			writeError(w, http.StatusBadRequest, "user id is required")
			return
		}
		log.Error().Err(err).Msg("deletion failed")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
		return
	}

	metrics.DeletionsTotal.Inc()
	metrics.DeletedRecordsTotal.Add(float64(deleted))

	if h.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		if err := h.forwarder.Tombstone(ctx, userID); err != nil {
			log.Warn().Err(err).Msg("failed to publish deletion tombstone")
		}
		cancel()
	}

	log.Info().Int64("deleted", deleted).Msg("user data deleted")
	writeJSON(w, http.StatusOK, models.DeleteResponse{UserID: userID, Deleted: deleted})
}
