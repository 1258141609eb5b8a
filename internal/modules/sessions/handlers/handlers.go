// Package handlers provides HTTP handlers for the session cache.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/fleet/internal/modules/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SessionCache is the part of the cache exposed over HTTP
type SessionCache interface {
	Status(accountID string) sessions.SessionStatus
	List() []sessions.SessionStatus
	Invalidate(accountID string) bool
}

// Handler handles session HTTP requests
type Handler struct {
	cache SessionCache
	log   zerolog.Logger
}

// NewHandler creates a new session handler
func NewHandler(cache SessionCache, log zerolog.Logger) *Handler {
	return &Handler{
		cache: cache,
		log:   log.With().Str("handler", "sessions").Logger(),
	}
}

// HandleList handles GET /api/sessions
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list := h.cache.List()
	if list == nil {
		list = []sessions.SessionStatus{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"count":    len(list),
	})
}

// HandleGetStatus handles GET /api/sessions/{accountID}
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, "accountID is required")
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Status(accountID))
}

// HandleInvalidate handles DELETE /api/sessions/{accountID}
func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, "accountID is required")
		return
	}
	removed := h.cache.Invalidate(accountID)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":   accountID,
		"invalidated": removed,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
