// Package handlers provides HTTP handlers for the batch report ledger.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aristath/fleet/internal/modules/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxLimit = 500

// ReportReader is the read side of the report repository
type ReportReader interface {
	Get(ctx context.Context, requestID string) (*ledger.Batch, error)
	Recent(ctx context.Context, limit int) ([]ledger.Batch, error)
}

// Handler handles ledger HTTP requests
type Handler struct {
	reports ReportReader
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(reports ReportReader, log zerolog.Logger) *Handler {
	return &Handler{
		reports: reports,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleListBatches handles GET /api/batches
func (h *Handler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = min(parsedLimit, maxLimit)
		}
	}

	batches, err := h.reports.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list batches")
		h.writeError(w, http.StatusInternalServerError, "Failed to list batches")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// HandleGetBatch handles GET /api/batches/{requestID}
func (h *Handler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	batch, err := h.reports.Get(r.Context(), requestID)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", requestID).Msg("Failed to get batch")
		h.writeError(w, http.StatusInternalServerError, "Failed to get batch")
		return
	}
	if batch == nil {
		h.writeError(w, http.StatusNotFound, "Batch not found")
		return
	}

	h.writeJSON(w, http.StatusOK, batch)
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
