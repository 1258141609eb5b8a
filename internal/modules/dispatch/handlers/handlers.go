// Package handlers provides HTTP handlers for batch order execution.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/modules/dispatch"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// BatchDispatcher is the dispatcher surface used by the handlers
type BatchDispatcher interface {
	ExecuteWithOptions(ctx context.Context, template domain.OrderTemplate, orders []domain.AccountOrder, ro dispatch.RunOptions) (*domain.BatchReport, error)
	ExitAllWithOptions(ctx context.Context, template domain.OrderTemplate, orders []domain.AccountOrder, ro dispatch.RunOptions) (*domain.BatchReport, error)
	ExitPositions(ctx context.Context, req dispatch.ExitRequest) (*domain.BatchReport, error)
	Cancel(ctx context.Context, accountID, brokerOrderID string) error
}

// Handler handles order HTTP requests
type Handler struct {
	dispatcher BatchDispatcher
	log        zerolog.Logger
}

// NewHandler creates a new order handler
func NewHandler(dispatcher BatchDispatcher, log zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		log:        log.With().Str("handler", "orders").Logger(),
	}
}

// HandleExecuteAll handles POST /api/orders/execute-all
func (h *Handler) HandleExecuteAll(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBatch(w, r)
	if !ok {
		return
	}
	report, err := h.dispatcher.ExecuteWithOptions(r.Context(), req.Template(), req.AccountOrders, dispatch.RunOptions{DryRun: req.DryRun})
	h.respond(w, report, err)
}

// HandleExitAll handles POST /api/orders/exit-all
func (h *Handler) HandleExitAll(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBatch(w, r)
	if !ok {
		return
	}
	report, err := h.dispatcher.ExitAllWithOptions(r.Context(), req.Template(), req.AccountOrders, dispatch.RunOptions{DryRun: req.DryRun})
	h.respond(w, report, err)
}

// HandleExitPositions handles POST /api/orders/exit-positions
func (h *Handler) HandleExitPositions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := dispatch.DecodeExitPositionsRequest(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.dispatcher.ExitPositions(r.Context(), req.ExitRequest())
	h.respond(w, report, err)
}

// HandleCancel handles POST /api/orders/{orderID}/cancel?accountId=
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	accountID := r.URL.Query().Get("accountId")

	if err := h.dispatcher.Cancel(r.Context(), accountID, orderID); err != nil {
		status := http.StatusBadGateway
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			status = http.StatusBadRequest
		case domain.ClassifyError(err) == domain.ErrorKindAuthentication:
			status = http.StatusUnauthorized
		case domain.ClassifyError(err) == domain.ErrorKindTimeout:
			status = http.StatusGatewayTimeout
		}
		h.log.Warn().Err(err).Str("account_id", accountID).Str("order_id", orderID).Msg("Cancel failed")
		h.writeError(w, status, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": accountID,
		"orderId":   orderID,
		"cancelled": true,
	})
}

func (h *Handler) decodeBatch(w http.ResponseWriter, r *http.Request) (*dispatch.BatchRequest, bool) {
	body, ok := h.readBody(w, r)
	if !ok {
		return nil, false
	}
	req, err := dispatch.DecodeBatchRequest(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return req, true
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return nil, false
	}
	return body, true
}

// respond maps batch-level errors; per-account failures live inside the report
func (h *Handler) respond(w http.ResponseWriter, report *domain.BatchReport, err error) {
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("Batch execution failed")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
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
