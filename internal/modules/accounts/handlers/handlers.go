// Package handlers provides HTTP handlers for account management.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/modules/accounts"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AccountStore is the account repository surface used by the handlers
type AccountStore interface {
	List(ctx context.Context, activeOnly bool) ([]accounts.Account, error)
	Get(ctx context.Context, id string) (*accounts.Account, error)
	Upsert(ctx context.Context, id, name string, active bool, creds *domain.Credentials) error
	Delete(ctx context.Context, id string) error
}

// SessionInvalidator drops a cached session after its account changes
type SessionInvalidator interface {
	Invalidate(accountID string) bool
}

// PositionReader fetches the open positions of one account from the gateway
type PositionReader interface {
	Positions(ctx context.Context, accountID string) ([]domain.Position, error)
}

// Handler handles account HTTP requests
type Handler struct {
	store     AccountStore
	sessions  SessionInvalidator
	positions PositionReader
	log       zerolog.Logger
}

// NewHandler creates a new account handler. sessions and positions may be nil.
func NewHandler(store AccountStore, sessions SessionInvalidator, positions PositionReader, log zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		sessions:  sessions,
		positions: positions,
		log:       log.With().Str("handler", "accounts").Logger(),
	}
}

type credentialsBody struct {
	APIKey     string `json:"apiKey"`
	SecretKey  string `json:"secretKey"`
	UserID     string `json:"userId"`
	Password   string `json:"password"`
	DOB        string `json:"dob,omitempty"`
	TOTPSecret string `json:"totpSecret,omitempty"`
}

type upsertRequest struct {
	Name        string           `json:"name"`
	Active      *bool            `json:"active"`
	Credentials *credentialsBody `json:"credentials"`
}

// HandleList handles GET /api/accounts?active=true
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	list, err := h.store.List(r.Context(), activeOnly)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list accounts")
		h.writeError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": list,
		"count":    len(list),
	})
}

// HandleUpsert handles PUT /api/accounts/{accountID}
func (h *Handler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	var creds *domain.Credentials
	if req.Credentials != nil {
		creds = &domain.Credentials{
			APIKey:     req.Credentials.APIKey,
			SecretKey:  req.Credentials.SecretKey,
			UserID:     req.Credentials.UserID,
			Password:   req.Credentials.Password,
			DOB:        req.Credentials.DOB,
			TOTPSecret: req.Credentials.TOTPSecret,
		}
		if !creds.Complete() {
			h.writeError(w, http.StatusBadRequest, "credentials require apiKey, secretKey, userId and password")
			return
		}
	}

	if err := h.store.Upsert(r.Context(), accountID, req.Name, active, creds); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to save account")
		h.writeError(w, http.StatusInternalServerError, "Failed to save account")
		return
	}

	if h.sessions != nil {
		h.sessions.Invalidate(accountID)
	}

	acct, err := h.store.Get(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to reload account")
		h.writeError(w, http.StatusInternalServerError, "Failed to reload account")
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

// HandleDelete handles DELETE /api/accounts/{accountID}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if err := h.store.Delete(r.Context(), accountID); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to delete account")
		h.writeError(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}

	invalidated := false
	if h.sessions != nil {
		invalidated = h.sessions.Invalidate(accountID)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":          accountID,
		"deleted":            true,
		"sessionInvalidated": invalidated,
	})
}

type credentialStatus struct {
	AccountID      string `json:"accountId"`
	Active         bool   `json:"active"`
	HasCredentials bool   `json:"hasCredentials"`
	Complete       bool   `json:"complete"`
	HasTOTP        bool   `json:"hasTotp"`
}

// HandleCredentialStatus handles GET /api/accounts/{accountID}/credentials/status.
// Secrets are never returned, only whether usable ones are stored.
func (h *Handler) HandleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	acct, err := h.store.Get(r.Context(), accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		h.writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to load account")
		h.writeError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}

	h.writeJSON(w, http.StatusOK, credentialStatus{
		AccountID:      accountID,
		Active:         acct.Active,
		HasCredentials: acct.HasCredentials,
		Complete:       acct.HasCredentials && acct.Credentials.Complete(),
		HasTOTP:        acct.Credentials.TOTPSecret != "",
	})
}

// HandlePositions handles GET /api/accounts/{accountID}/positions
func (h *Handler) HandlePositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if h.positions == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Positions are not available")
		return
	}

	positions, err := h.positions.Positions(r.Context(), accountID)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, domain.ErrAccountNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrAccountInactive):
			status = http.StatusConflict
		case domain.ClassifyError(err) == domain.ErrorKindTimeout:
			status = http.StatusGatewayTimeout
		case domain.ClassifyError(err) == domain.ErrorKindAuthentication:
			status = http.StatusUnauthorized
		}
		h.log.Warn().Err(err).Str("account_id", accountID).Msg("Failed to fetch positions")
		h.writeError(w, status, err.Error())
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": accountID,
		"positions": positions,
		"count":     len(positions),
		"timestamp": time.Now().UTC(),
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
