package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers account routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Put("/{accountID}", h.HandleUpsert)
		r.Delete("/{accountID}", h.HandleDelete)
		r.Get("/{accountID}/positions", h.HandlePositions)
		r.Get("/{accountID}/credentials/status", h.HandleCredentialStatus)
	})
}
