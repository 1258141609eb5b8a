package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/batches", func(r chi.Router) {
		r.Get("/", h.HandleListBatches)
		r.Get("/{requestID}", h.HandleGetBatch)
	})
}
