package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers session routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{accountID}", h.HandleGetStatus)
		r.Delete("/{accountID}", h.HandleInvalidate)
	})
}
