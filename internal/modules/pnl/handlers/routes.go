package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the P&L REST routes under /api
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/pl", func(r chi.Router) {
		r.Get("/snapshot", h.HandleSnapshot)
		r.Get("/summary", h.HandleSummary)
	})
}

// RegisterStreamRoutes registers the push channel outside /api so request
// timeouts do not apply to it
func (h *Handler) RegisterStreamRoutes(r chi.Router) {
	r.Get("/ws/pl", h.HandleStream)
}
