package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers order routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/execute-all", h.HandleExecuteAll)       // Same order across accounts
		r.Post("/exit-all", h.HandleExitAll)             // Same order, side inverted
		r.Post("/exit-positions", h.HandleExitPositions) // Close open positions per account
		r.Post("/{orderID}/cancel", h.HandleCancel)
	})
}
