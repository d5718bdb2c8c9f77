package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the REST API plus the two live-stream transports. Either
// transport handler may be nil when the deployment does not expose it.
func NewRouter(h *Handler, session, stream http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/stock", func(r chi.Router) {
			r.Post("/", h.SeedStock)
			r.Get("/{resourceId}", h.GetStock)
			r.Post("/{resourceId}/restock", h.Restock)
		})
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.Reserve)
			r.Get("/{reservationId}", h.GetReservation)
			r.Post("/{reservationId}/confirm", h.Confirm)
			r.Post("/{reservationId}/release", h.Release)
		})
		r.Get("/orders/{orderRef}/reservations", h.OrderReservations)
	})

	if session != nil {
		r.Handle("/ws", session)
	}
	if stream != nil {
		r.Handle("/events/stream", stream)
	}

	return r
}
