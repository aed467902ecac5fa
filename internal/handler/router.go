package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/settee-billing/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware биллинг-сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/entitlements", h.GetEntitlements)
			r.Post("/likes", h.ConsumeLike)

			r.Get("/tickets", h.GetTickets)
			r.Post("/tickets/exchange", h.ExchangeTicket)
			r.Post("/tickets/{ticketID}/use", h.UseTicket)

			r.Post("/purchase/verify", h.VerifyPurchase)
		})
	})

	r.Post("/api/appstore/notifications", h.PlatformNotification)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
