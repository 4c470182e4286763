package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/fahrezi93/thrifting-ecommerce-sub002/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/payment/webhook", h.PaymentWebhook)

		r.Get("/orders/{reference}", h.GetOrder)

		r.Get("/events", h.StreamEvents)

		r.Post("/push/subscribe", h.PushSubscribe)
		r.Post("/push/unsubscribe", h.PushUnsubscribe)

		r.Group(func(r chi.Router) {
			r.Use(h.tokenVerifier.Middleware)

			r.Post("/admin/orders/status", h.SetOrderStatus)
			r.Post("/admin/events/broadcast", h.BroadcastEvent)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
