package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/orderstatus-service/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса статусов заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(middleware.Compress(5, "application/json"))

	r.Get("/health", h.Health)

	r.Route("/orderstatus", func(r chi.Router) {
		r.Post("/confirm", h.Confirm)
		r.Post("/cancel", h.Cancel)
		r.Post("/accept", h.Accept)

		r.Post("/generate-otp", h.GenerateOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/resend-otp", h.ResendOTP)

		r.Get("/all", h.ListActive)
		r.Get("/events", h.Events)
		r.Get("/deliveryprogress/{orderId}", h.DeliveryProgress)
		r.Get("/{orderId}", h.GetStatus)
	})

	r.Delete("/orders/{orderId}", h.DeleteOrder)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
