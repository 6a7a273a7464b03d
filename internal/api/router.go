/**
 * @description
 * This file sets up the HTTP router for the checkout-service. Merchant endpoints are
 * authenticated with bearer JWTs; admin endpoints are reserved for other backend
 * services and require the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser checkouts.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the authentication and CORS settings.
type RouterConfig struct {
	JWTSigningSecret string
	InternalAPIKey   string
	AllowedOrigins   []string
}

// CheckoutRoutes creates and returns a new router for the checkout service.
func CheckoutRoutes(h *CheckoutHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderInternalAPIKey},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(MerchantAuthMiddleware(cfg.JWTSigningSecret))

		r.Post("/sessions", h.CreateSessionHandler)
		r.Get("/sessions/{id}", h.GetSessionHandler)
		r.Post("/sessions/{id}/verify", h.VerifySessionHandler)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/sessions/{id}/webhook/redeliver", h.RedeliverWebhookHandler)
		r.Post("/sessions/{id}/refund", h.RefundSessionHandler)
		r.Get("/merchants/{id}/undelivered", h.ListUndeliveredHandler)
	})

	return r
}
