/**
 * @description
 * This file contains the HTTP handlers for the checkout-service's API endpoints.
 * Handlers parse the request, call the application service and translate its errors
 * into status codes. No business rules live here.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/checkout-service/internal/app"
	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
)

const maxRequestBodyBytes = 64 << 10

// CheckoutHandlers holds the application service that handlers will use.
type CheckoutHandlers struct {
	service *app.Service
}

// NewCheckoutHandlers creates a new CheckoutHandlers.
func NewCheckoutHandlers(service *app.Service) *CheckoutHandlers {
	return &CheckoutHandlers{service: service}
}

type redeliveryResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type undeliveredResponse struct {
	MerchantID string                  `json:"merchant_id"`
	Sessions   []domain.PaymentSession `json:"sessions"`
}

// CreateSessionHandler handles POST /sessions.
func (h *CheckoutHandlers) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := GetMerchantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify merchant from token")
		return
	}

	var req domain.CreateSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.service.CreateSession(r.Context(), merchantID, req)
	if err != nil {
		h.writeServiceError(w, "create_session", err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetSessionHandler handles GET /sessions/{id}.
func (h *CheckoutHandlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := GetMerchantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify merchant from token")
		return
	}

	session, err := h.service.GetSession(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_session", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// VerifySessionHandler handles POST /sessions/{id}/verify.
func (h *CheckoutHandlers) VerifySessionHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := GetMerchantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify merchant from token")
		return
	}

	session, err := h.service.VerifySessionPayment(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "verify_session", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// RedeliverWebhookHandler handles POST /admin/sessions/{id}/webhook/redeliver.
func (h *CheckoutHandlers) RedeliverWebhookHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.service.RedeliverWebhook(r.Context(), sessionID); err != nil {
		h.writeServiceError(w, "redeliver_webhook", err)
		return
	}
	writeJSON(w, http.StatusAccepted, redeliveryResponse{SessionID: sessionID, Status: "queued"})
}

// RefundSessionHandler handles POST /admin/sessions/{id}/refund.
func (h *CheckoutHandlers) RefundSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.MarkSessionRefunded(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "refund_session", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ListUndeliveredHandler handles GET /admin/merchants/{id}/undelivered.
func (h *CheckoutHandlers) ListUndeliveredHandler(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "id")

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := h.service.ListUndelivered(r.Context(), merchantID, limit)
	if err != nil {
		h.writeServiceError(w, "list_undelivered", err)
		return
	}
	writeJSON(w, http.StatusOK, undeliveredResponse{MerchantID: merchantID, Sessions: sessions})
}

func (h *CheckoutHandlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	var rateLimited *app.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		seconds := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, "Too many verification requests")
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Payment session not found")
	case errors.Is(err, store.ErrMerchantNotFound):
		writeError(w, http.StatusForbidden, "Merchant is not registered")
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidCurrency),
		errors.Is(err, app.ErrInvalidRecipient),
		errors.Is(err, app.ErrInvalidTTL),
		errors.Is(err, app.ErrInvalidMetadata):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, app.ErrNotDeliverable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrDispatcherStopped):
		writeError(w, http.StatusServiceUnavailable, "Webhook delivery is unavailable")
	default:
		log.Printf("level=error component=api op=%s msg=\"request failed\" err=%q", op, err.Error())
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=warn component=api msg=\"failed to encode response\" err=%q", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
