// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
	"github.com/Shivanand-hulikatti/race-registration/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// WebhookVerifier authenticates provider callbacks.
type WebhookVerifier interface {
	VerifyCallbackToken(token string) error
}

// RegistrationHandler holds all HTTP handlers for the registration API.
type RegistrationHandler struct {
	checkout  *service.CheckoutService
	reconcile *service.ReconcileService
	events    *service.EventService
	verifier  WebhookVerifier
}

// NewRegistrationHandler constructs a RegistrationHandler.
func NewRegistrationHandler(
	checkout *service.CheckoutService,
	reconcile *service.ReconcileService,
	events *service.EventService,
	verifier WebhookVerifier,
) *RegistrationHandler {
	return &RegistrationHandler{
		checkout:  checkout,
		reconcile: reconcile,
		events:    events,
		verifier:  verifier,
	}
}

// Routes mounts the API on r.
func (h *RegistrationHandler) Routes(r chi.Router) {
	r.Get("/health", HealthCheck)

	r.Post("/checkout", h.Checkout)
	r.Post("/webhooks/payment", h.PaymentWebhook)

	r.Route("/registrations/{id}", func(r chi.Router) {
		r.Get("/", h.GetRegistration)
		r.Get("/sync", h.SyncRegistration)
		r.Post("/cancel", h.CancelRegistration)
	})

	r.Route("/events/{id}", func(r chi.Router) {
		r.Get("/", h.GetEvent)
		r.Get("/registrations", h.ListRegistrations)
		r.Get("/bibs/{number}", h.CheckBib)
	})
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// errorStatus maps service errors to an HTTP status and machine code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrRegistrationClosed):
		return http.StatusUnprocessableEntity, "REGISTRATION_CLOSED"
	case errors.Is(err, service.ErrCategoryNotFound):
		return http.StatusUnprocessableEntity, "CATEGORY_NOT_FOUND"
	case errors.Is(err, service.ErrPriceMismatch):
		return http.StatusUnprocessableEntity, "PRICE_MISMATCH"
	case errors.Is(err, service.ErrTermsNotAccepted):
		return http.StatusUnprocessableEntity, "TERMS_NOT_ACCEPTED"
	case errors.Is(err, service.ErrVanityNotOffered):
		return http.StatusUnprocessableEntity, "VANITY_NOT_OFFERED"
	case errors.Is(err, service.ErrCategoryFull):
		return http.StatusConflict, "CATEGORY_FULL"
	case errors.Is(err, service.ErrEventNotFound):
		return http.StatusNotFound, "EVENT_NOT_FOUND"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, service.ErrNotCancellable):
		return http.StatusConflict, "NOT_CANCELLABLE"
	case errors.Is(err, service.ErrNoLongerPending):
		return http.StatusConflict, "NOT_PENDING"
	case errors.Is(err, service.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// ─── Checkout ─────────────────────────────────────────────────────────────────

// Checkout handles POST /checkout
// Validates the draft, creates the registration and returns the payment
// redirect, or confirms a free registration directly.
func (h *RegistrationHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req model.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid request body: "+err.Error())
		return
	}

	res, err := h.checkout.Create(r.Context(), UserID(r.Context()), req)
	if err != nil {
		status, code := errorStatus(err)
		if status == http.StatusServiceUnavailable && res != nil {
			// The registration exists; the client can retry with it.
			writeJSON(w, status, model.ErrorResponse{Error: err.Error(), Code: code, RegistrationID: res.RegistrationID})
			return
		}
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// ─── Registrations ────────────────────────────────────────────────────────────

// GetRegistration handles GET /registrations/{id}
func (h *RegistrationHandler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.ownedRegistration(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// SyncRegistration handles GET /registrations/{id}/sync
// Pulls the provider's status for a pending registration, so the result page
// converges even when the webhook is late or lost.
func (h *RegistrationHandler) SyncRegistration(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.ownedRegistration(w, r)
	if !ok {
		return
	}

	synced, err := h.reconcile.Sync(r.Context(), reg.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewSyncResponse(synced))
}

// CancelRegistration handles POST /registrations/{id}/cancel
func (h *RegistrationHandler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.checkout.Cancel(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (h *RegistrationHandler) ownedRegistration(w http.ResponseWriter, r *http.Request) (*model.Registration, bool) {
	userID := UserID(r.Context())
	if userID == "" {
		writeServiceError(w, r, service.ErrUnauthorized)
		return nil, false
	}
	reg, err := h.checkout.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if reg.UserID != userID {
		writeServiceError(w, r, service.ErrForbidden)
		return nil, false
	}
	return reg, true
}

// ─── Webhook ──────────────────────────────────────────────────────────────────

// PaymentWebhook handles POST /webhooks/payment
// Unknown registrations are acknowledged so the provider stops retrying;
// store failures return 500 so it retries later.
func (h *RegistrationHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.verifier.VerifyCallbackToken(r.Header.Get(payment.CallbackTokenHeader)); err != nil {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("payment webhook rejected")
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid callback token")
		return
	}

	var n payment.Notification
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid notification body: "+err.Error())
		return
	}

	if _, err := h.reconcile.HandleWebhook(r.Context(), n); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn().Str("invoice_id", n.InvoiceID).Str("external_id", n.ExternalID).Msg("notification for unknown registration")
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ─── Events ───────────────────────────────────────────────────────────────────

// GetEvent handles GET /events/{id}
func (h *RegistrationHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ListRegistrations handles GET /events/{id}/registrations
// Returns all registrations for a given event.
func (h *RegistrationHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.events.ListRegistrations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if regs == nil {
		regs = []model.Registration{}
	}

	writeJSON(w, http.StatusOK, regs)
}

// CheckBib handles GET /events/{id}/bibs/{number}
// Advisory only: the number is not held until a payment confirms.
func (h *RegistrationHandler) CheckBib(w http.ResponseWriter, r *http.Request) {
	res, err := h.events.CheckVanity(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "number"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
