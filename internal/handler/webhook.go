package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/gateway"
	"go.uber.org/zap"
)

// Reconciler applies verified gateway events. Satisfied by
// *service.OrderService.
type Reconciler interface {
	ReconcileEvent(ctx context.Context, ev *gateway.Event, payload []byte) error
}

// WebhookHandler receives gateway notifications. A 2xx tells the gateway to
// stop redelivering, so only failures worth retrying answer 5xx.
type WebhookHandler struct {
	svc       Reconciler
	secret    string
	tolerance time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler verifying against secret.
func NewWebhookHandler(svc Reconciler, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		svc:       svc,
		secret:    secret,
		tolerance: gateway.DefaultTolerance,
		now:       time.Now,
		logger:    logger,
	}
}

// RegisterRoutes registers the webhook endpoint on the given Chi router.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/gateway", h.Receive)
}

type webhookResponse struct {
	Received   bool `json:"received"`
	Reconciled bool `json:"reconciled"`
}

// Receive handles POST /webhooks/gateway.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}

	if err := gateway.VerifySignature(payload, r.Header.Get(gateway.SignatureHeader), h.secret, h.tolerance, h.now()); err != nil {
		h.logger.Warn("Rejected webhook", zap.Error(err), zap.String("remote_ip", r.RemoteAddr))
		badRequest(w, err.Error())
		return
	}

	ev, err := gateway.ParseEvent(payload)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	err = h.svc.ReconcileEvent(r.Context(), ev, payload)
	var miss *apperr.ReconciliationMiss
	var conflict *apperr.ConflictError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Reconciled: true})
	case errors.As(err, &miss):
		// Already persisted for manual follow-up; redelivery would not help.
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	case errors.As(err, &conflict):
		h.logger.Warn("Webhook does not apply to order state",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	default:
		h.logger.Error("Failed to reconcile webhook",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
