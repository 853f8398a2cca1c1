package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/service"
	"go.uber.org/zap"
)

// PaymentAdminServicer defines the operator-side payment operations.
// Satisfied by *service.OrderService.
type PaymentAdminServicer interface {
	RetryAsOperator(ctx context.Context, id uuid.UUID) (*service.CheckoutResult, error)
	ListAttempts(ctx context.Context, id uuid.UUID) ([]database.PaymentAttempt, error)
	ListUnreconciled(ctx context.Context, limit, offset int32) ([]database.UnreconciledPayment, error)
}

// PaymentHandler serves staff payment endpoints. Expected to be mounted
// behind OperatorAuth.Require.
type PaymentHandler struct {
	svc    PaymentAdminServicer
	logger *zap.Logger
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(svc PaymentAdminServicer, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers admin payment endpoints on the given Chi router.
func (h *PaymentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/orders/{id}/payment/retry", h.Retry)
	r.Get("/orders/{id}/payment/attempts", h.ListAttempts)
	r.Get("/payments/unreconciled", h.ListUnreconciled)
}

// --- Response types ---

type attemptResponse struct {
	ID        uuid.UUID `json:"id"`
	IntentID  *string   `json:"intent_id"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	ErrorCode *string   `json:"error_code"`
	CreatedAt time.Time `json:"created_at"`
}

type unreconciledResponse struct {
	ID        uuid.UUID  `json:"id"`
	EventID   string     `json:"event_id"`
	EventType string     `json:"event_type"`
	IntentID  string     `json:"intent_id"`
	Reference *string    `json:"reference"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason"`
	OrderID   *uuid.UUID `json:"order_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// --- Handlers ---

// Retry handles POST /orders/{id}/payment/retry for staff.
func (h *PaymentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	result, err := h.svc.RetryAsOperator(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, resultOrder(result))
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutResponse(result))
}

// ListAttempts handles GET /orders/{id}/payment/attempts.
func (h *PaymentHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	attempts, err := h.svc.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			ID:        a.ID,
			IntentID:  textPtr(a.IntentID),
			Amount:    numericToString(a.Amount),
			Status:    a.Status,
			ErrorCode: textPtr(a.ErrorCode),
			CreatedAt: a.CreatedAt.Time,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListUnreconciled handles GET /payments/unreconciled?limit=&offset=.
func (h *PaymentHandler) ListUnreconciled(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePagination(w, r)
	if !ok {
		return
	}
	rows, err := h.svc.ListUnreconciled(r.Context(), limit, offset)
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	resp := make([]unreconciledResponse, 0, len(rows))
	for _, u := range rows {
		resp = append(resp, unreconciledResponse{
			ID:        u.ID,
			EventID:   u.EventID,
			EventType: u.EventType,
			IntentID:  u.IntentID,
			Reference: textPtr(u.Reference),
			Status:    u.Status,
			Reason:    u.Reason,
			OrderID:   uuidPtr(u.OrderID),
			CreatedAt: u.CreatedAt.Time,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePagination(w http.ResponseWriter, r *http.Request) (int32, int32, bool) {
	limit, offset := int32(50), int32(0)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 1 || n > 200 {
			badRequest(w, "limit must be between 1 and 200")
			return 0, 0, false
		}
		limit = int32(n)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			badRequest(w, "offset must be >= 0")
			return 0, 0, false
		}
		offset = int32(n)
	}
	return limit, offset, true
}
