package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderServicer defines the service methods needed by payer-facing order
// handlers. Satisfied by *service.OrderService; narrow interface for
// testability.
type OrderServicer interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	GetOrder(ctx context.Context, id uuid.UUID, reference string) (database.Order, error)
	ConfirmFromClient(ctx context.Context, id uuid.UUID, reference, intentID string) (database.Order, error)
	ReportFailure(ctx context.Context, id uuid.UUID, reference, code string) (database.Order, error)
	Cancel(ctx context.Context, id uuid.UUID, reference string) (database.Order, error)
	Retry(ctx context.Context, id uuid.UUID, reference string) (*service.CheckoutResult, error)
}

// OrderHandler handles checkout and the payer's side of the payment
// lifecycle. Payers are anonymous; the order reference is their credential.
type OrderHandler struct {
	svc    OrderServicer
	logger *zap.Logger
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(svc OrderServicer, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers order endpoints on the given Chi router.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout", h.Checkout)
	r.Get("/orders/{id}", h.Get)
	r.Post("/orders/{id}/payment/confirm", h.Confirm)
	r.Post("/orders/{id}/payment/fail", h.Fail)
	r.Post("/orders/{id}/payment/cancel", h.Cancel)
	r.Post("/orders/{id}/payment/retry", h.Retry)
}

// --- Request / Response types ---

type customerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type checkoutRequest struct {
	cartRequest
	Customer customerRequest `json:"customer"`
}

type paymentActionRequest struct {
	Reference       string `json:"reference"`
	PaymentIntentID string `json:"payment_intent_id"`
	Code            string `json:"code"`
}

type orderResponse struct {
	ID                 uuid.UUID       `json:"id"`
	Reference          string          `json:"reference"`
	Status             string          `json:"status"`
	PaymentStatus      string          `json:"payment_status"`
	PaymentState       string          `json:"payment_state"`
	OrderType          string          `json:"order_type"`
	PaymentMethod      string          `json:"payment_method"`
	CustomerName       string          `json:"customer_name"`
	DeliveryZone       *string         `json:"delivery_zone"`
	DeliveryManual     bool            `json:"delivery_manual"`
	Items              json.RawMessage `json:"items"`
	Subtotal           string          `json:"subtotal"`
	DeliveryFee        string          `json:"delivery_fee"`
	SmallOrderFee      string          `json:"small_order_fee"`
	ServiceFee         string          `json:"service_fee"`
	CouponDiscount     string          `json:"coupon_discount"`
	RoundingAdjustment string          `json:"rounding_adjustment"`
	TotalAmount        string          `json:"total_amount"`
	Currency           string          `json:"currency"`
	PaymentIntentID    *string         `json:"payment_intent_id"`
	FailureCode        *string         `json:"failure_code"`
	PaidAt             *time.Time      `json:"paid_at"`
	CreatedAt          time.Time       `json:"created_at"`
}

type checkoutResponse struct {
	Order        orderResponse      `json:"order"`
	Breakdown    *breakdownResponse `json:"breakdown,omitempty"`
	ClientSecret string             `json:"client_secret,omitempty"`
}

// --- Handlers ---

// Checkout handles POST /checkout.
func (h *OrderHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	qr, err := req.cartRequest.toService()
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}

	result, err := h.svc.Checkout(r.Context(), service.CheckoutRequest{
		Quote: qr,
		Customer: service.Customer{
			Name:  strings.TrimSpace(req.Customer.Name),
			Email: strings.TrimSpace(req.Customer.Email),
			Phone: strings.TrimSpace(req.Customer.Phone),
		},
	})
	if err != nil {
		// The order may already exist in a failed state; return it so the
		// payer can retry payment against it.
		writeError(w, h.logger, err, resultOrder(result))
		return
	}
	writeJSON(w, http.StatusCreated, toCheckoutResponse(result))
}

// Get handles GET /orders/{id}?ref=.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	order, err := h.svc.GetOrder(r.Context(), id, r.URL.Query().Get("ref"))
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Confirm handles POST /orders/{id}/payment/confirm. The client reports the
// intent it completed; the gateway is asked for the authoritative status.
func (h *OrderHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.paymentAction(w, r)
	if !ok {
		return
	}
	if req.PaymentIntentID == "" {
		writeError(w, h.logger, apperr.Validation("payment_intent_id", "is required"), nil)
		return
	}
	order, err := h.svc.ConfirmFromClient(r.Context(), id, req.Reference, req.PaymentIntentID)
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Fail handles POST /orders/{id}/payment/fail.
func (h *OrderHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.paymentAction(w, r)
	if !ok {
		return
	}
	order, err := h.svc.ReportFailure(r.Context(), id, req.Reference, req.Code)
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Cancel handles POST /orders/{id}/payment/cancel.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.paymentAction(w, r)
	if !ok {
		return
	}
	order, err := h.svc.Cancel(r.Context(), id, req.Reference)
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Retry handles POST /orders/{id}/payment/retry.
func (h *OrderHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.paymentAction(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Retry(r.Context(), id, req.Reference)
	if err != nil {
		writeError(w, h.logger, err, resultOrder(result))
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutResponse(result))
}

func (h *OrderHandler) paymentAction(w http.ResponseWriter, r *http.Request) (uuid.UUID, paymentActionRequest, bool) {
	var req paymentActionRequest
	id, ok := parseOrderID(w, r)
	if !ok {
		return id, req, false
	}
	if !decodeJSON(w, r, &req) {
		return id, req, false
	}
	if req.Reference == "" {
		writeError(w, h.logger, apperr.Validation("reference", "is required"), nil)
		return id, req, false
	}
	return id, req, true
}

// --- Conversion helpers ---

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

func resultOrder(result *service.CheckoutResult) *orderResponse {
	if result == nil {
		return nil
	}
	resp := toOrderResponse(result.Order)
	return &resp
}

func toCheckoutResponse(result *service.CheckoutResult) checkoutResponse {
	resp := checkoutResponse{
		Order:        toOrderResponse(result.Order),
		ClientSecret: result.ClientSecret,
	}
	if len(result.Breakdown.Lines) > 0 {
		b := toBreakdownResponse(result.Breakdown)
		resp.Breakdown = &b
	}
	return resp
}

func toOrderResponse(o database.Order) orderResponse {
	items := json.RawMessage(o.Items)
	if len(items) == 0 {
		items = json.RawMessage("[]")
	}
	return orderResponse{
		ID:                 o.ID,
		Reference:          o.Reference,
		Status:             o.Status,
		PaymentStatus:      o.PaymentStatus,
		PaymentState:       string(service.StateOf(o)),
		OrderType:          o.OrderType,
		PaymentMethod:      o.PaymentMethod,
		CustomerName:       o.CustomerName,
		DeliveryZone:       textPtr(o.DeliveryZone),
		DeliveryManual:     o.DeliveryManual,
		Items:              items,
		Subtotal:           numericToString(o.Subtotal),
		DeliveryFee:        numericToString(o.DeliveryFee),
		SmallOrderFee:      numericToString(o.SmallOrderFee),
		ServiceFee:         numericToString(o.ServiceFee),
		CouponDiscount:     numericToString(o.CouponDiscount),
		RoundingAdjustment: numericToString(o.RoundingAdjustment),
		TotalAmount:        numericToString(o.TotalAmount),
		Currency:           o.Currency,
		PaymentIntentID:    textPtr(o.PaymentIntentID),
		FailureCode:        textPtr(o.FailureCode),
		PaidAt:             timePtr(o.PaidAt),
		CreatedAt:          o.CreatedAt.Time,
	}
}

func numericToString(n pgtype.Numeric) string {
	if !n.Valid {
		return "0.00"
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return "0.00"
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return "0.00"
	}
	return d.StringFixed(2)
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func uuidPtr(u pgtype.UUID) *uuid.UUID {
	if !u.Valid {
		return nil
	}
	id := uuid.UUID(u.Bytes)
	return &id
}
