package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/kiwari-pos/storefront/internal/gateway"
	"github.com/kiwari-pos/storefront/internal/pricing"
	"github.com/kiwari-pos/storefront/internal/ws"
	"go.uber.org/zap"
)

const maxReferenceRetries = 3

// Failure codes recorded on orders by the storefront itself. Gateway decline
// codes are stored as reported.
const (
	FailureIntentError      = "intent_error"
	FailureCancelledByPayer = "cancelled_by_payer"
)

// EventOrderPaymentStatus is the websocket event sent on every status change.
const EventOrderPaymentStatus = "order.payment_status"

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderStore defines the DB methods needed to place and settle orders.
// Satisfied by *database.Queries (and its WithTx variant).
type OrderStore interface {
	CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (database.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (database.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (database.Order, error)
	SetOrderPaymentIntent(ctx context.Context, arg database.SetOrderPaymentIntentParams) (database.Order, error)
	MarkOrderPaid(ctx context.Context, arg database.MarkOrderPaidParams) (database.Order, error)
	MarkOrderPaymentFailed(ctx context.Context, arg database.MarkOrderPaymentFailedParams) (database.Order, error)
	CancelOrder(ctx context.Context, arg database.CancelOrderParams) (database.Order, error)
	ClaimOrderRetry(ctx context.Context, id uuid.UUID) (database.Order, error)

	InsertCouponRedemption(ctx context.Context, arg database.InsertCouponRedemptionParams) (int64, error)
	IncrementCouponUsage(ctx context.Context, id uuid.UUID) (int32, error)

	CreatePaymentAttempt(ctx context.Context, arg database.CreatePaymentAttemptParams) (database.PaymentAttempt, error)
	MarkPaymentAttemptCreated(ctx context.Context, arg database.MarkPaymentAttemptCreatedParams) error
	MarkPaymentAttemptError(ctx context.Context, arg database.MarkPaymentAttemptErrorParams) error
	GetPaymentAttemptByIntent(ctx context.Context, intentID pgtype.Text) (database.PaymentAttempt, error)
	ListPaymentAttemptsByOrder(ctx context.Context, orderID uuid.UUID) ([]database.PaymentAttempt, error)

	CreateUnreconciledPayment(ctx context.Context, arg database.CreateUnreconciledPaymentParams) (database.UnreconciledPayment, error)
	ListUnreconciledPayments(ctx context.Context, arg database.ListUnreconciledPaymentsParams) ([]database.UnreconciledPayment, error)
}

// NewOrderStore creates an OrderStore from a DBTX (pool or tx).
// This allows the service to create store instances from transactions.
type NewOrderStore func(db database.DBTX) OrderStore

// Quoter prices a cart. Satisfied by *QuoteService.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// Gateway is the payment gateway. Satisfied by *gateway.Client.
type Gateway interface {
	CreateIntent(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error)
	GetIntent(ctx context.Context, id string) (*gateway.Intent, error)
	CancelIntent(ctx context.Context, id string) (*gateway.Intent, error)
}

// Notifier pushes events to an order's live subscribers. Satisfied by *ws.Hub.
type Notifier interface {
	BroadcastToOrder(orderID uuid.UUID, event ws.Event)
}

// PaymentStatusEvent is the payload of EventOrderPaymentStatus.
type PaymentStatusEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	Reference     string    `json:"reference"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	FailureCode   string    `json:"failure_code,omitempty"`
	Total         string    `json:"total"`
}

// Customer is the payer's contact data.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// CheckoutRequest is the input for placing an order.
type CheckoutRequest struct {
	Quote    QuoteRequest
	Customer Customer
}

// CheckoutResult is the placed order. ClientSecret is set for gateway
// payments once an intent exists.
type CheckoutResult struct {
	Order        database.Order
	Breakdown    pricing.Breakdown
	ClientSecret string
}

// OrderDeps are the collaborators of OrderService.
type OrderDeps struct {
	Pool     TxBeginner
	Store    OrderStore
	NewStore NewOrderStore
	Quotes   Quoter
	Gateway  Gateway
	Notifier Notifier
	Logger   *zap.Logger
}

// OrderConfig holds the settings OrderService reads.
type OrderConfig struct {
	Currency string
	Retry    RetryPolicy
}

// OrderService places orders and drives them through the payment lifecycle.
// The order row is always committed before the gateway is called, so every
// gateway operation has an order id to correlate with.
type OrderService struct {
	pool     TxBeginner
	store    OrderStore
	newStore NewOrderStore
	quotes   Quoter
	gateway  Gateway
	notifier Notifier
	logger   *zap.Logger
	currency string
	retry    RetryPolicy

	newReference func() string
}

// NewOrderService creates a new OrderService.
func NewOrderService(deps OrderDeps, cfg OrderConfig) *OrderService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	return &OrderService{
		pool:         deps.Pool,
		store:        deps.Store,
		newStore:     deps.NewStore,
		quotes:       deps.Quotes,
		gateway:      deps.Gateway,
		notifier:     deps.Notifier,
		logger:       logger,
		currency:     cfg.Currency,
		retry:        cfg.Retry,
		newReference: newReference,
	}
}

// newReference returns a short customer-facing order reference.
func newReference() string {
	return "WEB-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Checkout prices the cart, persists the order together with the coupon
// redemption, and for gateway payments requests a payment intent.
//
// If the intent cannot be created the order is kept as failed and both the
// result and the error are returned, so the payer can retry.
func (s *OrderService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := validateCustomer(req.Customer); err != nil {
		return nil, err
	}

	quote, err := s.quotes.Quote(ctx, req.Quote)
	if err != nil {
		return nil, err
	}
	b := quote.Breakdown.Rounded()
	viaGateway := enum.RequiresGateway(req.Quote.PaymentMethod)
	if viaGateway && pricing.MinorUnits(b.Total) == 0 {
		return nil, apperr.Validation("payment_method", "card payment requires a positive total")
	}

	params, err := s.orderParams(req, quote, b, viaGateway)
	if err != nil {
		return nil, err
	}

	// Retry loop: handles reference unique constraint collisions.
	var order database.Order
	for attempt := 0; attempt < maxReferenceRetries; attempt++ {
		params.Reference = s.newReference()
		order, err = s.createOrderTx(ctx, params, quote.Coupon)
		if err == nil || !isReferenceConflict(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("reference", order.Reference),
		zap.String("payment_method", order.PaymentMethod),
		zap.String("total", b.Total.StringFixed(2)))
	s.notify(order)

	result := &CheckoutResult{Order: order, Breakdown: b}
	if !viaGateway {
		return result, nil
	}

	updated, intent, err := s.requestIntent(ctx, order)
	if err != nil {
		result.Order = s.failAfterIntentError(ctx, order, err)
		return result, err
	}
	result.Order = updated
	result.ClientSecret = intent.ClientSecret
	return result, nil
}

func validateCustomer(c Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return apperr.Validation("customer.name", "is required")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return apperr.Validation("customer.email", "is not a valid email address")
	}
	return nil
}

func (s *OrderService) orderParams(req CheckoutRequest, quote *Quote, b pricing.Breakdown, viaGateway bool) (database.CreateOrderParams, error) {
	items, err := json.Marshal(SnapshotLines(b.Lines))
	if err != nil {
		return database.CreateOrderParams{}, fmt.Errorf("marshal items: %w", err)
	}

	paymentStatus := enum.PaymentStatusPending
	if viaGateway {
		paymentStatus = enum.PaymentStatusPendingPayment
	}

	params := database.CreateOrderParams{
		PaymentStatus:      paymentStatus,
		OrderType:          req.Quote.OrderType,
		PaymentMethod:      req.Quote.PaymentMethod,
		BranchID:           nullableUUID(req.Quote.BranchID),
		CustomerName:       strings.TrimSpace(req.Customer.Name),
		CustomerEmail:      strings.TrimSpace(req.Customer.Email),
		CustomerPhone:      text(strings.TrimSpace(req.Customer.Phone)),
		Items:              items,
		Subtotal:           decimalToNumeric(b.Subtotal),
		DeliveryFee:        decimalToNumeric(b.DeliveryFee),
		SmallOrderFee:      decimalToNumeric(b.SmallOrderFee),
		ServiceFee:         decimalToNumeric(b.ServiceFee),
		CouponDiscount:     decimalToNumeric(b.CouponDiscount),
		RoundingAdjustment: decimalToNumeric(b.Rounding),
		TotalAmount:        decimalToNumeric(b.Total),
		Currency:           s.currency,
	}
	if quote.Coupon != nil {
		params.CouponID = pgtype.UUID{Bytes: quote.Coupon.ID, Valid: true}
	}
	if req.Quote.OrderType == enum.OrderTypeDelivery && req.Quote.Address != nil {
		addr, err := json.Marshal(req.Quote.Address)
		if err != nil {
			return database.CreateOrderParams{}, fmt.Errorf("marshal address: %w", err)
		}
		params.DeliveryAddress = addr
		if quote.Delivery != nil {
			params.DeliveryZone = text(quote.Delivery.Zone)
			params.DeliveryManual = quote.Delivery.Manual
		}
	}
	return params, nil
}

// isReferenceConflict checks if the error is a unique constraint violation
// on the order reference (pgconn error code 23505).
func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == "orders_reference_key"
	}
	return false
}

// createOrderTx inserts the order and consumes the coupon in one transaction.
func (s *OrderService) createOrderTx(ctx context.Context, params database.CreateOrderParams, applied *coupon.Applied) (database.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	store := s.newStore(tx)

	order, err := store.CreateOrder(ctx, params)
	if err != nil {
		return database.Order{}, fmt.Errorf("create order: %w", err)
	}

	if applied != nil {
		if err := coupon.Redeem(ctx, store, applied.Code, applied.ID, order.ID); err != nil {
			return database.Order{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.Order{}, fmt.Errorf("commit tx: %w", err)
	}
	return order, nil
}

// requestIntent records a payment attempt, creates the gateway intent and
// stores its id on the order. The attempt id is the idempotency key, so
// retried requests can never create two intents.
func (s *OrderService) requestIntent(ctx context.Context, order database.Order) (database.Order, *gateway.Intent, error) {
	attempt, err := s.store.CreatePaymentAttempt(ctx, database.CreatePaymentAttemptParams{
		OrderID: order.ID,
		Amount:  order.TotalAmount,
	})
	if err != nil {
		return order, nil, fmt.Errorf("create payment attempt: %w", err)
	}

	intent, err := withRetry(ctx, s.retry, s.logger, "create intent", func() (*gateway.Intent, error) {
		return s.gateway.CreateIntent(ctx, gateway.CreateIntentParams{
			Amount:         pricing.MinorUnits(numericToDecimal(order.TotalAmount)),
			Currency:       order.Currency,
			IdempotencyKey: attempt.ID.String(),
			Description:    "Order " + order.Reference,
			Metadata: map[string]string{
				"order_id":   order.ID.String(),
				"order_ref":  order.Reference,
				"order_type": order.OrderType,
			},
		})
	})
	if err != nil {
		if mErr := s.store.MarkPaymentAttemptError(ctx, database.MarkPaymentAttemptErrorParams{
			ID:        attempt.ID,
			ErrorCode: text(errorCode(err)),
		}); mErr != nil {
			s.logger.Error("Failed to record payment attempt error", zap.String("attempt_id", attempt.ID.String()), zap.Error(mErr))
		}
		return order, nil, err
	}

	if err := s.store.MarkPaymentAttemptCreated(ctx, database.MarkPaymentAttemptCreatedParams{
		ID:       attempt.ID,
		IntentID: text(intent.ID),
	}); err != nil {
		return order, nil, fmt.Errorf("record payment attempt: %w", err)
	}

	updated, err := s.store.SetOrderPaymentIntent(ctx, database.SetOrderPaymentIntentParams{
		ID:              order.ID,
		PaymentIntentID: text(intent.ID),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The order left pending_payment while the intent was created
			// (payer cancelled). Release the intent.
			s.cancelIntentBestEffort(ctx, intent.ID)
			current, gErr := s.store.GetOrder(ctx, order.ID)
			if gErr != nil {
				return order, nil, fmt.Errorf("reload order: %w", gErr)
			}
			return current, nil, &apperr.ConflictError{From: string(StateOf(current)), To: string(StateAwaitingConfirmation)}
		}
		return order, nil, fmt.Errorf("set payment intent: %w", err)
	}

	s.logger.Info("Awaiting payment confirmation",
		zap.String("order_id", order.ID.String()),
		zap.String("intent_id", intent.ID),
		zap.String("attempt_id", attempt.ID.String()))
	s.notify(updated)
	return updated, intent, nil
}

// failAfterIntentError moves an order whose intent could not be created to
// failed so the retry path is available.
func (s *OrderService) failAfterIntentError(ctx context.Context, order database.Order, cause error) database.Order {
	var conflict *apperr.ConflictError
	if errors.As(cause, &conflict) {
		return order
	}
	s.logger.Error("Payment intent request failed",
		zap.String("order_id", order.ID.String()),
		zap.Error(cause))

	failed, err := s.store.MarkOrderPaymentFailed(ctx, database.MarkOrderPaymentFailedParams{
		ID:          order.ID,
		FailureCode: text(FailureIntentError),
	})
	if err != nil {
		s.logger.Error("Failed to mark order failed", zap.String("order_id", order.ID.String()), zap.Error(err))
		return order
	}
	s.notify(failed)
	return failed
}

func errorCode(err error) string {
	var de *apperr.DeclineError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	if apperr.IsTransport(err) {
		return "transport_error"
	}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		return "invalid_request"
	}
	return FailureIntentError
}

// GetOrder returns the order when reference matches. A wrong reference looks
// the same as a missing order.
func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID, reference string) (database.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, apperr.ErrNotFound
		}
		return database.Order{}, fmt.Errorf("get order: %w", err)
	}
	if reference == "" || order.Reference != reference {
		return database.Order{}, apperr.ErrNotFound
	}
	return order, nil
}

func (s *OrderService) getOrderByID(ctx context.Context, id uuid.UUID) (database.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, apperr.ErrNotFound
		}
		return database.Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// ConfirmFromClient is the eager confirmation path: the browser reports that
// it finished the payment step and the status is checked with the gateway.
// The webhook remains authoritative.
func (s *OrderService) ConfirmFromClient(ctx context.Context, id uuid.UUID, reference, intentID string) (database.Order, error) {
	order, err := s.GetOrder(ctx, id, reference)
	if err != nil {
		return database.Order{}, err
	}
	if order.PaymentStatus == enum.PaymentStatusPaid {
		return order, nil
	}
	if !order.PaymentIntentID.Valid || order.PaymentIntentID.String != intentID {
		return database.Order{}, apperr.Validation("payment_intent_id", "does not match the order's current payment")
	}

	intent, err := withRetry(ctx, s.retry, s.logger, "get intent", func() (*gateway.Intent, error) {
		return s.gateway.GetIntent(ctx, intentID)
	})
	if err != nil {
		return database.Order{}, err
	}

	switch intent.Status {
	case gateway.StatusSucceeded:
		return s.markPaid(ctx, order, intent.ID, "client")
	case gateway.StatusCanceled, gateway.StatusRequiresPaymentMethod:
		return s.markFailed(ctx, order, intent.ID, intentFailureCode(intent))
	}
	return order, nil
}

func intentFailureCode(intent *gateway.Intent) string {
	if intent.LastPaymentError != nil && intent.LastPaymentError.Code != "" {
		return intent.LastPaymentError.Code
	}
	return intent.Status
}

// markPaid records intentID as the intent that settled the order. It is
// idempotent: an order that is already paid is returned unchanged, so callers
// compare the returned PaymentIntentID with intentID to spot a second capture.
func (s *OrderService) markPaid(ctx context.Context, order database.Order, intentID, source string) (database.Order, error) {
	if StateOf(order) == StatePaid {
		return order, nil
	}
	if err := checkTransition(order, StatePaid); err != nil {
		return database.Order{}, err
	}

	paid, err := s.store.MarkOrderPaid(ctx, database.MarkOrderPaidParams{
		ID:              order.ID,
		PaymentIntentID: text(intentID),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.getOrderByID(ctx, order.ID)
		}
		return database.Order{}, fmt.Errorf("mark order paid: %w", err)
	}

	fields := []zap.Field{
		zap.String("order_id", order.ID.String()),
		zap.String("intent_id", intentID),
		zap.String("source", source),
	}
	other := order.PaymentIntentID.Valid && order.PaymentIntentID.String != intentID
	switch {
	case order.Status == enum.OrderStatusCancelled || StateOf(order) == StateFailed:
		s.logger.Warn("Payment succeeded for an order that was no longer awaiting payment", fields...)
	case other:
		s.logger.Warn("Payment succeeded on a superseded intent", append(fields, zap.String("live_intent_id", order.PaymentIntentID.String))...)
	default:
		s.logger.Info("Order paid", fields...)
	}
	// The intent left on the order must not be charged as well.
	if other {
		s.cancelIntentBestEffort(ctx, order.PaymentIntentID.String)
	}
	s.notify(paid)
	return paid, nil
}

// markFailed applies a failure only when it concerns the order's current
// intent while the order is still awaiting confirmation. Anything else is
// stale and ignored.
func (s *OrderService) markFailed(ctx context.Context, order database.Order, intentID, code string) (database.Order, error) {
	if StateOf(order) != StateAwaitingConfirmation || order.PaymentIntentID.String != intentID {
		s.logger.Info("Ignoring payment failure for a non-current intent",
			zap.String("order_id", order.ID.String()),
			zap.String("intent_id", intentID),
			zap.String("state", string(StateOf(order))))
		return order, nil
	}

	failed, err := s.store.MarkOrderPaymentFailed(ctx, database.MarkOrderPaymentFailedParams{
		ID:          order.ID,
		FailureCode: text(code),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.getOrderByID(ctx, order.ID)
		}
		return database.Order{}, fmt.Errorf("mark order failed: %w", err)
	}
	s.logger.Info("Payment failed",
		zap.String("order_id", order.ID.String()),
		zap.String("intent_id", intentID),
		zap.String("failure_code", code))
	s.notify(failed)
	return failed, nil
}

// ReportFailure records a payment error reported by the browser. The order is
// kept so the payer can retry.
func (s *OrderService) ReportFailure(ctx context.Context, id uuid.UUID, reference, code string) (database.Order, error) {
	order, err := s.GetOrder(ctx, id, reference)
	if err != nil {
		return database.Order{}, err
	}
	if StateOf(order) == StateFailed {
		return order, nil
	}
	if err := checkTransition(order, StateFailed); err != nil {
		return database.Order{}, err
	}
	if code == "" {
		code = "client_reported"
	}

	failed, err := s.store.MarkOrderPaymentFailed(ctx, database.MarkOrderPaymentFailedParams{
		ID:          order.ID,
		FailureCode: text(code),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gErr := s.getOrderByID(ctx, id)
			if gErr != nil {
				return database.Order{}, gErr
			}
			return database.Order{}, &apperr.ConflictError{From: string(StateOf(current)), To: string(StateFailed)}
		}
		return database.Order{}, fmt.Errorf("mark order failed: %w", err)
	}
	s.logger.Info("Payer reported payment failure",
		zap.String("order_id", order.ID.String()),
		zap.String("failure_code", code))
	s.notify(failed)
	return failed, nil
}

// Cancel aborts payment for an order. The gateway intent, if any, is
// cancelled best-effort; a later success webhook still records the payment.
func (s *OrderService) Cancel(ctx context.Context, id uuid.UUID, reference string) (database.Order, error) {
	order, err := s.GetOrder(ctx, id, reference)
	if err != nil {
		return database.Order{}, err
	}
	if StateOf(order) == StateCancelled {
		return order, nil
	}
	if err := checkTransition(order, StateCancelled); err != nil {
		return database.Order{}, err
	}

	cancelled, err := s.store.CancelOrder(ctx, database.CancelOrderParams{
		ID:          order.ID,
		FailureCode: text(FailureCancelledByPayer),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gErr := s.getOrderByID(ctx, id)
			if gErr != nil {
				return database.Order{}, gErr
			}
			return database.Order{}, &apperr.ConflictError{From: string(StateOf(current)), To: string(StateCancelled)}
		}
		return database.Order{}, fmt.Errorf("cancel order: %w", err)
	}

	if order.PaymentIntentID.Valid {
		s.cancelIntentBestEffort(ctx, order.PaymentIntentID.String)
	}
	s.logger.Info("Order cancelled by payer", zap.String("order_id", order.ID.String()))
	s.notify(cancelled)
	return cancelled, nil
}

func (s *OrderService) cancelIntentBestEffort(ctx context.Context, intentID string) {
	if _, err := s.gateway.CancelIntent(ctx, intentID); err != nil {
		s.logger.Warn("Failed to cancel payment intent", zap.String("intent_id", intentID), zap.Error(err))
	}
}

// Retry requests a fresh intent for a failed order. It reuses the same order
// row; the failed status is claimed with a compare-and-set so two concurrent
// retries cannot both proceed.
func (s *OrderService) Retry(ctx context.Context, id uuid.UUID, reference string) (*CheckoutResult, error) {
	order, err := s.GetOrder(ctx, id, reference)
	if err != nil {
		return nil, err
	}
	return s.retryPayment(ctx, order)
}

// RetryAsOperator is Retry for staff, who do not hold the reference.
func (s *OrderService) RetryAsOperator(ctx context.Context, id uuid.UUID) (*CheckoutResult, error) {
	order, err := s.getOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.retryPayment(ctx, order)
}

func (s *OrderService) retryPayment(ctx context.Context, order database.Order) (*CheckoutResult, error) {
	if !enum.RequiresGateway(order.PaymentMethod) {
		return nil, &apperr.ConflictError{From: string(StateOf(order)), To: string(StateAwaitingIntent)}
	}
	if err := checkTransition(order, StateAwaitingIntent); err != nil {
		return nil, err
	}

	// A failed intent can still be confirmed at the gateway. Close it before
	// a new one is opened so the payer cannot settle both.
	if order.PaymentIntentID.Valid {
		settled, err := s.closeIntent(ctx, order.PaymentIntentID.String)
		if err != nil {
			return nil, err
		}
		if settled {
			paid, err := s.markPaid(ctx, order, order.PaymentIntentID.String, "retry")
			if err != nil {
				return nil, err
			}
			return &CheckoutResult{Order: paid}, nil
		}
	}

	claimed, err := s.store.ClaimOrderRetry(ctx, order.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gErr := s.getOrderByID(ctx, order.ID)
			if gErr != nil {
				return nil, gErr
			}
			return nil, &apperr.ConflictError{From: string(StateOf(current)), To: string(StateAwaitingIntent)}
		}
		return nil, fmt.Errorf("claim order retry: %w", err)
	}
	s.logger.Info("Retrying payment", zap.String("order_id", order.ID.String()))
	s.notify(claimed)

	updated, intent, err := s.requestIntent(ctx, claimed)
	if err != nil {
		return &CheckoutResult{Order: s.failAfterIntentError(ctx, claimed, err)}, err
	}
	return &CheckoutResult{Order: updated, ClientSecret: intent.ClientSecret}, nil
}

// closeIntent cancels an intent that is about to be superseded and reports
// whether it had already succeeded. An intent still processing cannot be
// replaced yet.
func (s *OrderService) closeIntent(ctx context.Context, intentID string) (bool, error) {
	intent, err := s.gateway.CancelIntent(ctx, intentID)
	if err != nil {
		// The gateway refuses to cancel finished intents; read the status.
		s.logger.Info("Cancel refused, checking intent status", zap.String("intent_id", intentID), zap.Error(err))
		intent, err = withRetry(ctx, s.retry, s.logger, "get intent", func() (*gateway.Intent, error) {
			return s.gateway.GetIntent(ctx, intentID)
		})
		if err != nil {
			return false, err
		}
	}

	switch intent.Status {
	case gateway.StatusSucceeded:
		return true, nil
	case gateway.StatusCanceled:
		return false, nil
	}
	return false, &apperr.ConflictError{From: "intent_" + intent.Status, To: string(StateAwaitingIntent)}
}

// ReconcileEvent applies a verified gateway webhook. Events that match no
// order, and successes for an order another intent already paid, are
// persisted for manual follow-up and reported as *apperr.ReconciliationMiss.
func (s *OrderService) ReconcileEvent(ctx context.Context, ev *gateway.Event, payload []byte) error {
	intent := ev.Intent()

	order, err := s.locate(ctx, intent)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return s.recordUnreconciled(ctx, ev, payload, nil)
	}

	switch ev.Type {
	case gateway.EventIntentSucceeded:
		var paid database.Order
		paid, err = s.markPaid(ctx, order, intent.ID, "webhook")
		if err == nil && paid.PaymentIntentID.String != intent.ID {
			err = s.recordUnreconciled(ctx, ev, payload, &paid)
		}
	case gateway.EventIntentPaymentFailed, gateway.EventIntentCanceled:
		_, err = s.markFailed(ctx, order, intent.ID, intentFailureCode(intent))
	default:
		s.logger.Debug("Ignoring gateway event",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.String("order_id", order.ID.String()))
	}
	return err
}

// locate finds the order for an intent: by current intent id, then by any
// past attempt, then by the reference and id carried in the metadata.
func (s *OrderService) locate(ctx context.Context, intent *gateway.Intent) (database.Order, error) {
	order, err := s.store.GetOrderByPaymentIntent(ctx, intent.ID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, fmt.Errorf("get order by intent: %w", err)
	}

	attempt, err := s.store.GetPaymentAttemptByIntent(ctx, text(intent.ID))
	if err == nil {
		return s.getOrderByID(ctx, attempt.OrderID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, fmt.Errorf("get payment attempt: %w", err)
	}

	if ref := intent.Metadata["order_ref"]; ref != "" {
		order, err := s.store.GetOrderByReference(ctx, ref)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, fmt.Errorf("get order by reference: %w", err)
		}
	}

	if id, err := uuid.Parse(intent.Metadata["order_id"]); err == nil {
		return s.getOrderByID(ctx, id)
	}
	return database.Order{}, apperr.ErrNotFound
}

// recordUnreconciled parks an event for staff. paid is the order a second
// capture landed on, or nil when the event matched no order.
func (s *OrderService) recordUnreconciled(ctx context.Context, ev *gateway.Event, payload []byte, paid *database.Order) error {
	intent := ev.Intent()
	ref := intent.Metadata["order_ref"]
	reason := enum.UnreconciledUnmatched
	var orderID pgtype.UUID
	if paid != nil {
		ref = paid.Reference
		reason = enum.UnreconciledDuplicatePayment
		orderID = pgtype.UUID{Bytes: paid.ID, Valid: true}
	}

	if !json.Valid(payload) {
		payload, _ = json.Marshal(ev)
	}
	_, err := s.store.CreateUnreconciledPayment(ctx, database.CreateUnreconciledPaymentParams{
		EventID:   ev.ID,
		EventType: ev.Type,
		IntentID:  intent.ID,
		Reference: text(ref),
		Status:    intent.Status,
		Reason:    reason,
		OrderID:   orderID,
		Payload:   payload,
	})
	// No row means an earlier delivery of this event was already recorded.
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("record unreconciled payment: %w", err)
	}

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("intent_id", intent.ID),
		zap.String("order_ref", ref),
	}
	if paid != nil {
		s.logger.Error("Second payment captured for a paid order, refund required",
			append(fields, zap.String("paid_intent_id", paid.PaymentIntentID.String))...)
	} else {
		s.logger.Error("Gateway event matches no order", fields...)
	}
	return &apperr.ReconciliationMiss{IntentID: intent.ID, Reference: ref, Duplicate: paid != nil}
}

// ListAttempts returns the payment attempts made for an order.
func (s *OrderService) ListAttempts(ctx context.Context, id uuid.UUID) ([]database.PaymentAttempt, error) {
	if _, err := s.getOrderByID(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListPaymentAttemptsByOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list payment attempts: %w", err)
	}
	return attempts, nil
}

// ListUnreconciled returns gateway events that matched no order, newest first.
func (s *OrderService) ListUnreconciled(ctx context.Context, limit, offset int32) ([]database.UnreconciledPayment, error) {
	rows, err := s.store.ListUnreconciledPayments(ctx, database.ListUnreconciledPaymentsParams{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("list unreconciled payments: %w", err)
	}
	return rows, nil
}

func (s *OrderService) notify(order database.Order) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(PaymentStatusEvent{
		OrderID:       order.ID,
		Reference:     order.Reference,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		FailureCode:   order.FailureCode.String,
		Total:         numericToDecimal(order.TotalAmount).StringFixed(2),
	})
	if err != nil {
		s.logger.Error("Failed to encode order event", zap.Error(err))
		return
	}
	s.notifier.BroadcastToOrder(order.ID, ws.Event{Type: EventOrderPaymentStatus, Payload: payload})
}
