package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, reference, status, payment_status, order_type, payment_method, branch_id, coupon_id, customer_name, customer_email, customer_phone, delivery_address, delivery_zone, delivery_manual, items, subtotal, delivery_fee, small_order_fee, service_fee, coupon_discount, rounding_adjustment, total_amount, currency, payment_intent_id, failure_code, paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var i Order
	err := row.Scan(
		&i.ID,
		&i.Reference,
		&i.Status,
		&i.PaymentStatus,
		&i.OrderType,
		&i.PaymentMethod,
		&i.BranchID,
		&i.CouponID,
		&i.CustomerName,
		&i.CustomerEmail,
		&i.CustomerPhone,
		&i.DeliveryAddress,
		&i.DeliveryZone,
		&i.DeliveryManual,
		&i.Items,
		&i.Subtotal,
		&i.DeliveryFee,
		&i.SmallOrderFee,
		&i.ServiceFee,
		&i.CouponDiscount,
		&i.RoundingAdjustment,
		&i.TotalAmount,
		&i.Currency,
		&i.PaymentIntentID,
		&i.FailureCode,
		&i.PaidAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (
    reference, payment_status, order_type, payment_method, branch_id, coupon_id,
    customer_name, customer_email, customer_phone, delivery_address, delivery_zone, delivery_manual,
    items, subtotal, delivery_fee, small_order_fee, service_fee, coupon_discount, rounding_adjustment, total_amount, currency
) VALUES (
    $1, $2, $3, $4, $5, $6,
    $7, $8, $9, $10, $11, $12,
    $13, $14, $15, $16, $17, $18, $19, $20, $21
)
RETURNING ` + orderColumns

type CreateOrderParams struct {
	Reference          string         `json:"reference"`
	PaymentStatus      string         `json:"payment_status"`
	OrderType          string         `json:"order_type"`
	PaymentMethod      string         `json:"payment_method"`
	BranchID           pgtype.UUID    `json:"branch_id"`
	CouponID           pgtype.UUID    `json:"coupon_id"`
	CustomerName       string         `json:"customer_name"`
	CustomerEmail      string         `json:"customer_email"`
	CustomerPhone      pgtype.Text    `json:"customer_phone"`
	DeliveryAddress    []byte         `json:"delivery_address"`
	DeliveryZone       pgtype.Text    `json:"delivery_zone"`
	DeliveryManual     bool           `json:"delivery_manual"`
	Items              []byte         `json:"items"`
	Subtotal           pgtype.Numeric `json:"subtotal"`
	DeliveryFee        pgtype.Numeric `json:"delivery_fee"`
	SmallOrderFee      pgtype.Numeric `json:"small_order_fee"`
	ServiceFee         pgtype.Numeric `json:"service_fee"`
	CouponDiscount     pgtype.Numeric `json:"coupon_discount"`
	RoundingAdjustment pgtype.Numeric `json:"rounding_adjustment"`
	TotalAmount        pgtype.Numeric `json:"total_amount"`
	Currency           string         `json:"currency"`
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, createOrder,
		arg.Reference,
		arg.PaymentStatus,
		arg.OrderType,
		arg.PaymentMethod,
		arg.BranchID,
		arg.CouponID,
		arg.CustomerName,
		arg.CustomerEmail,
		arg.CustomerPhone,
		arg.DeliveryAddress,
		arg.DeliveryZone,
		arg.DeliveryManual,
		arg.Items,
		arg.Subtotal,
		arg.DeliveryFee,
		arg.SmallOrderFee,
		arg.ServiceFee,
		arg.CouponDiscount,
		arg.RoundingAdjustment,
		arg.TotalAmount,
		arg.Currency,
	))
}

const getOrder = `-- name: GetOrder :one
SELECT ` + orderColumns + ` FROM orders
WHERE id = $1
`

func (q *Queries) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrder, id))
}

const getOrderByReference = `-- name: GetOrderByReference :one
SELECT ` + orderColumns + ` FROM orders
WHERE reference = $1
`

func (q *Queries) GetOrderByReference(ctx context.Context, reference string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByReference, reference))
}

const getOrderByPaymentIntent = `-- name: GetOrderByPaymentIntent :one
SELECT ` + orderColumns + ` FROM orders
WHERE payment_intent_id = $1
`

func (q *Queries) GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByPaymentIntent, paymentIntentID))
}

const setOrderPaymentIntent = `-- name: SetOrderPaymentIntent :one
UPDATE orders SET payment_intent_id = $2, updated_at = now()
WHERE id = $1 AND payment_status = 'pending_payment'
RETURNING ` + orderColumns

type SetOrderPaymentIntentParams struct {
	ID              uuid.UUID   `json:"id"`
	PaymentIntentID pgtype.Text `json:"payment_intent_id"`
}

func (q *Queries) SetOrderPaymentIntent(ctx context.Context, arg SetOrderPaymentIntentParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, setOrderPaymentIntent, arg.ID, arg.PaymentIntentID))
}

const markOrderPaid = `-- name: MarkOrderPaid :one
UPDATE orders SET payment_status = 'paid', payment_intent_id = $2, failure_code = NULL, paid_at = now(), updated_at = now()
WHERE id = $1 AND payment_status <> 'paid'
RETURNING ` + orderColumns

type MarkOrderPaidParams struct {
	ID              uuid.UUID   `json:"id"`
	PaymentIntentID pgtype.Text `json:"payment_intent_id"`
}

func (q *Queries) MarkOrderPaid(ctx context.Context, arg MarkOrderPaidParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, markOrderPaid, arg.ID, arg.PaymentIntentID))
}

const markOrderPaymentFailed = `-- name: MarkOrderPaymentFailed :one
UPDATE orders SET payment_status = 'failed', failure_code = $2, updated_at = now()
WHERE id = $1 AND payment_status = 'pending_payment'
RETURNING ` + orderColumns

type MarkOrderPaymentFailedParams struct {
	ID          uuid.UUID   `json:"id"`
	FailureCode pgtype.Text `json:"failure_code"`
}

func (q *Queries) MarkOrderPaymentFailed(ctx context.Context, arg MarkOrderPaymentFailedParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, markOrderPaymentFailed, arg.ID, arg.FailureCode))
}

const cancelOrder = `-- name: CancelOrder :one
UPDATE orders SET status = 'cancelled', payment_status = 'failed', failure_code = $2, updated_at = now()
WHERE id = $1 AND status <> 'cancelled' AND payment_status IN ('pending_payment', 'failed')
RETURNING ` + orderColumns

type CancelOrderParams struct {
	ID          uuid.UUID   `json:"id"`
	FailureCode pgtype.Text `json:"failure_code"`
}

func (q *Queries) CancelOrder(ctx context.Context, arg CancelOrderParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, cancelOrder, arg.ID, arg.FailureCode))
}

const claimOrderRetry = `-- name: ClaimOrderRetry :one
UPDATE orders SET payment_status = 'pending_payment', payment_intent_id = NULL, failure_code = NULL, updated_at = now()
WHERE id = $1 AND payment_status = 'failed' AND status <> 'cancelled'
RETURNING ` + orderColumns

func (q *Queries) ClaimOrderRetry(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, claimOrderRetry, id))
}
