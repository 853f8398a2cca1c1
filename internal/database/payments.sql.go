package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const createPaymentAttempt = `-- name: CreatePaymentAttempt :one
INSERT INTO payment_attempts (order_id, amount)
VALUES ($1, $2)
RETURNING id, order_id, intent_id, amount, status, error_code, created_at
`

type CreatePaymentAttemptParams struct {
	OrderID uuid.UUID      `json:"order_id"`
	Amount  pgtype.Numeric `json:"amount"`
}

func (q *Queries) CreatePaymentAttempt(ctx context.Context, arg CreatePaymentAttemptParams) (PaymentAttempt, error) {
	row := q.db.QueryRow(ctx, createPaymentAttempt, arg.OrderID, arg.Amount)
	var i PaymentAttempt
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.IntentID,
		&i.Amount,
		&i.Status,
		&i.ErrorCode,
		&i.CreatedAt,
	)
	return i, err
}

const markPaymentAttemptCreated = `-- name: MarkPaymentAttemptCreated :exec
UPDATE payment_attempts SET status = 'created', intent_id = $2
WHERE id = $1
`

type MarkPaymentAttemptCreatedParams struct {
	ID       uuid.UUID   `json:"id"`
	IntentID pgtype.Text `json:"intent_id"`
}

func (q *Queries) MarkPaymentAttemptCreated(ctx context.Context, arg MarkPaymentAttemptCreatedParams) error {
	_, err := q.db.Exec(ctx, markPaymentAttemptCreated, arg.ID, arg.IntentID)
	return err
}

const markPaymentAttemptError = `-- name: MarkPaymentAttemptError :exec
UPDATE payment_attempts SET status = 'error', error_code = $2
WHERE id = $1
`

type MarkPaymentAttemptErrorParams struct {
	ID        uuid.UUID   `json:"id"`
	ErrorCode pgtype.Text `json:"error_code"`
}

func (q *Queries) MarkPaymentAttemptError(ctx context.Context, arg MarkPaymentAttemptErrorParams) error {
	_, err := q.db.Exec(ctx, markPaymentAttemptError, arg.ID, arg.ErrorCode)
	return err
}

const getPaymentAttemptByIntent = `-- name: GetPaymentAttemptByIntent :one
SELECT id, order_id, intent_id, amount, status, error_code, created_at FROM payment_attempts
WHERE intent_id = $1
`

func (q *Queries) GetPaymentAttemptByIntent(ctx context.Context, intentID pgtype.Text) (PaymentAttempt, error) {
	row := q.db.QueryRow(ctx, getPaymentAttemptByIntent, intentID)
	var i PaymentAttempt
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.IntentID,
		&i.Amount,
		&i.Status,
		&i.ErrorCode,
		&i.CreatedAt,
	)
	return i, err
}

const listPaymentAttemptsByOrder = `-- name: ListPaymentAttemptsByOrder :many
SELECT id, order_id, intent_id, amount, status, error_code, created_at FROM payment_attempts
WHERE order_id = $1
ORDER BY created_at
`

func (q *Queries) ListPaymentAttemptsByOrder(ctx context.Context, orderID uuid.UUID) ([]PaymentAttempt, error) {
	rows, err := q.db.Query(ctx, listPaymentAttemptsByOrder, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []PaymentAttempt{}
	for rows.Next() {
		var i PaymentAttempt
		if err := rows.Scan(
			&i.ID,
			&i.OrderID,
			&i.IntentID,
			&i.Amount,
			&i.Status,
			&i.ErrorCode,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createUnreconciledPayment = `-- name: CreateUnreconciledPayment :one
INSERT INTO unreconciled_payments (event_id, event_type, intent_id, reference, status, reason, order_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING
RETURNING id, event_id, event_type, intent_id, reference, status, reason, order_id, payload, created_at
`

type CreateUnreconciledPaymentParams struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	IntentID  string      `json:"intent_id"`
	Reference pgtype.Text `json:"reference"`
	Status    string      `json:"status"`
	Reason    string      `json:"reason"`
	OrderID   pgtype.UUID `json:"order_id"`
	Payload   []byte      `json:"payload"`
}

func (q *Queries) CreateUnreconciledPayment(ctx context.Context, arg CreateUnreconciledPaymentParams) (UnreconciledPayment, error) {
	row := q.db.QueryRow(ctx, createUnreconciledPayment,
		arg.EventID,
		arg.EventType,
		arg.IntentID,
		arg.Reference,
		arg.Status,
		arg.Reason,
		arg.OrderID,
		arg.Payload,
	)
	var i UnreconciledPayment
	err := row.Scan(
		&i.ID,
		&i.EventID,
		&i.EventType,
		&i.IntentID,
		&i.Reference,
		&i.Status,
		&i.Reason,
		&i.OrderID,
		&i.Payload,
		&i.CreatedAt,
	)
	return i, err
}

const listUnreconciledPayments = `-- name: ListUnreconciledPayments :many
SELECT id, event_id, event_type, intent_id, reference, status, reason, order_id, payload, created_at FROM unreconciled_payments
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`

type ListUnreconciledPaymentsParams struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

func (q *Queries) ListUnreconciledPayments(ctx context.Context, arg ListUnreconciledPaymentsParams) ([]UnreconciledPayment, error) {
	rows, err := q.db.Query(ctx, listUnreconciledPayments, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []UnreconciledPayment{}
	for rows.Next() {
		var i UnreconciledPayment
		if err := rows.Scan(
			&i.ID,
			&i.EventID,
			&i.EventType,
			&i.IntentID,
			&i.Reference,
			&i.Status,
			&i.Reason,
			&i.OrderID,
			&i.Payload,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
