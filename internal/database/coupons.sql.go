package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const getCouponByCode = `-- name: GetCouponByCode :one
SELECT id, code, discount_type, discount_value, valid_from, valid_until, max_uses_total, current_uses, min_order_amount, order_type_restriction, active, created_at FROM coupons
WHERE code = $1
`

func (q *Queries) GetCouponByCode(ctx context.Context, code string) (Coupon, error) {
	row := q.db.QueryRow(ctx, getCouponByCode, code)
	var i Coupon
	err := row.Scan(
		&i.ID,
		&i.Code,
		&i.DiscountType,
		&i.DiscountValue,
		&i.ValidFrom,
		&i.ValidUntil,
		&i.MaxUsesTotal,
		&i.CurrentUses,
		&i.MinOrderAmount,
		&i.OrderTypeRestriction,
		&i.Active,
		&i.CreatedAt,
	)
	return i, err
}

const createCoupon = `-- name: CreateCoupon :one
INSERT INTO coupons (code, discount_type, discount_value, valid_from, valid_until, max_uses_total, min_order_amount, order_type_restriction)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, code, discount_type, discount_value, valid_from, valid_until, max_uses_total, current_uses, min_order_amount, order_type_restriction, active, created_at
`

type CreateCouponParams struct {
	Code                 string             `json:"code"`
	DiscountType         string             `json:"discount_type"`
	DiscountValue        pgtype.Numeric     `json:"discount_value"`
	ValidFrom            pgtype.Timestamptz `json:"valid_from"`
	ValidUntil           pgtype.Timestamptz `json:"valid_until"`
	MaxUsesTotal         pgtype.Int4        `json:"max_uses_total"`
	MinOrderAmount       pgtype.Numeric     `json:"min_order_amount"`
	OrderTypeRestriction pgtype.Text        `json:"order_type_restriction"`
}

func (q *Queries) CreateCoupon(ctx context.Context, arg CreateCouponParams) (Coupon, error) {
	row := q.db.QueryRow(ctx, createCoupon,
		arg.Code,
		arg.DiscountType,
		arg.DiscountValue,
		arg.ValidFrom,
		arg.ValidUntil,
		arg.MaxUsesTotal,
		arg.MinOrderAmount,
		arg.OrderTypeRestriction,
	)
	var i Coupon
	err := row.Scan(
		&i.ID,
		&i.Code,
		&i.DiscountType,
		&i.DiscountValue,
		&i.ValidFrom,
		&i.ValidUntil,
		&i.MaxUsesTotal,
		&i.CurrentUses,
		&i.MinOrderAmount,
		&i.OrderTypeRestriction,
		&i.Active,
		&i.CreatedAt,
	)
	return i, err
}

const insertCouponRedemption = `-- name: InsertCouponRedemption :execrows
INSERT INTO coupon_redemptions (coupon_id, order_id)
VALUES ($1, $2)
ON CONFLICT (coupon_id, order_id) DO NOTHING
`

type InsertCouponRedemptionParams struct {
	CouponID uuid.UUID `json:"coupon_id"`
	OrderID  uuid.UUID `json:"order_id"`
}

func (q *Queries) InsertCouponRedemption(ctx context.Context, arg InsertCouponRedemptionParams) (int64, error) {
	result, err := q.db.Exec(ctx, insertCouponRedemption, arg.CouponID, arg.OrderID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const incrementCouponUsage = `-- name: IncrementCouponUsage :one
UPDATE coupons SET current_uses = current_uses + 1
WHERE id = $1
  AND active = true
  AND (max_uses_total IS NULL OR current_uses < max_uses_total)
RETURNING current_uses
`

func (q *Queries) IncrementCouponUsage(ctx context.Context, id uuid.UUID) (int32, error) {
	row := q.db.QueryRow(ctx, incrementCouponUsage, id)
	var current_uses int32
	err := row.Scan(&current_uses)
	return current_uses, err
}
