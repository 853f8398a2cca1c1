package coupon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/storefront/internal/database"
)

// RedemptionStore is the write side used to consume a coupon use.
// Callers pass a transaction-scoped store so the redemption commits or rolls
// back together with the order row.
type RedemptionStore interface {
	InsertCouponRedemption(ctx context.Context, arg database.InsertCouponRedemptionParams) (int64, error)
	IncrementCouponUsage(ctx context.Context, id uuid.UUID) (int32, error)
}

// Redeem consumes one use of the coupon for orderID. A second call for the
// same order is a no-op. The counter is bumped with a conditional UPDATE, so
// concurrent redemptions can never push usage past the cap.
func Redeem(ctx context.Context, store RedemptionStore, code string, couponID, orderID uuid.UUID) error {
	inserted, err := store.InsertCouponRedemption(ctx, database.InsertCouponRedemptionParams{
		CouponID: couponID,
		OrderID:  orderID,
	})
	if err != nil {
		return fmt.Errorf("insert coupon redemption: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	if _, err := store.IncrementCouponUsage(ctx, couponID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &RejectionError{Code: code, Reason: ReasonUsageExhausted}
		}
		return fmt.Errorf("increment coupon usage: %w", err)
	}
	return nil
}
