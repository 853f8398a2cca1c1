package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/kiwari-pos/storefront/internal/pricing"
	"github.com/shopspring/decimal"
)

// Reason identifies why a coupon was rejected.
type Reason string

const (
	ReasonInvalidCode    Reason = "invalid_code"
	ReasonNotYetValid    Reason = "not_yet_valid"
	ReasonExpired        Reason = "expired"
	ReasonUsageExhausted Reason = "usage_exhausted"
	ReasonBelowMinimum   Reason = "below_minimum"
	ReasonWrongOrderType Reason = "wrong_order_type"
)

// RejectionError is returned when a coupon cannot be applied.
type RejectionError struct {
	Code   string
	Reason Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Reason)
}

// IsRejected reports whether err is a rejection with the given reason.
func IsRejected(err error, reason Reason) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Reason == reason
}

// Store is the read side the validator needs.
// Satisfied by *database.Queries.
type Store interface {
	GetCouponByCode(ctx context.Context, code string) (database.Coupon, error)
}

// Check is the order context a coupon is validated against.
type Check struct {
	Now       time.Time
	Subtotal  decimal.Decimal
	OrderType string
}

// Applied is a validated coupon ready for the price engine.
type Applied struct {
	ID       uuid.UUID
	Code     string
	Discount pricing.Discount
}

// Validator validates coupon codes against the coupon store.
type Validator struct {
	store Store
}

// NewValidator creates a new coupon validator.
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Normalize trims and uppercases a code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate runs the checks in order and returns the first failure.
// The usage check here is advisory; Redeem enforces the cap.
func (v *Validator) Validate(ctx context.Context, code string, chk Check) (*Applied, error) {
	code = Normalize(code)
	if code == "" {
		return nil, &RejectionError{Code: code, Reason: ReasonInvalidCode}
	}

	c, err := v.store.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &RejectionError{Code: code, Reason: ReasonInvalidCode}
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	if reason, ok := check(c, chk); !ok {
		return nil, &RejectionError{Code: code, Reason: reason}
	}

	return &Applied{
		ID:   c.ID,
		Code: c.Code,
		Discount: pricing.Discount{
			Type:  c.DiscountType,
			Value: numericToDecimal(c.DiscountValue),
		},
	}, nil
}

func check(c database.Coupon, chk Check) (Reason, bool) {
	if !c.Active {
		return ReasonInvalidCode, false
	}
	if c.ValidFrom.Valid && c.ValidFrom.Time.After(chk.Now) {
		return ReasonNotYetValid, false
	}
	if c.ValidUntil.Valid && c.ValidUntil.Time.Before(chk.Now) {
		return ReasonExpired, false
	}
	if c.MaxUsesTotal.Valid && c.CurrentUses >= c.MaxUsesTotal.Int32 {
		return ReasonUsageExhausted, false
	}
	if c.MinOrderAmount.Valid && chk.Subtotal.LessThan(numericToDecimal(c.MinOrderAmount)) {
		return ReasonBelowMinimum, false
	}
	if c.OrderTypeRestriction.Valid {
		switch c.OrderTypeRestriction.String {
		case enum.CouponRestrictionPickupOnly:
			if chk.OrderType != enum.OrderTypePickup {
				return ReasonWrongOrderType, false
			}
		case enum.CouponRestrictionDeliveryOnly:
			if chk.OrderType != enum.OrderTypeDelivery {
				return ReasonWrongOrderType, false
			}
		}
	}
	return "", true
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return decimal.Zero
	}
	return d
}
