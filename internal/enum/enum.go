package enum

// ── Group A: State machines (CHECK constrained in DB) ──

// Payment status values are persisted bit-exact.
const (
	PaymentStatusPendingPayment = "pending_payment"
	PaymentStatusPending        = "pending" // settled at fulfillment (cash)
	PaymentStatusPaid           = "paid"
	PaymentStatusFailed         = "failed"
)

const (
	OrderStatusNew       = "new"
	OrderStatusCancelled = "cancelled"
)

const (
	AttemptStatusRequested = "requested"
	AttemptStatusCreated   = "created"
	AttemptStatusError     = "error"
)

// Why a gateway event was parked for manual follow-up.
const (
	UnreconciledUnmatched        = "unmatched"
	UnreconciledDuplicatePayment = "duplicate_payment" // second capture for a paid order, refund it
)

// ── Group C: Borderline (CHECK constrained in DB) ──

const (
	UserRoleOwner   = "OWNER"
	UserRoleManager = "MANAGER"
)

const (
	OrderTypeDelivery = "delivery"
	OrderTypePickup   = "pickup"
)

const (
	DiscountTypePercentage   = "percentage"
	DiscountTypeFixed        = "fixed"
	DiscountTypeFreeDelivery = "free_delivery"
)

const (
	CouponRestrictionPickupOnly   = "pickup_only"
	CouponRestrictionDeliveryOnly = "delivery_only"
)

const (
	SelectionExclusive = "exclusive"
	SelectionMulti     = "multi"
)

// ── Group B: Configurable labels (no DB constraint) ──

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
)

const (
	ServiceFeeFlat       = "flat"
	ServiceFeePercentage = "percentage"
)

// RequiresGateway reports whether a payment method is settled through the
// external payment gateway.
func RequiresGateway(method string) bool {
	return method == PaymentMethodCard
}

func IsValidOrderType(s string) bool {
	return s == OrderTypeDelivery || s == OrderTypePickup
}

func IsValidPaymentMethod(s string) bool {
	switch s {
	case PaymentMethodCash, PaymentMethodCard:
		return true
	}
	return false
}
