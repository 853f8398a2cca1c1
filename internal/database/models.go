package database

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Coupon struct {
	ID                   uuid.UUID          `json:"id"`
	Code                 string             `json:"code"`
	DiscountType         string             `json:"discount_type"`
	DiscountValue        pgtype.Numeric     `json:"discount_value"`
	ValidFrom            pgtype.Timestamptz `json:"valid_from"`
	ValidUntil           pgtype.Timestamptz `json:"valid_until"`
	MaxUsesTotal         pgtype.Int4        `json:"max_uses_total"`
	CurrentUses          int32              `json:"current_uses"`
	MinOrderAmount       pgtype.Numeric     `json:"min_order_amount"`
	OrderTypeRestriction pgtype.Text        `json:"order_type_restriction"`
	Active               bool               `json:"active"`
	CreatedAt            pgtype.Timestamptz `json:"created_at"`
}

type CouponRedemption struct {
	CouponID  uuid.UUID          `json:"coupon_id"`
	OrderID   uuid.UUID          `json:"order_id"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}

type MenuItem struct {
	ID                    uuid.UUID          `json:"id"`
	Name                  string             `json:"name"`
	BasePrice             pgtype.Numeric     `json:"base_price"`
	OfferPrice            pgtype.Numeric     `json:"offer_price"`
	HasConditionalPricing bool               `json:"has_conditional_pricing"`
	IncludedToppingsCount int32              `json:"included_toppings_count"`
	IsActive              bool               `json:"is_active"`
	CreatedAt             pgtype.Timestamptz `json:"created_at"`
}

type Order struct {
	ID                 uuid.UUID          `json:"id"`
	Reference          string             `json:"reference"`
	Status             string             `json:"status"`
	PaymentStatus      string             `json:"payment_status"`
	OrderType          string             `json:"order_type"`
	PaymentMethod      string             `json:"payment_method"`
	BranchID           pgtype.UUID        `json:"branch_id"`
	CouponID           pgtype.UUID        `json:"coupon_id"`
	CustomerName       string             `json:"customer_name"`
	CustomerEmail      string             `json:"customer_email"`
	CustomerPhone      pgtype.Text        `json:"customer_phone"`
	DeliveryAddress    []byte             `json:"delivery_address"`
	DeliveryZone       pgtype.Text        `json:"delivery_zone"`
	DeliveryManual     bool               `json:"delivery_manual"`
	Items              []byte             `json:"items"`
	Subtotal           pgtype.Numeric     `json:"subtotal"`
	DeliveryFee        pgtype.Numeric     `json:"delivery_fee"`
	SmallOrderFee      pgtype.Numeric     `json:"small_order_fee"`
	ServiceFee         pgtype.Numeric     `json:"service_fee"`
	CouponDiscount     pgtype.Numeric     `json:"coupon_discount"`
	RoundingAdjustment pgtype.Numeric     `json:"rounding_adjustment"`
	TotalAmount        pgtype.Numeric     `json:"total_amount"`
	Currency           string             `json:"currency"`
	PaymentIntentID    pgtype.Text        `json:"payment_intent_id"`
	FailureCode        pgtype.Text        `json:"failure_code"`
	PaidAt             pgtype.Timestamptz `json:"paid_at"`
	CreatedAt          pgtype.Timestamptz `json:"created_at"`
	UpdatedAt          pgtype.Timestamptz `json:"updated_at"`
}

type PaymentAttempt struct {
	ID        uuid.UUID          `json:"id"`
	OrderID   uuid.UUID          `json:"order_id"`
	IntentID  pgtype.Text        `json:"intent_id"`
	Amount    pgtype.Numeric     `json:"amount"`
	Status    string             `json:"status"`
	ErrorCode pgtype.Text        `json:"error_code"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}

type Topping struct {
	ID         uuid.UUID      `json:"id"`
	MenuItemID uuid.UUID      `json:"menu_item_id"`
	Name       string         `json:"name"`
	Price      pgtype.Numeric `json:"price"`
	SortOrder  int32          `json:"sort_order"`
}

type ToppingGroup struct {
	ID            uuid.UUID `json:"id"`
	MenuItemID    uuid.UUID `json:"menu_item_id"`
	Name          string    `json:"name"`
	SelectionMode string    `json:"selection_mode"`
	MinSelect     int32     `json:"min_select"`
	MaxSelect     int32     `json:"max_select"`
	SortOrder     int32     `json:"sort_order"`
}

type ToppingGroupOption struct {
	ID        uuid.UUID      `json:"id"`
	GroupID   uuid.UUID      `json:"group_id"`
	Name      string         `json:"name"`
	Price     pgtype.Numeric `json:"price"`
	SortOrder int32          `json:"sort_order"`
}

type UnreconciledPayment struct {
	ID        uuid.UUID          `json:"id"`
	EventID   string             `json:"event_id"`
	EventType string             `json:"event_type"`
	IntentID  string             `json:"intent_id"`
	Reference pgtype.Text        `json:"reference"`
	Status    string             `json:"status"`
	Reason    string             `json:"reason"`
	OrderID   pgtype.UUID        `json:"order_id"`
	Payload   []byte             `json:"payload"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}
