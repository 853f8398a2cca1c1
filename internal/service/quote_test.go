package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/kiwari-pos/storefront/internal/pricing"
	"github.com/kiwari-pos/storefront/internal/zone"
	"github.com/shopspring/decimal"
)

type mockMenuStore struct {
	items    map[uuid.UUID]database.MenuItem
	toppings map[uuid.UUID][]database.Topping
	gets     int
}

func (m *mockMenuStore) GetMenuItem(ctx context.Context, id uuid.UUID) (database.MenuItem, error) {
	m.gets++
	it, ok := m.items[id]
	if !ok {
		return database.MenuItem{}, pgx.ErrNoRows
	}
	return it, nil
}
func (m *mockMenuStore) ListToppingsByMenuItem(ctx context.Context, id uuid.UUID) ([]database.Topping, error) {
	return m.toppings[id], nil
}
func (m *mockMenuStore) ListToppingGroupsByMenuItem(ctx context.Context, id uuid.UUID) ([]database.ToppingGroup, error) {
	return nil, nil
}
func (m *mockMenuStore) ListToppingGroupOptionsByMenuItem(ctx context.Context, id uuid.UUID) ([]database.ToppingGroupOption, error) {
	return nil, nil
}

type mockZoneResolver struct {
	resolveFn func(ctx context.Context, req zone.Request) (*zone.Result, error)
}

func (m *mockZoneResolver) Resolve(ctx context.Context, req zone.Request) (*zone.Result, error) {
	return m.resolveFn(ctx, req)
}

type mockCouponValidator struct {
	validateFn func(ctx context.Context, code string, chk coupon.Check) (*coupon.Applied, error)
}

func (m *mockCouponValidator) Validate(ctx context.Context, code string, chk coupon.Check) (*coupon.Applied, error) {
	return m.validateFn(ctx, code, chk)
}

func makeNumeric(val string) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(val)
	return n
}

type quoteFixture struct {
	svc     *QuoteService
	menu    *mockMenuStore
	pizza   uuid.UUID
	ham     uuid.UUID
	zones   *mockZoneResolver
	coupons *mockCouponValidator
}

func newQuoteFixture() *quoteFixture {
	pizza, ham := uuid.New(), uuid.New()
	menu := &mockMenuStore{
		items: map[uuid.UUID]database.MenuItem{
			pizza: {ID: pizza, Name: "Margherita", BasePrice: makeNumeric("9.00"), IsActive: true},
		},
		toppings: map[uuid.UUID][]database.Topping{
			pizza: {{ID: ham, MenuItemID: pizza, Name: "Ham", Price: makeNumeric("1.50")}},
		},
	}
	zones := &mockZoneResolver{resolveFn: func(ctx context.Context, req zone.Request) (*zone.Result, error) {
		return &zone.Result{Fee: decimal.RequireFromString("2.50"), Zone: "A", DistanceKm: 2}, nil
	}}
	coupons := &mockCouponValidator{validateFn: func(ctx context.Context, code string, chk coupon.Check) (*coupon.Applied, error) {
		return nil, &coupon.RejectionError{Code: code, Reason: coupon.ReasonInvalidCode}
	}}
	cfg := pricing.Config{
		MinimumDeliveryOrder: decimal.NewFromInt(15),
		Sizes:                pricing.DefaultSizes(),
		DefaultSize:          pricing.SizeRegular,
	}
	return &quoteFixture{
		svc:     NewQuoteService(menu, zones, coupons, cfg, nil),
		menu:    menu,
		pizza:   pizza,
		ham:     ham,
		zones:   zones,
		coupons: coupons,
	}
}

func TestQuote_Pickup(t *testing.T) {
	f := newQuoteFixture()

	q, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypePickup,
		PaymentMethod: enum.PaymentMethodCash,
		Items: []QuoteItem{
			{MenuItemID: f.pizza, Quantity: 2, Toppings: []uuid.UUID{f.ham}},
			{MenuItemID: f.pizza, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 2 x (9.00 + 1.50) + 9.00
	if !q.Breakdown.Total.Equal(decimal.RequireFromString("30")) {
		t.Errorf("total = %s, want 30", q.Breakdown.Total)
	}
	if q.Delivery != nil {
		t.Error("pickup must not resolve a delivery zone")
	}
	if f.menu.gets != 1 {
		t.Errorf("menu item loaded %d times, want 1", f.menu.gets)
	}
}

func TestQuote_DeliveryUsesZoneFee(t *testing.T) {
	f := newQuoteFixture()
	var got zone.Request
	f.zones.resolveFn = func(ctx context.Context, req zone.Request) (*zone.Result, error) {
		got = req
		return &zone.Result{Fee: decimal.RequireFromString("2.50"), Zone: "A"}, nil
	}
	addr := &zone.Address{Street: "Main St 1", City: "Berlin", Country: "DE"}

	q, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypeDelivery,
		PaymentMethod: enum.PaymentMethodCash,
		Address:       addr,
		Items:         []QuoteItem{{MenuItemID: f.pizza, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Address != *addr {
		t.Errorf("resolver got %+v", got.Address)
	}
	// 18 subtotal + 2.50 delivery, above the 15 minimum
	if !q.Breakdown.Total.Equal(decimal.RequireFromString("20.5")) {
		t.Errorf("total = %s, want 20.50", q.Breakdown.Total)
	}
	if q.Delivery == nil || q.Delivery.Zone != "A" {
		t.Errorf("delivery = %+v", q.Delivery)
	}
}

func TestQuote_DeliveryRequiresAddress(t *testing.T) {
	f := newQuoteFixture()

	_, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypeDelivery,
		PaymentMethod: enum.PaymentMethodCash,
		Items:         []QuoteItem{{MenuItemID: f.pizza, Quantity: 1}},
	})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "address" {
		t.Fatalf("expected address ValidationError, got %v", err)
	}
}

func TestQuote_RangeErrorPropagates(t *testing.T) {
	f := newQuoteFixture()
	f.zones.resolveFn = func(ctx context.Context, req zone.Request) (*zone.Result, error) {
		return nil, &apperr.RangeError{Kind: apperr.RangeOutOfRange, DistanceKm: 12}
	}

	_, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypeDelivery,
		PaymentMethod: enum.PaymentMethodCash,
		Address:       &zone.Address{Street: "Far 1", City: "Potsdam", Country: "DE"},
		Items:         []QuoteItem{{MenuItemID: f.pizza, Quantity: 1}},
	})
	var re *apperr.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("expected RangeError, got %v", err)
	}
}

func TestQuote_UnknownItemNamesTheLine(t *testing.T) {
	f := newQuoteFixture()

	_, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypePickup,
		PaymentMethod: enum.PaymentMethodCash,
		Items: []QuoteItem{
			{MenuItemID: f.pizza, Quantity: 1},
			{MenuItemID: uuid.New(), Quantity: 1},
		},
	})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "items[1].menu_item_id" {
		t.Errorf("field = %q", ve.Field)
	}
}

func TestQuote_InvalidRequest(t *testing.T) {
	f := newQuoteFixture()
	tests := []struct {
		name  string
		req   QuoteRequest
		field string
	}{
		{"order type", QuoteRequest{OrderType: "dine_in", PaymentMethod: enum.PaymentMethodCash, Items: []QuoteItem{{MenuItemID: f.pizza, Quantity: 1}}}, "order_type"},
		{"payment method", QuoteRequest{OrderType: enum.OrderTypePickup, PaymentMethod: "voucher", Items: []QuoteItem{{MenuItemID: f.pizza, Quantity: 1}}}, "payment_method"},
		{"empty cart", QuoteRequest{OrderType: enum.OrderTypePickup, PaymentMethod: enum.PaymentMethodCash}, "items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Quote(context.Background(), tt.req)
			var ve *apperr.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestQuote_CouponApplied(t *testing.T) {
	f := newQuoteFixture()
	couponID := uuid.New()
	var chk coupon.Check
	f.coupons.validateFn = func(ctx context.Context, code string, c coupon.Check) (*coupon.Applied, error) {
		chk = c
		return &coupon.Applied{ID: couponID, Code: "SAVE10", Discount: pricing.Discount{
			Type:  enum.DiscountTypePercentage,
			Value: decimal.NewFromInt(10),
		}}, nil
	}

	q, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypePickup,
		PaymentMethod: enum.PaymentMethodCash,
		CouponCode:    "save10",
		Items:         []QuoteItem{{MenuItemID: f.pizza, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !chk.Subtotal.Equal(decimal.NewFromInt(18)) || chk.OrderType != enum.OrderTypePickup {
		t.Errorf("coupon checked against %+v", chk)
	}
	if !q.Breakdown.CouponDiscount.Equal(decimal.RequireFromString("1.8")) {
		t.Errorf("discount = %s, want 1.80", q.Breakdown.CouponDiscount)
	}
	if !q.Breakdown.Total.Equal(decimal.RequireFromString("16.2")) {
		t.Errorf("total = %s, want 16.20", q.Breakdown.Total)
	}
	if q.Coupon == nil || q.Coupon.ID != couponID {
		t.Errorf("coupon = %+v", q.Coupon)
	}
}

func TestQuote_CouponRejected(t *testing.T) {
	f := newQuoteFixture()

	_, err := f.svc.Quote(context.Background(), QuoteRequest{
		OrderType:     enum.OrderTypePickup,
		PaymentMethod: enum.PaymentMethodCash,
		CouponCode:    "NOPE",
		Items:         []QuoteItem{{MenuItemID: f.pizza, Quantity: 1}},
	})
	if !coupon.IsRejected(err, coupon.ReasonInvalidCode) {
		t.Fatalf("expected invalid_code rejection, got %v", err)
	}
}
