package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/kiwari-pos/storefront/internal/pricing"
	"github.com/kiwari-pos/storefront/internal/zone"
	"go.uber.org/zap"
)

// MenuStore defines the catalog reads needed to price a cart.
// Satisfied by *database.Queries.
type MenuStore interface {
	GetMenuItem(ctx context.Context, id uuid.UUID) (database.MenuItem, error)
	ListToppingsByMenuItem(ctx context.Context, menuItemID uuid.UUID) ([]database.Topping, error)
	ListToppingGroupsByMenuItem(ctx context.Context, menuItemID uuid.UUID) ([]database.ToppingGroup, error)
	ListToppingGroupOptionsByMenuItem(ctx context.Context, menuItemID uuid.UUID) ([]database.ToppingGroupOption, error)
}

// ZoneResolver maps a delivery address to a fee. Satisfied by *zone.Resolver.
type ZoneResolver interface {
	Resolve(ctx context.Context, req zone.Request) (*zone.Result, error)
}

// CouponValidator checks a coupon code. Satisfied by *coupon.Validator.
type CouponValidator interface {
	Validate(ctx context.Context, code string, chk coupon.Check) (*coupon.Applied, error)
}

// QuoteItem is one requested cart line.
type QuoteItem struct {
	MenuItemID uuid.UUID
	Quantity   int
	Size       string
	Toppings   []uuid.UUID
	Groups     map[uuid.UUID][]uuid.UUID
	Note       string
}

// QuoteRequest is everything needed to price a cart.
type QuoteRequest struct {
	OrderType     string
	PaymentMethod string
	Address       *zone.Address
	BranchID      *uuid.UUID
	CouponCode    string
	Items         []QuoteItem
}

// Quote is a priced cart. Breakdown holds exact amounts; round it at the
// boundary.
type Quote struct {
	Breakdown pricing.Breakdown
	Delivery  *zone.Result
	Coupon    *coupon.Applied
}

// QuoteService combines the zone resolver, coupon validator and price
// engine. It never writes.
type QuoteService struct {
	menu    MenuStore
	zones   ZoneResolver
	coupons CouponValidator
	pricing pricing.Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewQuoteService creates a new QuoteService.
func NewQuoteService(menu MenuStore, zones ZoneResolver, coupons CouponValidator, cfg pricing.Config, logger *zap.Logger) *QuoteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuoteService{
		menu:    menu,
		zones:   zones,
		coupons: coupons,
		pricing: cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Quote prices the cart described by req.
func (s *QuoteService) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if !enum.IsValidOrderType(req.OrderType) {
		return nil, apperr.Validation("order_type", "must be delivery or pickup")
	}
	if !enum.IsValidPaymentMethod(req.PaymentMethod) {
		return nil, apperr.Validation("payment_method", "must be cash or card")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation("items", "cart is empty")
	}

	lines, err := s.buildLines(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	order := pricing.Order{
		Lines:         lines,
		OrderType:     req.OrderType,
		PaymentMethod: req.PaymentMethod,
	}

	var delivery *zone.Result
	if req.OrderType == enum.OrderTypeDelivery {
		if req.Address == nil {
			return nil, apperr.Validation("address", "required for delivery")
		}
		delivery, err = s.zones.Resolve(ctx, zone.Request{Address: *req.Address, BranchID: req.BranchID})
		if err != nil {
			return nil, err
		}
		order.DeliveryFee = delivery.Fee
	}

	b, err := pricing.Calculate(s.pricing, order)
	if err != nil {
		return nil, err
	}

	var applied *coupon.Applied
	if req.CouponCode != "" {
		applied, err = s.coupons.Validate(ctx, req.CouponCode, coupon.Check{
			Now:       s.now(),
			Subtotal:  b.Subtotal,
			OrderType: req.OrderType,
		})
		if err != nil {
			return nil, err
		}
		order.Discount = &applied.Discount
		if b, err = pricing.Calculate(s.pricing, order); err != nil {
			return nil, err
		}
	}

	return &Quote{Breakdown: b, Delivery: delivery, Coupon: applied}, nil
}

func (s *QuoteService) buildLines(ctx context.Context, items []QuoteItem) ([]pricing.CartLine, error) {
	cache := make(map[uuid.UUID]pricing.MenuItem, len(items))
	lines := make([]pricing.CartLine, 0, len(items))
	for i, it := range items {
		mi, ok := cache[it.MenuItemID]
		if !ok {
			var err error
			mi, err = s.loadMenuItem(ctx, it.MenuItemID)
			if err != nil {
				var ve *apperr.ValidationError
				if errors.As(err, &ve) {
					ve.Field = fmt.Sprintf("items[%d].%s", i, ve.Field)
				}
				return nil, err
			}
			cache[it.MenuItemID] = mi
		}
		lines = append(lines, pricing.CartLine{
			Item:     mi,
			Quantity: it.Quantity,
			Size:     it.Size,
			Toppings: it.Toppings,
			Groups:   it.Groups,
			Note:     it.Note,
		})
	}
	return lines, nil
}

func (s *QuoteService) loadMenuItem(ctx context.Context, id uuid.UUID) (pricing.MenuItem, error) {
	row, err := s.menu.GetMenuItem(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.MenuItem{}, apperr.Validation("menu_item_id", "menu item %s not found", id)
		}
		return pricing.MenuItem{}, fmt.Errorf("get menu item: %w", err)
	}

	toppings, err := s.menu.ListToppingsByMenuItem(ctx, id)
	if err != nil {
		return pricing.MenuItem{}, fmt.Errorf("list toppings: %w", err)
	}
	groups, err := s.menu.ListToppingGroupsByMenuItem(ctx, id)
	if err != nil {
		return pricing.MenuItem{}, fmt.Errorf("list topping groups: %w", err)
	}
	options, err := s.menu.ListToppingGroupOptionsByMenuItem(ctx, id)
	if err != nil {
		return pricing.MenuItem{}, fmt.Errorf("list topping group options: %w", err)
	}

	mi := pricing.MenuItem{
		ID:                    row.ID,
		Name:                  row.Name,
		BasePrice:             numericToDecimal(row.BasePrice),
		OfferPrice:            nullableNumeric(row.OfferPrice),
		HasConditionalPricing: row.HasConditionalPricing,
		IncludedToppingsCount: int(row.IncludedToppingsCount),
	}
	for _, t := range toppings {
		mi.Toppings = append(mi.Toppings, pricing.Topping{ID: t.ID, Name: t.Name, Price: numericToDecimal(t.Price)})
	}

	byGroup := make(map[uuid.UUID][]pricing.Topping, len(groups))
	for _, o := range options {
		byGroup[o.GroupID] = append(byGroup[o.GroupID], pricing.Topping{ID: o.ID, Name: o.Name, Price: numericToDecimal(o.Price)})
	}
	for _, g := range groups {
		mi.Groups = append(mi.Groups, pricing.ToppingGroup{
			ID:        g.ID,
			Name:      g.Name,
			Mode:      g.SelectionMode,
			MinSelect: int(g.MinSelect),
			MaxSelect: int(g.MaxSelect),
			Options:   byGroup[g.ID],
		})
	}
	return mi, nil
}
