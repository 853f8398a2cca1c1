package pricing

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Order is everything the engine needs to price a checkout. DeliveryFee is
// the zone resolver's result and is ignored for pickup orders.
type Order struct {
	Lines         []CartLine
	OrderType     string
	PaymentMethod string
	DeliveryFee   decimal.Decimal
	Discount      *Discount
}

// PricedTopping is one billed add-on.
type PricedTopping struct {
	ID      uuid.UUID
	GroupID uuid.UUID
	Name    string
	Price   decimal.Decimal
	Free    bool
}

// LineBreakdown is the priced form of a CartLine.
type LineBreakdown struct {
	MenuItemID   uuid.UUID
	Name         string
	Quantity     int
	Size         string
	Note         string
	UnitBase     decimal.Decimal
	SizeUpcharge decimal.Decimal
	Toppings     []PricedTopping
	Groups       []PricedTopping
	UnitPrice    decimal.Decimal
	LineTotal    decimal.Decimal
}

// Breakdown is the itemized result of Calculate.
type Breakdown struct {
	Lines          []LineBreakdown
	Subtotal       decimal.Decimal
	DeliveryFee    decimal.Decimal
	SmallOrderFee  decimal.Decimal
	ServiceFee     decimal.Decimal
	CouponDiscount decimal.Decimal
	Total          decimal.Decimal
	// Rounding is set by Rounded only.
	Rounding decimal.Decimal
}

// Calculate prices an order. It is a pure function of its inputs; amounts
// are not rounded (see Rounded).
func Calculate(cfg Config, o Order) (Breakdown, error) {
	if len(o.Lines) == 0 {
		return Breakdown{}, apperr.Validation("items", "cart is empty")
	}
	if !enum.IsValidOrderType(o.OrderType) {
		return Breakdown{}, apperr.Validation("order_type", "invalid order type %q", o.OrderType)
	}

	var b Breakdown
	b.Lines = make([]LineBreakdown, 0, len(o.Lines))
	for i, line := range o.Lines {
		lb, err := PriceLine(cfg, line)
		if err != nil {
			if ve, ok := err.(*apperr.ValidationError); ok {
				ve.Field = itemField(i, ve.Field)
			}
			return Breakdown{}, err
		}
		b.Lines = append(b.Lines, lb)
		b.Subtotal = b.Subtotal.Add(lb.LineTotal)
	}

	if o.OrderType == enum.OrderTypeDelivery {
		b.DeliveryFee = o.DeliveryFee
		if short := cfg.MinimumDeliveryOrder.Sub(b.Subtotal); short.IsPositive() {
			b.SmallOrderFee = short
		}
	}

	if enum.RequiresGateway(o.PaymentMethod) {
		switch cfg.ServiceFee.Mode {
		case enum.ServiceFeeFlat:
			b.ServiceFee = cfg.ServiceFee.Value
		case enum.ServiceFeePercentage:
			base := b.Subtotal.Add(b.DeliveryFee).Add(b.SmallOrderFee)
			b.ServiceFee = base.Mul(cfg.ServiceFee.Value).Div(hundred)
		}
	}

	b.CouponDiscount = discountAmount(o.Discount, b.Subtotal, b.DeliveryFee)

	b.Total = b.Subtotal.
		Add(b.DeliveryFee).
		Add(b.SmallOrderFee).
		Add(b.ServiceFee).
		Sub(b.CouponDiscount)
	if b.Total.IsNegative() {
		b.Total = decimal.Zero
	}
	return b, nil
}

func discountAmount(d *Discount, subtotal, deliveryFee decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	switch d.Type {
	case enum.DiscountTypePercentage:
		return subtotal.Mul(d.Value).Div(hundred)
	case enum.DiscountTypeFixed:
		return decimal.Min(d.Value, subtotal)
	case enum.DiscountTypeFreeDelivery:
		return deliveryFee
	}
	return decimal.Zero
}

// PriceLine prices a single cart line.
func PriceLine(cfg Config, line CartLine) (LineBreakdown, error) {
	if line.Quantity <= 0 {
		return LineBreakdown{}, apperr.Validation("quantity", "must be > 0")
	}

	item := line.Item
	unitBase := item.BasePrice
	if item.OfferPrice.Valid {
		unitBase = item.OfferPrice.Decimal
	}

	size := line.Size
	if size == "" {
		size = cfg.DefaultSize
	}
	var tier SizeTier
	if size != "" {
		t, ok := cfg.Sizes[size]
		if !ok {
			return LineBreakdown{}, apperr.Validation("size", "unknown size %q", size)
		}
		tier = t
	}

	toppings, err := priceToppings(cfg, item, tier, line.Toppings)
	if err != nil {
		return LineBreakdown{}, err
	}
	groups, err := priceGroups(item, line.Groups)
	if err != nil {
		return LineBreakdown{}, err
	}

	unit := unitBase.Add(tier.Upcharge)
	for _, t := range toppings {
		unit = unit.Add(t.Price)
	}
	for _, g := range groups {
		unit = unit.Add(g.Price)
	}

	return LineBreakdown{
		MenuItemID:   item.ID,
		Name:         item.Name,
		Quantity:     line.Quantity,
		Size:         size,
		Note:         line.Note,
		UnitBase:     unitBase,
		SizeUpcharge: tier.Upcharge,
		Toppings:     toppings,
		Groups:       groups,
		UnitPrice:    unit,
		LineTotal:    unit.Mul(decimal.NewFromInt(int64(line.Quantity))),
	}, nil
}

// priceToppings walks the selection in the order the customer made it. The
// first freeCount selections are free regardless of their price.
func priceToppings(cfg Config, item MenuItem, tier SizeTier, selected []uuid.UUID) ([]PricedTopping, error) {
	freeCount := 0
	if item.HasConditionalPricing {
		freeCount = item.IncludedToppingsCount
	} else if n, ok := cfg.LegacyFreeToppings[item.ID]; ok {
		freeCount = n
	}

	byID := make(map[uuid.UUID]Topping, len(item.Toppings))
	for _, t := range item.Toppings {
		byID[t.ID] = t
	}

	seen := make(map[uuid.UUID]bool, len(selected))
	priced := make([]PricedTopping, 0, len(selected))
	for i, id := range selected {
		t, ok := byID[id]
		if !ok {
			return nil, apperr.Validation("toppings", "topping %s is not available for %s", id, item.Name)
		}
		if seen[id] {
			return nil, apperr.Validation("toppings", "topping %s selected twice", id)
		}
		seen[id] = true

		if i < freeCount {
			priced = append(priced, PricedTopping{ID: t.ID, Name: t.Name, Price: decimal.Zero, Free: true})
			continue
		}
		priced = append(priced, PricedTopping{ID: t.ID, Name: t.Name, Price: tier.toppingPrice(t.Price)})
	}
	return priced, nil
}

func priceGroups(item MenuItem, selections map[uuid.UUID][]uuid.UUID) ([]PricedTopping, error) {
	known := make(map[uuid.UUID]bool, len(item.Groups))
	var priced []PricedTopping

	for _, g := range item.Groups {
		known[g.ID] = true
		chosen := selections[g.ID]

		switch g.Mode {
		case enum.SelectionExclusive:
			if len(chosen) != 1 {
				return nil, apperr.Validation("groups", "%s requires exactly one choice", g.Name)
			}
		default:
			if len(chosen) < g.MinSelect {
				return nil, apperr.Validation("groups", "%s requires at least %d choices", g.Name, g.MinSelect)
			}
			if g.MaxSelect > 0 && len(chosen) > g.MaxSelect {
				return nil, apperr.Validation("groups", "%s allows at most %d choices", g.Name, g.MaxSelect)
			}
		}

		options := make(map[uuid.UUID]Topping, len(g.Options))
		for _, o := range g.Options {
			options[o.ID] = o
		}
		seen := make(map[uuid.UUID]bool, len(chosen))
		for _, id := range chosen {
			o, ok := options[id]
			if !ok {
				return nil, apperr.Validation("groups", "option %s does not belong to %s", id, g.Name)
			}
			if seen[id] {
				return nil, apperr.Validation("groups", "option %s selected twice in %s", id, g.Name)
			}
			seen[id] = true
			priced = append(priced, PricedTopping{ID: o.ID, GroupID: g.ID, Name: o.Name, Price: o.Price})
		}
	}

	for id := range selections {
		if !known[id] {
			return nil, apperr.Validation("groups", "group %s does not belong to %s", id, item.Name)
		}
	}
	return priced, nil
}

func itemField(i int, field string) string {
	if field == "" {
		return "items[" + strconv.Itoa(i) + "]"
	}
	return "items[" + strconv.Itoa(i) + "]." + field
}
