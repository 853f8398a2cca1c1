package pricing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/shopspring/decimal"
)

// Topping is a priced add-on, either from an item's free-form list or an
// option inside a topping group.
type Topping struct {
	ID    uuid.UUID
	Name  string
	Price decimal.Decimal
}

// ToppingGroup is a set of options billed independently of the free-topping
// counter. Exclusive groups take exactly one option; multi groups take
// between MinSelect and MaxSelect distinct options (MaxSelect 0 = no cap).
type ToppingGroup struct {
	ID        uuid.UUID
	Name      string
	Mode      string
	MinSelect int
	MaxSelect int
	Options   []Topping
}

// MenuItem is the catalog data the engine prices against.
type MenuItem struct {
	ID                    uuid.UUID
	Name                  string
	BasePrice             decimal.Decimal
	OfferPrice            decimal.NullDecimal
	HasConditionalPricing bool
	IncludedToppingsCount int
	Toppings              []Topping
	Groups                []ToppingGroup
}

// CartLine is one item in the cart. Toppings are kept in the order the
// customer selected them; that order decides which ones are free.
type CartLine struct {
	Item     MenuItem
	Quantity int
	Size     string
	Toppings []uuid.UUID
	Groups   map[uuid.UUID][]uuid.UUID
	Note     string
}

// Discount is a validated coupon descriptor. The amount is resolved against
// the order by Calculate.
type Discount struct {
	Type  string
	Value decimal.Decimal
}

// ToppingOverride replaces a computed topping price that equals Equals.
type ToppingOverride struct {
	Equals decimal.Decimal
	Price  decimal.Decimal
}

// SizeTier is a size variant with a flat upcharge and its own topping
// repricing rule.
type SizeTier struct {
	Code              string
	Upcharge          decimal.Decimal
	ToppingMultiplier decimal.Decimal // zero means 1
	ToppingOverrides  []ToppingOverride
}

// toppingPrice applies the multiplier first, then the fixed overrides to the
// result.
func (t SizeTier) toppingPrice(base decimal.Decimal) decimal.Decimal {
	p := base
	if !t.ToppingMultiplier.IsZero() {
		p = base.Mul(t.ToppingMultiplier)
	}
	for _, o := range t.ToppingOverrides {
		if p.Equal(o.Equals) {
			return o.Price
		}
	}
	return p
}

// ServiceFee is charged on gateway-mediated payments only.
type ServiceFee struct {
	Mode  string
	Value decimal.Decimal
}

// Config is the fee schedule. It is passed in explicitly; the engine reads no
// global state.
type Config struct {
	MinimumDeliveryOrder decimal.Decimal
	ServiceFee           ServiceFee
	Sizes                map[string]SizeTier
	DefaultSize          string
	// LegacyFreeToppings gives specific products N free toppings. It only
	// applies to items without conditional pricing.
	LegacyFreeToppings map[uuid.UUID]int
}

// Validate checks the fee schedule.
func (c Config) Validate() error {
	if c.MinimumDeliveryOrder.IsNegative() {
		return errors.New("minimum delivery order must not be negative")
	}
	switch c.ServiceFee.Mode {
	case "", enum.ServiceFeeFlat, enum.ServiceFeePercentage:
	default:
		return fmt.Errorf("unknown service fee mode %q", c.ServiceFee.Mode)
	}
	if c.ServiceFee.Value.IsNegative() {
		return errors.New("service fee must not be negative")
	}
	for code, t := range c.Sizes {
		if t.Upcharge.IsNegative() || t.ToppingMultiplier.IsNegative() {
			return fmt.Errorf("size %q: upcharge and multiplier must not be negative", code)
		}
	}
	if c.DefaultSize != "" {
		if _, ok := c.Sizes[c.DefaultSize]; !ok {
			return fmt.Errorf("default size %q is not configured", c.DefaultSize)
		}
	}
	return nil
}
