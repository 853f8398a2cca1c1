package pricing

import "github.com/shopspring/decimal"

// Size tier codes shipped with the default schedule.
const (
	SizeRegular     = "regular"
	SizeLarge       = "large"
	SizeFamily      = "family"
	SizeDrinkMedium = "drink_medium"
	SizeDrinkLarge  = "drink_large"
)

// DefaultSizes is the size schedule used when the configuration file does not
// provide one. Family doubles topping prices; a doubled 3.00 topping is sold
// at 3.50. Large keeps topping prices but lifts 1.50 toppings to 2.00.
func DefaultSizes() map[string]SizeTier {
	return map[string]SizeTier{
		SizeRegular: {Code: SizeRegular},
		SizeLarge: {
			Code:     SizeLarge,
			Upcharge: decimal.NewFromInt(3),
			ToppingOverrides: []ToppingOverride{
				{Equals: decimal.RequireFromString("1.50"), Price: decimal.RequireFromString("2.00")},
			},
		},
		SizeFamily: {
			Code:              SizeFamily,
			Upcharge:          decimal.NewFromInt(8),
			ToppingMultiplier: decimal.NewFromInt(2),
			ToppingOverrides: []ToppingOverride{
				{Equals: decimal.RequireFromString("3.00"), Price: decimal.RequireFromString("3.50")},
			},
		},
		SizeDrinkMedium: {Code: SizeDrinkMedium, Upcharge: decimal.RequireFromString("0.50")},
		SizeDrinkLarge:  {Code: SizeDrinkLarge, Upcharge: decimal.RequireFromString("1.00")},
	}
}

// Rounded returns a copy with every amount rounded to cents. Call it only at
// the display or persistence boundary.
//
// Each component is rounded on its own and Total is rounded from the exact
// sum, so the rounded components can miss Total by a cent or more. Rounding
// holds that difference, so the rounded charges minus CouponDiscount plus
// Rounding equal Total. A zero-floored Total lands there too.
func (b Breakdown) Rounded() Breakdown {
	out := Breakdown{
		Lines:          make([]LineBreakdown, len(b.Lines)),
		Subtotal:       b.Subtotal.Round(2),
		DeliveryFee:    b.DeliveryFee.Round(2),
		SmallOrderFee:  b.SmallOrderFee.Round(2),
		ServiceFee:     b.ServiceFee.Round(2),
		CouponDiscount: b.CouponDiscount.Round(2),
		Total:          b.Total.Round(2),
	}
	out.Rounding = out.Total.Sub(out.Subtotal.
		Add(out.DeliveryFee).
		Add(out.SmallOrderFee).
		Add(out.ServiceFee).
		Sub(out.CouponDiscount))
	for i, l := range b.Lines {
		l.UnitBase = l.UnitBase.Round(2)
		l.SizeUpcharge = l.SizeUpcharge.Round(2)
		l.UnitPrice = l.UnitPrice.Round(2)
		l.LineTotal = l.LineTotal.Round(2)
		l.Toppings = roundToppings(l.Toppings)
		l.Groups = roundToppings(l.Groups)
		out.Lines[i] = l
	}
	return out
}

func roundToppings(in []PricedTopping) []PricedTopping {
	if in == nil {
		return nil
	}
	out := make([]PricedTopping, len(in))
	for i, t := range in {
		t.Price = t.Price.Round(2)
		out[i] = t
	}
	return out
}

// MinorUnits converts an amount to integer cents, rounding to two decimals
// first.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}
