package service

import (
	"github.com/google/uuid"
	"github.com/kiwari-pos/storefront/internal/pricing"
)

// LineSnapshot is the persisted, display-ready form of a priced cart line.
// Amounts are rounded strings so the stored cart never changes when prices
// are edited later.
type LineSnapshot struct {
	MenuItemID   uuid.UUID         `json:"menu_item_id"`
	Name         string            `json:"name"`
	Quantity     int               `json:"quantity"`
	Size         string            `json:"size,omitempty"`
	Note         string            `json:"note,omitempty"`
	UnitBase     string            `json:"unit_base"`
	SizeUpcharge string            `json:"size_upcharge"`
	Toppings     []ToppingSnapshot `json:"toppings"`
	Groups       []ToppingSnapshot `json:"groups,omitempty"`
	UnitPrice    string            `json:"unit_price"`
	LineTotal    string            `json:"line_total"`
}

type ToppingSnapshot struct {
	ID      uuid.UUID  `json:"id"`
	GroupID *uuid.UUID `json:"group_id,omitempty"`
	Name    string     `json:"name"`
	Price   string     `json:"price"`
	Free    bool       `json:"free,omitempty"`
}

// SnapshotLines converts rounded line breakdowns into snapshots.
func SnapshotLines(lines []pricing.LineBreakdown) []LineSnapshot {
	out := make([]LineSnapshot, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineSnapshot{
			MenuItemID:   l.MenuItemID,
			Name:         l.Name,
			Quantity:     l.Quantity,
			Size:         l.Size,
			Note:         l.Note,
			UnitBase:     l.UnitBase.StringFixed(2),
			SizeUpcharge: l.SizeUpcharge.StringFixed(2),
			Toppings:     snapshotToppings(l.Toppings),
			Groups:       snapshotToppings(l.Groups),
			UnitPrice:    l.UnitPrice.StringFixed(2),
			LineTotal:    l.LineTotal.StringFixed(2),
		})
	}
	return out
}

func snapshotToppings(in []pricing.PricedTopping) []ToppingSnapshot {
	out := make([]ToppingSnapshot, 0, len(in))
	for _, t := range in {
		s := ToppingSnapshot{ID: t.ID, Name: t.Name, Price: t.Price.StringFixed(2), Free: t.Free}
		if t.GroupID != uuid.Nil {
			gid := t.GroupID
			s.GroupID = &gid
		}
		out = append(out, s)
	}
	return out
}
