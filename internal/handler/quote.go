package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"github.com/kiwari-pos/storefront/internal/pricing"
	"github.com/kiwari-pos/storefront/internal/service"
	"github.com/kiwari-pos/storefront/internal/zone"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quoter prices a cart. Satisfied by *service.QuoteService.
type Quoter interface {
	Quote(ctx context.Context, req service.QuoteRequest) (*service.Quote, error)
}

// CouponValidator checks a code against an order context.
// Satisfied by *coupon.Validator.
type CouponValidator interface {
	Validate(ctx context.Context, code string, chk coupon.Check) (*coupon.Applied, error)
}

// QuoteHandler serves price previews and coupon checks. Nothing it does
// writes to the database.
type QuoteHandler struct {
	quotes  Quoter
	coupons CouponValidator
	logger  *zap.Logger
}

// NewQuoteHandler creates a new QuoteHandler.
func NewQuoteHandler(quotes Quoter, coupons CouponValidator, logger *zap.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, coupons: coupons, logger: logger}
}

// RegisterRoutes registers quote endpoints on the given Chi router.
func (h *QuoteHandler) RegisterRoutes(r chi.Router) {
	r.Post("/quote", h.Quote)
	r.Post("/coupons/validate", h.ValidateCoupon)
}

// --- Request / Response types ---

type addressRequest struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type cartItemRequest struct {
	MenuItemID string              `json:"menu_item_id"`
	Quantity   int                 `json:"quantity"`
	Size       string              `json:"size"`
	Toppings   []string            `json:"toppings"`
	Groups     map[string][]string `json:"groups"`
	Note       string              `json:"note"`
}

type cartRequest struct {
	OrderType     string            `json:"order_type"`
	PaymentMethod string            `json:"payment_method"`
	Address       *addressRequest   `json:"address"`
	BranchID      string            `json:"branch_id"`
	CouponCode    string            `json:"coupon_code"`
	Items         []cartItemRequest `json:"items"`
}

type toppingResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Price string    `json:"price"`
	Free  bool      `json:"free,omitempty"`
}

type lineResponse struct {
	MenuItemID   uuid.UUID         `json:"menu_item_id"`
	Name         string            `json:"name"`
	Quantity     int               `json:"quantity"`
	Size         string            `json:"size,omitempty"`
	UnitBase     string            `json:"unit_base"`
	SizeUpcharge string            `json:"size_upcharge"`
	Toppings     []toppingResponse `json:"toppings"`
	Groups       []toppingResponse `json:"groups"`
	UnitPrice    string            `json:"unit_price"`
	LineTotal    string            `json:"line_total"`
}

type deliveryResponse struct {
	Zone       string  `json:"zone"`
	DistanceKm float64 `json:"distance_km"`
	Fee        string  `json:"fee"`
	Manual     bool    `json:"manual"`
}

type couponResponse struct {
	Code          string `json:"code"`
	DiscountType  string `json:"discount_type"`
	DiscountValue string `json:"discount_value"`
}

type breakdownResponse struct {
	Lines          []lineResponse `json:"lines"`
	Subtotal       string         `json:"subtotal"`
	DeliveryFee    string         `json:"delivery_fee"`
	SmallOrderFee  string         `json:"small_order_fee"`
	ServiceFee     string         `json:"service_fee"`
	CouponDiscount string         `json:"coupon_discount"`
	Rounding       string         `json:"rounding_adjustment"`
	Total          string         `json:"total"`
}

type quoteResponse struct {
	breakdownResponse
	Delivery *deliveryResponse `json:"delivery,omitempty"`
	Coupon   *couponResponse   `json:"coupon,omitempty"`
}

type validateCouponRequest struct {
	Code      string `json:"code"`
	Subtotal  string `json:"subtotal"`
	OrderType string `json:"order_type"`
}

// --- Handlers ---

// Quote handles POST /quote.
func (h *QuoteHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	qr, err := req.toService()
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}

	q, err := h.quotes.Quote(r.Context(), qr)
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(q))
}

// ValidateCoupon handles POST /coupons/validate.
func (h *QuoteHandler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, h.logger, apperr.Validation("code", "is required"), nil)
		return
	}
	subtotal := decimal.Zero
	if req.Subtotal != "" {
		var err error
		subtotal, err = decimal.NewFromString(req.Subtotal)
		if err != nil || subtotal.IsNegative() {
			writeError(w, h.logger, apperr.Validation("subtotal", "must be a non-negative amount"), nil)
			return
		}
	}

	applied, err := h.coupons.Validate(r.Context(), req.Code, coupon.Check{
		Now:       time.Now(),
		Subtotal:  subtotal,
		OrderType: req.OrderType,
	})
	if err != nil {
		writeError(w, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(applied))
}

// --- Conversion helpers ---

// toService parses the cart's ids. Malformed ids are reported on the field
// that carried them.
func (c cartRequest) toService() (service.QuoteRequest, error) {
	out := service.QuoteRequest{
		OrderType:     strings.TrimSpace(c.OrderType),
		PaymentMethod: strings.TrimSpace(c.PaymentMethod),
		CouponCode:    strings.TrimSpace(c.CouponCode),
	}
	if c.Address != nil {
		out.Address = &zone.Address{
			Street:     c.Address.Street,
			City:       c.Address.City,
			PostalCode: c.Address.PostalCode,
			Country:    c.Address.Country,
		}
	}
	if c.BranchID != "" {
		id, err := uuid.Parse(c.BranchID)
		if err != nil {
			return out, apperr.Validation("branch_id", "invalid branch id")
		}
		out.BranchID = &id
	}

	for i, it := range c.Items {
		field := func(name string) string { return fmt.Sprintf("items[%d].%s", i, name) }
		id, err := uuid.Parse(it.MenuItemID)
		if err != nil {
			return out, apperr.Validation(field("menu_item_id"), "invalid menu item id")
		}
		item := service.QuoteItem{
			MenuItemID: id,
			Quantity:   it.Quantity,
			Size:       it.Size,
			Note:       it.Note,
		}
		for _, t := range it.Toppings {
			tid, err := uuid.Parse(t)
			if err != nil {
				return out, apperr.Validation(field("toppings"), "invalid topping id %q", t)
			}
			item.Toppings = append(item.Toppings, tid)
		}
		if len(it.Groups) > 0 {
			item.Groups = make(map[uuid.UUID][]uuid.UUID, len(it.Groups))
			for g, opts := range it.Groups {
				gid, err := uuid.Parse(g)
				if err != nil {
					return out, apperr.Validation(field("groups"), "invalid group id %q", g)
				}
				for _, o := range opts {
					oid, err := uuid.Parse(o)
					if err != nil {
						return out, apperr.Validation(field("groups"), "invalid option id %q", o)
					}
					item.Groups[gid] = append(item.Groups[gid], oid)
				}
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func toBreakdownResponse(b pricing.Breakdown) breakdownResponse {
	b = b.Rounded()
	resp := breakdownResponse{
		Lines:          make([]lineResponse, 0, len(b.Lines)),
		Subtotal:       b.Subtotal.StringFixed(2),
		DeliveryFee:    b.DeliveryFee.StringFixed(2),
		SmallOrderFee:  b.SmallOrderFee.StringFixed(2),
		ServiceFee:     b.ServiceFee.StringFixed(2),
		CouponDiscount: b.CouponDiscount.StringFixed(2),
		Rounding:       b.Rounding.StringFixed(2),
		Total:          b.Total.StringFixed(2),
	}
	for _, l := range b.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			MenuItemID:   l.MenuItemID,
			Name:         l.Name,
			Quantity:     l.Quantity,
			Size:         l.Size,
			UnitBase:     l.UnitBase.StringFixed(2),
			SizeUpcharge: l.SizeUpcharge.StringFixed(2),
			Toppings:     toToppingResponses(l.Toppings),
			Groups:       toToppingResponses(l.Groups),
			UnitPrice:    l.UnitPrice.StringFixed(2),
			LineTotal:    l.LineTotal.StringFixed(2),
		})
	}
	return resp
}

func toToppingResponses(in []pricing.PricedTopping) []toppingResponse {
	out := make([]toppingResponse, 0, len(in))
	for _, t := range in {
		out = append(out, toppingResponse{ID: t.ID, Name: t.Name, Price: t.Price.StringFixed(2), Free: t.Free})
	}
	return out
}

func toQuoteResponse(q *service.Quote) quoteResponse {
	resp := quoteResponse{breakdownResponse: toBreakdownResponse(q.Breakdown)}
	if q.Delivery != nil {
		resp.Delivery = &deliveryResponse{
			Zone:       q.Delivery.Zone,
			DistanceKm: q.Delivery.DistanceKm,
			Fee:        q.Delivery.Fee.StringFixed(2),
			Manual:     q.Delivery.Manual,
		}
	}
	if q.Coupon != nil {
		c := toCouponResponse(q.Coupon)
		resp.Coupon = &c
	}
	return resp
}

func toCouponResponse(a *coupon.Applied) couponResponse {
	return couponResponse{
		Code:          a.Code,
		DiscountType:  a.Discount.Type,
		DiscountValue: a.Discount.Value.String(),
	}
}
