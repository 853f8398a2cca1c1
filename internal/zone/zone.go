package zone

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/geocode"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const earthRadiusKm = 6371.0

// ManualLabel marks a fee that staff confirm by hand when the address could
// not be geocoded.
const ManualLabel = "manual"

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Zone is a distance bracket with a flat delivery fee.
type Zone struct {
	MaxDistanceKm float64
	Fee           decimal.Decimal
	Label         string
}

// Config is the delivery table for one restaurant. Zones must be sorted
// ascending by MaxDistanceKm.
type Config struct {
	Origin      Point
	Branches    map[uuid.UUID]Point
	Zones       []Zone
	Country     string // ISO 3166-1 alpha-2, e.g. "de"
	CountryName string
}

// Validate checks the zone table invariants.
func (c Config) Validate() error {
	if len(c.Zones) == 0 {
		return errors.New("at least one delivery zone is required")
	}
	prev := 0.0
	for i, z := range c.Zones {
		if z.MaxDistanceKm <= prev {
			return fmt.Errorf("zones[%d]: max distance %.1f must be greater than %.1f", i, z.MaxDistanceKm, prev)
		}
		if z.Fee.IsNegative() {
			return fmt.Errorf("zones[%d]: fee must not be negative", i)
		}
		prev = z.MaxDistanceKm
	}
	if c.Country == "" {
		return errors.New("serviced country is required")
	}
	return nil
}

// Distance returns the great-circle distance between a and b in kilometres,
// rounded to one decimal.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	d := 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
	return math.Round(d*10) / 10
}

// FeeForDistance returns the first zone whose bound is >= km.
func FeeForDistance(zones []Zone, km float64) (Zone, error) {
	for _, z := range zones {
		if km <= z.MaxDistanceKm {
			return z, nil
		}
	}
	return Zone{}, &apperr.RangeError{Kind: apperr.RangeOutOfRange, DistanceKm: km}
}

// FloorFee is the cheapest fee in the table.
func FloorFee(zones []Zone) decimal.Decimal {
	if len(zones) == 0 {
		return decimal.Zero
	}
	fee := zones[0].Fee
	for _, z := range zones[1:] {
		if z.Fee.LessThan(fee) {
			fee = z.Fee
		}
	}
	return fee
}

// Address is a delivery address as typed by the customer.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// FreeText joins the non-empty address parts for the geocoder.
func (a Address) FreeText() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Street, a.PostalCode, a.City, a.Country} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// Geocoder resolves free text to a coordinate. A nil result with a nil error
// means no match.
type Geocoder interface {
	Geocode(ctx context.Context, q geocode.Query) (*geocode.Result, error)
}

// Request is the input to Resolve.
type Request struct {
	Address  Address
	BranchID *uuid.UUID
}

// Result is the resolved delivery fee.
type Result struct {
	Fee        decimal.Decimal
	Zone       string
	DistanceKm float64
	Manual     bool
}

// Resolver maps a delivery address to a fee.
type Resolver struct {
	cfg      Config
	geocoder Geocoder
	logger   *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config, geocoder Geocoder, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, geocoder: geocoder, logger: logger}
}

// Resolve geocodes the address and returns the delivery fee for it.
//
// An address that cannot be geocoded is not an error: it is charged the floor
// fee and flagged Manual so staff confirm the fee when the order arrives.
// This covers every geocoder failure except a cancelled request.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Address.Street) == "" || strings.TrimSpace(req.Address.City) == "" {
		return nil, apperr.Validation("address", "street and city are required for delivery")
	}
	origin := r.cfg.Origin
	if req.BranchID != nil {
		p, ok := r.cfg.Branches[*req.BranchID]
		if !ok {
			return nil, apperr.Validation("branch_id", "is not a known branch")
		}
		origin = p
	}
	if c := strings.TrimSpace(req.Address.Country); c != "" && !r.servicedCountry(c) {
		return nil, &apperr.RangeError{Kind: apperr.RangeOutOfCountry}
	}

	match, err := r.geocoder.Geocode(ctx, geocode.Query{
		Text:    req.Address.FreeText(),
		Country: r.cfg.Country,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &apperr.TransportError{Op: "geocode", Err: ctxErr}
		}
		if apperr.IsTransport(err) {
			r.logger.Warn("Geocoder unreachable, using floor delivery fee", zap.Error(err))
		} else {
			r.logger.Error("Geocoder failed, using floor delivery fee", zap.Error(err))
		}
		return r.manual(), nil
	}
	if match == nil {
		r.logger.Info("Address not geocoded, using floor delivery fee",
			zap.String("address", req.Address.FreeText()))
		return r.manual(), nil
	}
	if match.CountryCode != "" && !strings.EqualFold(match.CountryCode, r.cfg.Country) {
		return nil, &apperr.RangeError{Kind: apperr.RangeOutOfCountry}
	}

	km := Distance(origin, Point{Lat: match.Lat, Lon: match.Lon})
	z, err := FeeForDistance(r.cfg.Zones, km)
	if err != nil {
		return nil, err
	}
	return &Result{Fee: z.Fee, Zone: z.Label, DistanceKm: km}, nil
}

func (r *Resolver) manual() *Result {
	return &Result{Fee: FloorFee(r.cfg.Zones), Zone: ManualLabel, Manual: true}
}

func (r *Resolver) servicedCountry(c string) bool {
	return strings.EqualFold(c, r.cfg.Country) ||
		(r.cfg.CountryName != "" && strings.EqualFold(c, r.cfg.CountryName))
}
