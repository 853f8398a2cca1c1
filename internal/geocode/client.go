package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"go.uber.org/zap"
)

// Query is a free-text geocoding request limited to one country.
type Query struct {
	Text    string
	Country string
}

// Result is the best match for a Query.
type Result struct {
	Lat         float64
	Lon         float64
	CountryCode string
	DisplayName string
}

// Options configures the client.
type Options struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// Client calls a Nominatim-compatible search endpoint.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a geocoding client. Transport failures and 5xx/429
// responses are retried by resty with exponential backoff.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	if opts.APIKey != "" {
		c.SetQueryParam("key", opts.APIKey)
	}
	return &Client{http: c, logger: logger}
}

type searchHit struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Address     struct {
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

// Geocode returns the best match for q, or nil when nothing matched.
func (c *Client) Geocode(ctx context.Context, q Query) (*Result, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":              q.Text,
			"countrycodes":   strings.ToLower(q.Country),
			"format":         "jsonv2",
			"limit":          "1",
			"addressdetails": "1",
		}).
		Get("/search")
	if err != nil {
		return nil, &apperr.TransportError{Op: "geocode", Err: err}
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return nil, &apperr.TransportError{Op: "geocode", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("geocode: unexpected status %d: %s", resp.StatusCode(), resp.String())
	}

	var hits []searchHit
	if err := json.Unmarshal(resp.Body(), &hits); err != nil {
		return nil, fmt.Errorf("geocode: decode response: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("geocode: invalid latitude %q: %w", hits[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("geocode: invalid longitude %q: %w", hits[0].Lon, err)
	}

	c.logger.Debug("Address geocoded", zap.String("query", q.Text), zap.Float64("lat", lat), zap.Float64("lon", lon))
	return &Result{
		Lat:         lat,
		Lon:         lon,
		CountryCode: hits[0].Address.CountryCode,
		DisplayName: hits[0].DisplayName,
	}, nil
}
