// Package gateway is the HTTP client for the hosted card payment gateway.
// It speaks the payment-intent protocol: the server creates an intent for an
// amount, the browser confirms it with the client secret, and the gateway
// reports the outcome back through GetIntent and signed webhooks.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"go.uber.org/zap"
)

// Intent statuses reported by the gateway.
const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresAction        = "requires_action"
	StatusProcessing            = "processing"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
)

// Intent is a payment intent as returned by the gateway.
type Intent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	ClientSecret     string            `json:"client_secret"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *PaymentError     `json:"last_payment_error,omitempty"`
}

// PaymentError is the gateway's reason for the last failed confirmation.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateIntentParams describes a new intent. Amount is in minor units.
type CreateIntentParams struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// Options configures the client.
type Options struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Client calls the gateway REST API. It does not retry on its own; callers
// wrap calls in a backoff policy and reuse the idempotency key.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetAuthToken(opts.SecretKey).
		SetHeaders(map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		})
	return &Client{http: c, logger: logger}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type createIntentBody struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreateIntent requests a new payment intent.
func (c *Client) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	var intent Intent
	var apiErr errorBody
	req := c.http.R().
		SetContext(ctx).
		SetBody(createIntentBody{
			Amount:      p.Amount,
			Currency:    strings.ToLower(p.Currency),
			Description: p.Description,
			Metadata:    p.Metadata,
		}).
		SetResult(&intent).
		SetError(&apiErr)
	if p.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", p.IdempotencyKey)
	}

	resp, err := req.Post("/v1/payment_intents")
	if err := classify("create intent", resp, err, &apiErr); err != nil {
		return nil, err
	}
	c.logger.Info("Payment intent created",
		zap.String("intent_id", intent.ID),
		zap.Int64("amount", intent.Amount),
		zap.String("idempotency_key", p.IdempotencyKey))
	return &intent, nil
}

// GetIntent fetches the current state of an intent.
func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	var apiErr errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&intent).
		SetError(&apiErr).
		Get("/v1/payment_intents/{id}")
	if err := classify("get intent", resp, err, &apiErr); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CancelIntent cancels an intent that has not succeeded.
func (c *Client) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	var apiErr errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&intent).
		SetError(&apiErr).
		Post("/v1/payment_intents/{id}/cancel")
	if err := classify("cancel intent", resp, err, &apiErr); err != nil {
		return nil, err
	}
	c.logger.Info("Payment intent cancelled", zap.String("intent_id", id))
	return &intent, nil
}

// classify maps a gateway response onto the shared error taxonomy.
func classify(op string, resp *resty.Response, err error, body *errorBody) error {
	if err != nil {
		return &apperr.TransportError{Op: op, Err: err}
	}
	status := resp.StatusCode()
	if !resp.IsError() {
		return nil
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &apperr.TransportError{Op: op, Err: fmt.Errorf("status %d: %s", status, body.Error.Message)}
	case status == http.StatusPaymentRequired || body.Error.Type == "card_error":
		return &apperr.DeclineError{Code: body.Error.Code, Message: body.Error.Message}
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}

	msg := body.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("gateway rejected request with status %d", status)
	}
	return &apperr.ValidationError{Field: "payment", Message: msg}
}
