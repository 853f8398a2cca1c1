package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the webhook signature:
// "t=<unix seconds>,v1=<hex hmac-sha256 of t + "." + body>".
const SignatureHeader = "Gateway-Signature"

// DefaultTolerance is how far the signed timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

// Event types the storefront reacts to.
const (
	EventIntentSucceeded     = "payment_intent.succeeded"
	EventIntentPaymentFailed = "payment_intent.payment_failed"
	EventIntentCanceled      = "payment_intent.canceled"
	EventIntentProcessing    = "payment_intent.processing"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

// Event is a webhook delivery.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object Intent `json:"object"`
	} `json:"data"`
}

// Intent returns the intent the event is about.
func (e *Event) Intent() *Intent { return &e.Data.Object }

// Sign computes the signature header value for payload at t.
func Sign(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + computeSignature(payload, secret, ts)
}

func computeSignature(payload []byte, secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the header against payload. Any v1 entry may match,
// which lets the gateway sign with old and new secrets during rotation.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		drift := now.Sub(time.Unix(unix, 0))
		if drift > tolerance || drift < -tolerance {
			return ErrStaleSignature
		}
	}

	expected := []byte(computeSignature(payload, secret, ts))
	for _, s := range sigs {
		if hmac.Equal(expected, []byte(s)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ParseEvent decodes a webhook body.
func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if e.Type == "" || e.Data.Object.ID == "" {
		return nil, errors.New("webhook event is missing type or intent id")
	}
	return &e, nil
}
