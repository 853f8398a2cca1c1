// Package apperr holds the error taxonomy shared by the pricing and payment
// packages. Handlers translate these into HTTP status codes in one place.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError is returned for bad input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validation is shorthand for building a *ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Range error kinds.
const (
	RangeOutOfRange   = "out_of_range"
	RangeOutOfCountry = "out_of_country"
)

// RangeError is returned when a delivery address cannot be served. The order
// is not created.
type RangeError struct {
	Kind       string
	DistanceKm float64
}

func (e *RangeError) Error() string {
	if e.Kind == RangeOutOfCountry {
		return "address is outside the serviced country"
	}
	return fmt.Sprintf("address is out of delivery range (%.1f km)", e.DistanceKm)
}

// TransportError wraps a failure to reach an external collaborator.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeclineError is a terminal refusal from the payment gateway.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return "payment declined: " + e.Message
	}
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// ReconciliationMiss is returned when a gateway confirmation was parked for
// manual follow-up: it matched no order, or it settled an order that another
// intent had already paid.
type ReconciliationMiss struct {
	IntentID  string
	Reference string
	Duplicate bool
}

func (e *ReconciliationMiss) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("payment intent %q settled order %q a second time", e.IntentID, e.Reference)
	}
	return fmt.Sprintf("no order for payment intent %q (reference %q)", e.IntentID, e.Reference)
}

// ConflictError is returned when an operation is illegal in the order's
// current payment state.
type ConflictError struct {
	From string
	To   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("invalid payment state transition from %s to %s", e.From, e.To)
}

// ErrNotFound is returned when an order cannot be located.
var ErrNotFound = errors.New("not found")

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
