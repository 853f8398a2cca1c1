package service

import (
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/enum"
)

// State is the payment lifecycle position of an order. It is derived from
// the persisted columns, never stored.
type State string

const (
	StateIdle                 State = "idle"
	StateCashDue              State = "cash_due"
	StateAwaitingIntent       State = "awaiting_gateway_intent"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StatePaid                 State = "paid"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// transitions lists every legal move. A success reported by the gateway for
// a failed or cancelled order is still recorded: the money has moved. The
// same holds for an intent superseded by a retry.
var transitions = map[State][]State{
	StateIdle:                 {StateAwaitingIntent, StateCashDue},
	StateAwaitingIntent:       {StateAwaitingConfirmation, StateFailed, StateCancelled, StatePaid},
	StateAwaitingConfirmation: {StatePaid, StateFailed, StateCancelled},
	StateFailed:               {StateAwaitingIntent, StateCancelled, StatePaid},
	StateCancelled:            {StatePaid},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateOf derives the lifecycle state of a persisted order.
func StateOf(o database.Order) State {
	if o.PaymentStatus == enum.PaymentStatusPaid {
		return StatePaid
	}
	if o.Status == enum.OrderStatusCancelled {
		return StateCancelled
	}
	switch o.PaymentStatus {
	case enum.PaymentStatusFailed:
		return StateFailed
	case enum.PaymentStatusPending:
		return StateCashDue
	case enum.PaymentStatusPendingPayment:
		if o.PaymentIntentID.Valid {
			return StateAwaitingConfirmation
		}
		return StateAwaitingIntent
	}
	return StateIdle
}

func checkTransition(o database.Order, to State) error {
	from := StateOf(o)
	if !CanTransition(from, to) {
		return &apperr.ConflictError{From: string(from), To: string(to)}
	}
	return nil
}
