package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"go.uber.org/zap"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string         `json:"error"`
	Code   string         `json:"code,omitempty"`
	Field  string         `json:"field,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Order  *orderResponse `json:"order,omitempty"`
}

// statusFor maps a service error to its HTTP status and response body.
// Anything unrecognised is a 500 and its message is not exposed.
func statusFor(err error) (int, errorResponse) {
	var (
		ve *apperr.ValidationError
		re *apperr.RangeError
		rj *coupon.RejectionError
		de *apperr.DeclineError
		ce *apperr.ConflictError
		te *apperr.TransportError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorResponse{Error: ve.Message, Code: "validation", Field: ve.Field}
	case errors.As(err, &re):
		return http.StatusUnprocessableEntity, errorResponse{Error: re.Error(), Code: re.Kind}
	case errors.As(err, &rj):
		return http.StatusUnprocessableEntity, errorResponse{Error: rj.Error(), Code: "coupon_rejected", Reason: string(rj.Reason)}
	case errors.As(err, &de):
		return http.StatusPaymentRequired, errorResponse{Error: de.Error(), Code: "declined", Reason: de.Code}
	case errors.As(err, &ce):
		return http.StatusConflict, errorResponse{Error: ce.Error(), Code: "conflict"}
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "order not found", Code: "not_found"}
	case errors.As(err, &te):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable, errorResponse{Error: "upstream timed out: " + te.Op, Code: "unavailable"}
		}
		return http.StatusBadGateway, errorResponse{Error: "upstream failure: " + te.Op, Code: "unavailable"}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
}

// writeError maps err to a response. Server-side failures are logged; client
// errors are not.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error, order *orderResponse) {
	status, body := statusFor(err)
	body.Order = order
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	case status == http.StatusConflict || status == http.StatusPaymentRequired:
		logger.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "validation"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v. On failure it writes the
// response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		badRequest(w, "invalid request body")
		return false
	}
	return true
}

const maxBodyBytes = 1 << 20
