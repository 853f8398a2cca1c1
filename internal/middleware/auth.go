package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kiwari-pos/storefront/internal/auth"
)

// Operator roles allowed on the admin endpoints.
const (
	RoleOwner   = "OWNER"
	RoleManager = "MANAGER"
)

type operatorKey struct{}

var (
	errNoCredentials  = errors.New("missing bearer token")
	errMalformedToken = errors.New("authorization header is not a bearer token")
)

// OperatorAuth guards staff routes with HS256 operator tokens. Payers never
// pass through it.
type OperatorAuth struct {
	secret string
	logger *zap.Logger
}

func NewOperatorAuth(secret string, logger *zap.Logger) *OperatorAuth {
	return &OperatorAuth{secret: secret, logger: logger}
}

// Require admits a request only when it carries a valid token whose role is
// one of roles. The verified claims are available to handlers through
// OperatorFromContext.
func (a *OperatorAuth) Require(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.verify(r)
			if err != nil {
				a.logger.Warn("Operator token rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				denied(w, http.StatusUnauthorized, reasonFor(err))
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				a.logger.Warn("Operator role not permitted",
					zap.String("path", r.URL.Path),
					zap.String("user_id", claims.UserID.String()),
					zap.String("role", claims.Role))
				denied(w, http.StatusForbidden, "role "+claims.Role+" may not use this endpoint")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, claims)))
		})
	}
}

func (a *OperatorAuth) verify(r *http.Request) (*auth.Claims, error) {
	token, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return auth.ValidateToken(a.secret, token)
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errMalformedToken
	}
	return token, nil
}

// reasonFor keeps signature and parser details out of the response body.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, errNoCredentials), errors.Is(err, errMalformedToken):
		return err.Error()
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	default:
		return "token not accepted"
	}
}

// OperatorFromContext returns the claims stored by Require, or nil.
func OperatorFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(operatorKey{}).(*auth.Claims)
	return claims
}

func denied(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  http.StatusText(status),
		"reason": reason,
	})
}
