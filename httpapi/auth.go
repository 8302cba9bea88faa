package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"contractflow/lifecycle"
)

// ErrUnauthorized signals a missing or invalid bearer token.
var ErrUnauthorized = errors.New("httpapi: unauthorized")

// Principal is the caller identified by a bearer token.
type Principal struct {
	TenantID lifecycle.TenantID
	ActorID  string
}

// TokenVerifier checks HMAC-signed tokens carrying a tenant_id claim.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for tenant and actor, valid for ttl.
func (v *TokenVerifier) Issue(tenant lifecycle.TenantID, actor string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"tenant_id": string(tenant),
		"exp":       now.Add(ttl).Unix(),
		"iat":       now.Unix(),
	}
	if actor != "" {
		claims["sub"] = actor
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("httpapi: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the token and returns the principal it names.
func (v *TokenVerifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	tenant, ok := claims["tenant_id"].(string)
	if !ok || strings.TrimSpace(tenant) == "" {
		return Principal{}, fmt.Errorf("%w: invalid tenant_id in token", ErrUnauthorized)
	}
	actor, _ := claims["sub"].(string)
	return Principal{TenantID: lifecycle.TenantID(tenant), ActorID: actor}, nil
}

type principalKey struct{}

// PrincipalFrom returns the principal stored by Authenticate.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || strings.TrimSpace(raw) == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			p, err := v.Verify(strings.TrimSpace(raw))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}
