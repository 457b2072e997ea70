package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/api/httperr"
)

// JWTValidator validates bearer tokens and extracts the caller identity.
// The token subject carries the caller's hex identity.
type JWTValidator struct {
	secret []byte
}

// Claims are the JWT claims expected by the API.
type Claims struct {
	jwt.RegisteredClaims
}

// NewJWTValidator creates a validator over an HMAC secret. Returns nil
// for an empty secret; the middleware then rejects everything.
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses the token and returns the caller identity from its
// subject.
func (v *JWTValidator) Validate(tokenStr string) (address.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return address.Identity{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return address.Identity{}, fmt.Errorf("invalid token")
	}

	caller, err := address.ParseIdentity(claims.Subject)
	if err != nil {
		return address.Identity{}, fmt.Errorf("token subject is not a caller identity: %w", err)
	}
	return caller, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware. If validator is nil, all
// non-public requests are rejected (fail closed).
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httperr.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				httperr.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				httperr.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			caller, err := validator.Validate(parts[1])
			if err != nil {
				httperr.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
