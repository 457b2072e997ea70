package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/auth"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, subject string, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func callerIdent() address.Identity {
	var id address.Identity
	id[0] = 5
	return id
}

func newProtected(t *testing.T, validator *auth.JWTValidator) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := auth.GetCaller(r.Context())
		require.NoError(t, err)
		w.Header().Set("X-Caller", caller.String())
		w.WriteHeader(http.StatusOK)
	})
	return auth.NewMiddleware(validator)(inner)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	handler := newProtected(t, auth.NewJWTValidator(testSecret))
	caller := callerIdent()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, caller.String(), testSecret))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, caller.String(), rec.Header().Get("X-Caller"))
}

func TestMiddlewareRejections(t *testing.T) {
	handler := newProtected(t, auth.NewJWTValidator(testSecret))

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + signToken(t, callerIdent().String(), []byte("other"))},
		{"subject not an identity", "Bearer " + signToken(t, "admin", testSecret)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestMiddlewareExpiredToken(t *testing.T) {
	handler := newProtected(t, auth.NewJWTValidator(testSecret))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   callerIdent().String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareFailsClosedWithoutValidator(t *testing.T) {
	handler := newProtected(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, callerIdent().String(), testSecret))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAllowsPublicPaths(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.NewMiddleware(nil)(inner)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
