// ABOUTME: Tests for JWT verification and the HTTP auth middleware
// ABOUTME: Covers token round-trips, expiry, API key fallback, and context propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agenthub-control/internal/store"
)

func TestJWTRoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("cust-1", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", userID)
}

func TestJWTExpired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("cust-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWTVerifier([]byte("secret-a")).Generate("cust-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("secret-b")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTGarbage(t *testing.T) {
	_, err := NewJWTVerifier([]byte("test-secret")).Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTMissingSubject(t *testing.T) {
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := raw.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("test-secret")).Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTRejectsNoneAlgorithm(t *testing.T) {
	raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "cust-1"})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("test-secret")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func setupMiddleware(t *testing.T, require bool) (*Middleware, *JWTVerifier) {
	t.Helper()
	users := store.NewMockStore()
	err := users.CreateUser(t.Context(), &store.User{
		ID:      "cust-1",
		Name:    "Acme Corp",
		APIKey:  "key-abc",
		Credits: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	v := NewJWTVerifier([]byte("test-secret"))
	return NewMiddleware(v, users, require, nil), v
}

func echoUser(t *testing.T, want string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, want, user.ID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareJWT(t *testing.T) {
	m, v := setupMiddleware(t, true)

	token, err := v.Generate("cust-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	m.Wrap(echoUser(t, "cust-1")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAPIKey(t *testing.T) {
	m, _ := setupMiddleware(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer key-abc")
	rec := httptest.NewRecorder()

	m.Wrap(echoUser(t, "cust-1")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsBadCredential(t *testing.T) {
	m, _ := setupMiddleware(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()

	m.Wrap(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRequireMissingCredential(t *testing.T) {
	m, _ := setupMiddleware(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()

	m.Wrap(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareOptionalAuth(t *testing.T) {
	m, _ := setupMiddleware(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()

	m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := UserFromContext(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
