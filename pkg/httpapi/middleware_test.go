package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authedRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthDisabledAllowsAll(t *testing.T) {
	a := AuthConfig{}
	assert.False(t, a.Enabled())
	assert.True(t, a.bearer(authedRequest("")))
	assert.True(t, a.bearer(authedRequest("anything")))
}

func TestStaticTokenAuth(t *testing.T) {
	a := AuthConfig{StaticToken: "sekret"}
	assert.True(t, a.bearer(authedRequest("sekret")))
	assert.False(t, a.bearer(authedRequest("wrong")))
	assert.False(t, a.bearer(authedRequest("")))

	// A bare token without the Bearer prefix is rejected.
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "sekret")
	assert.False(t, a.bearer(r))
}

func TestJWTAuth(t *testing.T) {
	secret := "hmac-secret"
	a := AuthConfig{JWTSecret: secret}

	sign := func(key string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "operator",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(key))
		require.NoError(t, err)
		return token
	}

	assert.True(t, a.bearer(authedRequest(sign(secret))))
	assert.False(t, a.bearer(authedRequest(sign("other-secret"))))
	assert.False(t, a.bearer(authedRequest("not-a-jwt")))

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.False(t, a.bearer(authedRequest(expired)))
}

func TestStaticTokenWinsOverJWT(t *testing.T) {
	a := AuthConfig{StaticToken: "sekret", JWTSecret: "hmac-secret"}
	assert.True(t, a.bearer(authedRequest("sekret")))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("hmac-secret"))
	require.NoError(t, err)
	assert.False(t, a.bearer(authedRequest(token)))
}

func TestRequireAuth(t *testing.T) {
	a := AuthConfig{StaticToken: "sekret"}
	handler := a.RequireAuth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, authedRequest("sekret"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterThrottles(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Contains(t, codes, http.StatusTooManyRequests)

	// A different client IP gets its own bucket.
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}
