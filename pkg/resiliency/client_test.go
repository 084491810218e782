package resiliency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSONRoundtrip(t *testing.T) {
	var gotPath, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":"pong"}`))
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, Config{}, nil)
	var out struct {
		Echo string `json:"echo"`
	}
	err := c.PostJSON(context.Background(), "/ping", map[string]string{"msg": "ping"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Echo)
	assert.Equal(t, "/ping", gotPath)
	assert.Equal(t, "application/json", gotContentType)
}

func TestPostJSONNilOutDiscardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, Config{}, nil)
	require.NoError(t, c.PostJSON(context.Background(), "/fire", nil, nil))
}

func TestPostJSONNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, Config{}, nil)
	err := c.PostJSON(context.Background(), "/boom", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, Config{ConsecutiveFailures: 2, Cooldown: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.PostJSON(ctx, "/x", nil, nil)
		require.Error(t, err)
		assert.False(t, ErrOpen(err), "failures below the trip count hit the backend")
	}

	err := c.PostJSON(ctx, "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, ErrOpen(err), "breaker must be open after the trip count")
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, Config{ConsecutiveFailures: 1, Cooldown: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	require.Error(t, c.PostJSON(ctx, "/x", nil, nil))
	assert.True(t, ErrOpen(c.PostJSON(ctx, "/x", nil, nil)))

	healthy = true
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, c.PostJSON(ctx, "/x", nil, nil), "half-open probe must close the breaker")
}
