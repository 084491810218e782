// Package resiliency wraps outbound worker calls with a timeout and a
// circuit breaker so a failing extraction or embedding backend sheds
// load instead of stalling every agent loop.
package resiliency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Config tunes one protected client.
type Config struct {
	// Timeout aborts a single call. Default 30s.
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker. Default 3.
	ConsecutiveFailures uint32
	// Cooldown is the open interval before a single probe. Default 60s.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// Client posts JSON to a single backend behind a breaker.
type Client struct {
	name    string
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewClient builds a breaker-protected JSON client for one backend.
func NewClient(name, baseURL string, cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single probe while half-open
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Client{
		name:    name,
		base:    baseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
	}
}

// ErrOpen reports whether the error came from an open breaker, which
// callers treat as transient (nak and retry later).
func ErrOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// PostJSON sends body to base+path and decodes the JSON response into
// out. Non-2xx statuses and decode failures count as breaker failures.
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s: %s returned %d: %s", c.name, path, resp.StatusCode, snippet)
		}
		if out == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
		}
		return nil, nil
	})
	return err
}
