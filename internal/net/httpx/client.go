// Package httpx implements the retrying, rate-respecting REST client that
// every upstream fetch goes through. Requests share one keep-alive transport,
// wait on a per-host token bucket, execute through a circuit breaker, and
// retry with exponential backoff; a cached variant serves unexpired responses
// from a short-TTL store without touching the network.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"perpfeed/internal/cache"
	"perpfeed/internal/metrics"
	"perpfeed/internal/net/ratelimit"
)

// Config holds the client tuning knobs.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per-request timeout, aborts only that attempt
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	RPS         float64
	Burst       int
	UserAgent   string
}

// Client issues rate-aware GET requests with retry and optional response
// caching. It is safe for concurrent use; all requests share one connection
// pool to bound socket churn under fan-out.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	store   cache.Store
	reg     *metrics.Registry
}

// New creates a client. store may be nil to disable response caching.
func New(cfg Config, store cache.Store, reg *metrics.Registry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 300 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "perpfeed/1.0"
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     60 * time.Second,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 4,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	var limiter *ratelimit.Limiter
	if cfg.RPS > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = int(cfg.RPS)
		}
		limiter = ratelimit.NewLimiter(cfg.RPS, cfg.Burst)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		limiter: limiter,
		breaker: breaker,
		store:   store,
		reg:     reg,
	}
}

// Retry returns a shallow copy of the client with a different attempt cap,
// sharing the transport, limiter, breaker, and cache of the original.
func (c *Client) Retry(maxAttempts int) *Client {
	clone := *c
	clone.cfg.MaxAttempts = maxAttempts
	return &clone
}

// Get issues a GET against path with the query params, retrying per policy.
// The returned bytes are the raw response body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.reg.IncHTTPRetry()
			delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
			log.Debug().Str("path", path).Int("attempt", attempt).
				Dur("delay", delay).Msg("retrying request")
			select {
			case <-ctx.Done():
				return nil, &APIError{Path: path, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		body, err := c.do(ctx, path, params)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

// GetCached is Get with a read-through response cache keyed by
// (path, params). An unexpired hit is returned without any network call;
// successful responses are stored with the endpoint's TTL.
func (c *Client) GetCached(ctx context.Context, path string, params url.Values, ttl time.Duration) ([]byte, error) {
	if c.store == nil || ttl <= 0 {
		return c.Get(ctx, path, params)
	}

	key := cacheKey(path, params)
	if body, ok := c.store.Get(ctx, key); ok {
		c.reg.IncCacheHit()
		return body, nil
	}
	c.reg.IncCacheMiss()

	body, err := c.Get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	c.store.Set(ctx, key, body, ttl)
	return body, nil
}

// do executes one attempt: rate limit wait, breaker-guarded round trip,
// body read, status check.
func (c *Client) do(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return nil, &APIError{Path: path, Err: err}
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, u.Host); err != nil {
			return nil, &APIError{Path: path, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, &APIError{Path: path, Err: err}
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &APIError{Path: path, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &APIError{Path: path, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Path: path, Status: resp.StatusCode}
		}

		return body, nil
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return nil, apiErr
		}
		// breaker open / too many requests
		return nil, &APIError{Path: path, Err: err}
	}

	return result.([]byte), nil
}

// backoffDelay computes base * 2^(attempt-2) capped at max; attempt 2 is the
// first retry and waits the base delay.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// cacheKey builds a stable key from the path and sorted query params.
func cacheKey(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
