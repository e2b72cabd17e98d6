package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/report-verify/internal/resilience"
)

// HTTPOptions configures an HTTPAdapter.
type HTTPOptions struct {
	BaseURL    string
	RatePerSec float64
	Burst      int
	Client     *http.Client
	Breaker    *resilience.CircuitBreaker
}

// AdaptiveLimiter wraps a rate.Limiter that halves its rate on 429 and
// recovers by 20% per success, between initial/4 and initial.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.initialRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPAdapter POSTs the payload as JSON to a provider endpoint with a bearer
// credential and decodes a JSON object reply.
type HTTPAdapter struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *AdaptiveLimiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPAdapter creates an adapter registered under name.
func NewHTTPAdapter(name string, opts HTTPOptions) *HTTPAdapter {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RatePerSec)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(name, resilience.DefaultCircuitBreakerConfig())
	}
	return &HTTPAdapter{
		name:    name,
		baseURL: opts.BaseURL,
		client:  opts.Client,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: opts.Breaker,
	}
}

func (h *HTTPAdapter) Name() string { return h.name }

// statusError is a non-2xx provider reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (h *HTTPAdapter) Call(ctx context.Context, payload Payload, credential string, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, classify(h.name, eris.Wrap(ctx.Err(), "rate limiter wait"))
	}

	body, err := resilience.ExecuteVal(ctx, h.breaker, func(ctx context.Context) (map[string]any, error) {
		return h.do(ctx, payload, credential)
	})
	if err != nil {
		zap.L().Debug("provider: call failed",
			zap.String("provider", h.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, classify(h.name, err)
	}
	return &Response{Provider: h.name, Body: body, Latency: time.Since(start)}, nil
}

func (h *HTTPAdapter) do(ctx context.Context, payload Payload, credential string) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		h.limiter.OnRateLimit()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &statusError{code: resp.StatusCode, body: snippet}
	}
	h.limiter.OnSuccess()

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "decode body")
	}
	return out, nil
}
