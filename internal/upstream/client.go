// Package upstream wraps the exchange REST API the topic pollers fetch
// from. The provider is opaque beyond its request/response contract; this
// client adds per-request timeouts, bounded retry with error
// classification, and a circuit breaker so a sick upstream fails fast.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pmahler/btcdash/internal/metrics"
	"github.com/pmahler/btcdash/internal/retry"
)

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Endpoint, e.StatusCode)
}

// Client calls the exchange REST API.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
}

// NewClient creates a client for the exchange API at baseURL. timeout
// bounds each individual HTTP request; callers bound the whole fetch with
// their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "upstream",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		Timeout: breakerOpenDuration,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metrics.UpstreamBreakerState.Set(float64(to))
		},
	})

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		policy: retry.Policy{
			MaxAttempts:      2,
			InitialBackoff:   100 * time.Millisecond,
			RateLimitBackoff: 500 * time.Millisecond,
		},
	}
}

// MarketData fetches the current instrument snapshot for symbol.
func (c *Client) MarketData(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.get(ctx, "instrument", "/api/v1/instrument", url.Values{"symbol": {symbol}})
}

// AccountSnapshot fetches the margin/account snapshot for one user.
func (c *Client) AccountSnapshot(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.get(ctx, "margin", "/api/v1/user/margin", url.Values{"userId": {userID}})
}

// Positions fetches the open positions for one user.
func (c *Client) Positions(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.get(ctx, "position", "/api/v1/position", url.Values{"userId": {userID}})
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return retry.Do(ctx, c.policy, classify, func() (json.RawMessage, error) {
			return c.doGet(ctx, endpoint, path, query)
		})
	})
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return result.(json.RawMessage), nil
}

func (c *Client) doGet(ctx context.Context, endpoint, path string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream %s response: %w", endpoint, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("upstream %s returned invalid JSON", endpoint)
	}
	return json.RawMessage(body), nil
}

// classify maps upstream errors to retry actions: rate limits back off
// longer, server errors and network failures retry, everything else
// (client errors, cancelled contexts) aborts.
func classify(err error) retry.Action {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return retry.Backoff
		case httpErr.StatusCode >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}
