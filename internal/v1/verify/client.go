package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
)

// defaultResultTTL is used when the upstream omits a TTL.
const defaultResultTTL = 60 * time.Second

// Client asks the upstream agent whether a session id is genuine,
// caching results and shedding load through a circuit breaker when the
// upstream is struggling.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	cache   *Cache
}

type verifyResponse struct {
	Valid      bool   `json:"valid"`
	AstationID string `json:"astation_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// NewClient creates a Client against the given verification endpoint.
func NewClient(baseURL string, cache *Cache) *Client {
	st := gobreaker.Settings{
		Name:        "agent-verify",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("agent_verify").Set(stateVal)
		},
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
		cache:   cache,
	}
}

// Verify returns whether the session is valid, consulting the cache
// first. Upstream failures and an open breaker surface as errors so the
// caller can decide its failure policy.
func (c *Client) Verify(ctx context.Context, sessionID string) (bool, error) {
	if valid, ok := c.cache.Get(sessionID); ok {
		return valid, nil
	}

	result, err := c.cb.Execute(func() (any, error) {
		return c.fetch(ctx, sessionID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Verify breaker open - skipping upstream call",
				zap.String("session_id", sessionID))
		}
		return false, err
	}

	resp := result.(verifyResponse)
	ttl := defaultResultTTL
	if resp.TTLSeconds > 0 {
		ttl = time.Duration(resp.TTLSeconds) * time.Second
	}
	c.cache.Set(sessionID, resp.AstationID, resp.Valid, ttl)
	return resp.Valid, nil
}

func (c *Client) fetch(ctx context.Context, sessionID string) (verifyResponse, error) {
	u := c.baseURL + "?session_id=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return verifyResponse{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return verifyResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return verifyResponse{}, fmt.Errorf("verify endpoint returned %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return verifyResponse{}, fmt.Errorf("decoding verify response: %w", err)
	}
	return out, nil
}
