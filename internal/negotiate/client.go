// Package negotiate exchanges an API key for a session token and the
// websocket endpoint to present it to.
package negotiate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session is a negotiated credential.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	URL       string    `json:"url"`
}

// Client interface for testability
type Client interface {
	Negotiate(ctx context.Context, role, event string) (*Session, error)
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &HTTPClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: timeout,
		},
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Negotiate requests a session token for role and event.
func (c *HTTPClient) Negotiate(ctx context.Context, role, event string) (*Session, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if event != "" {
		q.Set("event", event)
	}
	endpoint := c.baseURL + "/negotiate"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	c.logger.Debug("negotiating", zap.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying negotiate", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Basic "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return nil, ErrAuthFailed
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		var s Session
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		if s.Token == "" || s.URL == "" {
			return nil, fmt.Errorf("incomplete negotiate response: %s", string(body))
		}
		return &s, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
