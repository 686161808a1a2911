// Package notify tells a human, through ntfy, when real-time sync degrades
// or recovers.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier sends connection health notifications.
type Notifier interface {
	FallbackEnabled(ctx context.Context, queued int, reason error) error
	FallbackDisabled(ctx context.Context, delivered, dropped int, outage time.Duration) error
	GaveUp(ctx context.Context, attempts int, err error) error
}

// Client implements Notifier over the ntfy HTTP API.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// FallbackEnabled reports that the client switched to fallback mode.
func (c *Client) FallbackEnabled(ctx context.Context, queued int, reason error) error {
	if !c.config.Enabled {
		return nil
	}

	title := "Live sync degraded"
	message := FormatFallbackMessage(c.config.Client, queued, reason)
	tags := c.config.Tags + ",warning"

	return c.send(ctx, title, message, tags, "high")
}

// FallbackDisabled reports that real-time delivery resumed.
func (c *Client) FallbackDisabled(ctx context.Context, delivered, dropped int, outage time.Duration) error {
	if !c.config.Enabled {
		return nil
	}

	title := "Live sync restored"
	message := FormatRecoveredMessage(c.config.Client, delivered, dropped, outage)
	tags := c.config.Tags + ",white_check_mark"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// GaveUp reports that the client stopped reconnecting.
func (c *Client) GaveUp(ctx context.Context, attempts int, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := "Live sync stopped reconnecting"
	message := FormatGaveUpMessage(c.config.Client, attempts, err)
	tags := c.config.Tags + ",x"

	return c.send(ctx, title, message, tags, "urgent")
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is used when notifications are disabled.
type NoopNotifier struct{}

// FallbackEnabled is a no-op.
func (NoopNotifier) FallbackEnabled(context.Context, int, error) error { return nil }

// FallbackDisabled is a no-op.
func (NoopNotifier) FallbackDisabled(context.Context, int, int, time.Duration) error { return nil }

// GaveUp is a no-op.
func (NoopNotifier) GaveUp(context.Context, int, error) error { return nil }

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if cfg == nil || !cfg.Enabled {
		return NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
