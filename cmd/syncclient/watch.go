package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/dispatch"
	"github.com/dgnsrekt/karaoke-sync/internal/negotiate"
	"github.com/dgnsrekt/karaoke-sync/internal/notify"
	"github.com/dgnsrekt/karaoke-sync/internal/realtime"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
)

func watchCmd() *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "watch [scope...]",
		Short: "Connect and print topic updates",
		Long: `Connect to the sync server, join the configured scopes and print
every topic update as a JSON line on stdout.

Scopes given as arguments are joined in addition to the ones in the config
file. When server.negotiate_url is set the token is obtained from the
negotiate endpoint and renewed before it expires.

Examples:
  # Watch the scopes from the config file
  syncclient watch

  # Watch one event and print the song requests only
  syncclient watch event-42 --events queue_updated`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args, events)
		},
	}

	cmd.Flags().StringSliceVar(&events, "events", []string{"queue_updated", "now_playing_updated"}, "topic events to print")

	return cmd
}

func runWatch(ctx context.Context, scopes, events []string) error {
	notifyCfg := notify.LoadConfig()
	if err := notifyCfg.Validate(); err != nil {
		return fmt.Errorf("notification config: %w", err)
	}

	url, token := cfg.Server.URL, cfg.Server.Token
	var (
		neg     *negotiate.HTTPClient
		session *negotiate.Session
	)
	if cfg.Server.NegotiateURL != "" {
		neg = negotiator(cfg, logger)
		var err error
		session, err = neg.Negotiate(ctx, cfg.Server.Role, cfg.Server.Event)
		if err != nil {
			return fmt.Errorf("negotiate: %w", err)
		}
		url, token = session.URL, session.Token
		logger.Info("negotiated session", zap.String("url", url), zap.Time("expiresAt", session.ExpiresAt))
	}

	client, err := realtime.NewClient(clientOptions(cfg, url, notify.New(notifyCfg, logger), logger))
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	logLifecycle(client)
	printUpdates(client, events)
	if neg != nil {
		client.On(realtime.EventCredentialRejected,
			renewOnRejection(ctx, client, neg, cfg.Server.Role, cfg.Server.Event, renegotiateCooldown, logger))
	}

	if err := client.Connect(ctx, token); err != nil {
		var ce *syncerr.CredentialError
		if errors.As(err, &ce) {
			return err
		}
		logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}

	if neg != nil {
		go negotiate.KeepFresh(ctx, neg, session, cfg.Server.Role, cfg.Server.Event, cfg.Server.RenewBefore,
			func(ctx context.Context, s *negotiate.Session) error {
				return client.UpdateCredential(ctx, s.Token)
			}, logger)
	}

	for _, scope := range append(cfg.Scopes, scopes...) {
		if err := client.Join(scope); err != nil {
			logger.Warn("join failed", zap.String("scope", scope), zap.Error(err))
			continue
		}
		logger.Info("joined", zap.String("scope", scope))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func logLifecycle(c *realtime.Client) {
	c.On(realtime.EventStateChanged, func(e dispatch.Event) {
		logger.Debug("state changed", zap.Stringer("state", e.(realtime.StateChanged).State))
	})
	c.On(realtime.EventConnected, func(e dispatch.Event) {
		ev := e.(realtime.Connected)
		logger.Info("connected", zap.String("link", ev.LinkID), zap.Uint64("generation", ev.Generation))
	})
	c.On(realtime.EventDisconnected, func(e dispatch.Event) {
		logger.Warn("disconnected", zap.Error(e.(realtime.Disconnected).Err))
	})
	c.On(realtime.EventReconnecting, func(e dispatch.Event) {
		ev := e.(realtime.Reconnecting)
		logger.Info("reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay), zap.Error(ev.Err))
	})
	c.On(realtime.EventGaveUp, func(e dispatch.Event) {
		logger.Error("gave up reconnecting", zap.Error(e.(realtime.GaveUp).Err))
	})
	c.On(realtime.EventCredentialRejected, func(e dispatch.Event) {
		logger.Error("credential rejected", zap.Error(e.(realtime.CredentialRejected).Err))
	})
	c.On(realtime.EventServerClosed, func(e dispatch.Event) {
		logger.Warn("server closed the connection", zap.Error(e.(realtime.ServerClosed).Err))
	})
	c.On(realtime.EventFallbackEnabled, func(e dispatch.Event) {
		ev := e.(realtime.FallbackEnabled)
		logger.Warn("fallback enabled", zap.Int("queued", ev.Queued), zap.Error(ev.Reason))
	})
	c.On(realtime.EventFallbackDisabled, func(e dispatch.Event) {
		ev := e.(realtime.FallbackDisabled)
		logger.Info("fallback disabled", zap.Int("delivered", ev.Delivered), zap.Int("dropped", ev.Dropped))
	})
	c.On(realtime.EventIntegrityMismatch, func(e dispatch.Event) {
		ev := e.(realtime.IntegrityMismatch)
		logger.Warn("integrity mismatch", zap.String("topic", ev.Topic.String()),
			zap.String("local", ev.LocalChecksum), zap.String("server", ev.ServerChecksum))
	})
	c.On(realtime.EventError, func(e dispatch.Event) {
		ev := e.(realtime.Error)
		logger.Debug("handled error", zap.String("op", ev.Op), zap.Error(ev.Err))
	})
}

type updateLine struct {
	Event    string `json:"event"`
	Topic    string `json:"topic"`
	Mode     string `json:"mode"`
	Checksum string `json:"checksum"`
	Value    any    `json:"value"`
}

func printUpdates(c *realtime.Client, events []string) {
	enc := json.NewEncoder(os.Stdout)
	for _, name := range events {
		c.On(name, func(e dispatch.Event) {
			u, ok := e.(realtime.TopicUpdate)
			if !ok {
				return
			}
			if err := enc.Encode(updateLine{
				Event:    u.Event,
				Topic:    u.Key.String(),
				Mode:     u.Mode,
				Checksum: u.Checksum,
				Value:    u.Value(),
			}); err != nil {
				logger.Warn("failed to print update", zap.Error(err))
			}
		})
	}
}

const renegotiateCooldown = 10 * time.Second

type credentialUpdater interface {
	UpdateCredential(ctx context.Context, token string) error
}

// renewOnRejection returns a listener that negotiates a fresh token and
// reconnects with it when the server rejects the current one. Rejections
// within cooldown of the last renegotiation are only logged.
func renewOnRejection(ctx context.Context, c credentialUpdater, neg negotiate.Client, role, event string,
	cooldown time.Duration, logger *zap.Logger) dispatch.Listener {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(e dispatch.Event) {
		ev, ok := e.(realtime.CredentialRejected)
		if !ok {
			return
		}
		mu.Lock()
		if !last.IsZero() && time.Since(last) < cooldown {
			mu.Unlock()
			logger.Warn("credential rejected again, not renegotiating yet", zap.Error(ev.Err))
			return
		}
		last = time.Now()
		mu.Unlock()

		go func() {
			logger.Info("credential rejected, renegotiating", zap.Error(ev.Err))
			s, err := neg.Negotiate(ctx, role, event)
			if err != nil {
				logger.Error("renegotiation failed", zap.Error(err))
				return
			}
			if err := c.UpdateCredential(ctx, s.Token); err != nil {
				logger.Error("reconnecting with renegotiated token failed", zap.Error(err))
			}
		}()
	}
}
