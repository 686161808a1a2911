package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/audit"
	"github.com/dgnsrekt/karaoke-sync/internal/codec"
	"github.com/dgnsrekt/karaoke-sync/internal/config"
	"github.com/dgnsrekt/karaoke-sync/internal/connection"
	"github.com/dgnsrekt/karaoke-sync/internal/heartbeat"
	"github.com/dgnsrekt/karaoke-sync/internal/negotiate"
	"github.com/dgnsrekt/karaoke-sync/internal/notify"
	"github.com/dgnsrekt/karaoke-sync/internal/pool"
	"github.com/dgnsrekt/karaoke-sync/internal/realtime"
	"github.com/dgnsrekt/karaoke-sync/internal/resilience"
)

const (
	negotiateRate    = 2
	negotiateTimeout = 30 * time.Second
	negotiateRetries = 3
	negotiateBackoff = time.Second
)

// clientOptions maps the file configuration onto realtime options.
func clientOptions(cfg *config.Config, url string, notifier notify.Notifier, logger *zap.Logger) realtime.Options {
	return realtime.Options{
		URL:              url,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		Connection: connection.Config{
			MaxAttempts:    cfg.Connection.MaxAttempts,
			BaseDelay:      cfg.Connection.BaseDelay,
			MaxDelay:       cfg.Connection.MaxDelay,
			ConnectTimeout: cfg.Connection.ConnectTimeout,
		},
		Heartbeat: heartbeat.Config{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
		Codec: codec.Config{
			Enabled:        cfg.Compression.Enabled,
			Threshold:      cfg.Compression.Threshold,
			MaxMessageSize: cfg.Compression.MaxMessageSize,
		},
		PoolEnabled: cfg.Pool.Enabled,
		Pool: pool.Config{
			Size:          cfg.Pool.Size,
			Strategy:      pool.Strategy(cfg.Pool.Strategy),
			UsableFloor:   cfg.Pool.UsableFloor,
			SwitchMargin:  cfg.Pool.SwitchMargin,
			CheckInterval: cfg.Pool.CheckInterval,
		},
		AuditEnabled: cfg.Audit.Enabled,
		Audit: audit.Config{
			Interval:         cfg.Audit.Interval,
			StaleAfter:       cfg.Audit.StaleAfter,
			RequestTimeout:   cfg.Audit.RequestTimeout,
			Cooldown:         cfg.Audit.Cooldown,
			FailureThreshold: cfg.Audit.FailureThreshold,
		},
		Resilience: resilience.Config{
			RetryWindow:         cfg.Resilience.RetryWindow,
			MaxRetries:          cfg.Resilience.MaxRetries,
			FallbackThreshold:   cfg.Resilience.FallbackThreshold,
			PollInterval:        cfg.Resilience.PollInterval,
			DrainDelay:          cfg.Resilience.DrainDelay,
			QueueCapacity:       cfg.Resilience.QueueCapacity,
			MaxDeliveryAttempts: cfg.Resilience.MaxDeliveryAttempts,
		},
		Notifier: notifier,
		Logger:   logger,
	}
}

func negotiator(cfg *config.Config, logger *zap.Logger) *negotiate.HTTPClient {
	return negotiate.NewClient(cfg.Server.NegotiateURL, cfg.Server.APIKey,
		negotiateRate, negotiateTimeout, negotiateBackoff, negotiateRetries, logger)
}
