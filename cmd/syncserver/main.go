package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/auth"
	"github.com/dgnsrekt/karaoke-sync/internal/codec"
	"github.com/dgnsrekt/karaoke-sync/internal/config"
	"github.com/dgnsrekt/karaoke-sync/internal/fakeserver"
	"github.com/dgnsrekt/karaoke-sync/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load config
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Setup logger
	logger, err := logging.New(cfg.LogLevel == "debug", &config.LoggingConfig{Level: cfg.LogLevel}, "syncserver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.Duration("tokenTTL", cfg.TokenTTL),
		zap.Int("apiKeys", len(cfg.APIKeys)),
		zap.Bool("compressionEnabled", cfg.CompressionEnabled),
		zap.Int("compressionThreshold", cfg.CompressionThreshold),
		zap.Bool("demoEnabled", cfg.DemoEnabled),
		zap.Duration("demoInterval", cfg.DemoInterval),
	)

	issuer, err := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		logger.Error("failed to create token issuer", zap.Error(err))
		return 1
	}

	srv, err := fakeserver.New(fakeserver.Config{
		Authenticate: fakeserver.IssuerAuthenticator(issuer),
		Codec: codec.Config{
			Enabled:   cfg.CompressionEnabled,
			Threshold: cfg.CompressionThreshold,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		return 1
	}
	defer srv.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Hub().Run(ctx)

	if cfg.DemoEnabled {
		publisher := fakeserver.NewPublisher(srv, cfg.DemoInterval, cfg.DemoMaxQueue, logger)
		go publisher.Run(ctx)
	}

	router := fakeserver.NewRouter(srv,
		fakeserver.NewNegotiateHandler(issuer, cfg.APIKeys, logger),
		logger,
		map[string]http.Handler{"/metrics": promhttp.Handler()},
	)

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Cancel context to stop the hub and publisher
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
