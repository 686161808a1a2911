package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/config"
	"github.com/dgnsrekt/karaoke-sync/internal/logging"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncclient",
		Short: "Real-time karaoke sync client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that do not connect
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "inspect" {
				var err error
				logger, err = logging.New(verbose, nil, "syncclient")
				return err
			}

			// Load config
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}

			// Setup logger with config
			logger, err = logging.New(verbose, &cfg.Logging, "syncclient")
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("KARAOKE_SYNC_CONFIG"), "config file path (or set KARAOKE_SYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tokenCmd())

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
