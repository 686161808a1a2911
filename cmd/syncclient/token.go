package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/karaoke-sync/internal/auth"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain or inspect session tokens",
	}
	cmd.AddCommand(tokenNegotiateCmd())
	cmd.AddCommand(tokenInspectCmd())
	return cmd
}

func tokenNegotiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "negotiate",
		Short: "Exchange the API key for a session token",
		Long: `Call the negotiate endpoint with the configured API key and print the
session token, its expiry and the websocket URL.

Examples:
  KARAOKE_SYNC_SERVER_API_KEY=secret syncclient token negotiate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Server.NegotiateURL == "" {
				return errors.New("server.negotiate_url is not configured")
			}
			s, err := negotiator(cfg, logger).Negotiate(cmd.Context(), cfg.Server.Role, cfg.Server.Event)
			if err != nil {
				return err
			}
			fmt.Printf("url:     %s\n", s.URL)
			fmt.Printf("expires: %s (in %s)\n", s.ExpiresAt.Format(time.RFC3339), time.Until(s.ExpiresAt).Round(time.Second))
			fmt.Printf("token:   %s\n", s.Token)
			return nil
		},
	}
}

func tokenInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Print the expiry of a JWT without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, ok := auth.ExpiresAt(args[0])
			if !ok {
				fmt.Println("token carries no readable expiry")
				return nil
			}
			remaining := time.Until(exp).Round(time.Second)
			if remaining <= 0 {
				fmt.Printf("expired %s (%s ago)\n", exp.Format(time.RFC3339), -remaining)
				return nil
			}
			fmt.Printf("expires %s (in %s)\n", exp.Format(time.RFC3339), remaining)
			return nil
		},
	}
}
