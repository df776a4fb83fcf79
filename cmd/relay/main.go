package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cans/internal/config"
	"cans/internal/logging"
	"cans/internal/server"
)

func newRootCommand() *cobra.Command {
	var (
		configPath string
		envPath    string
		listen     string
		policy     string
	)

	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "cans relay: authenticated envelope routing, mailboxes, friendships and pre-keys",
		SilenceUsage: true,
		Example: `  # In-memory relay on :8080
  relay --mailbox-policy memory

  # Durable relay from a config file
  relay --config /etc/cans/relay.toml

  # Environment overrides
  CANS_LISTEN=:9000 CANS_DATA_DIR=/var/lib/cans relay`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envPath); err != nil {
				return err
			}
			cfg, err := config.LoadRelayFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config file '%v': %w", configPath, err)
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if policy != "" {
				cfg.MailboxPolicy = config.MailboxPolicy(policy)
				if err := cfg.FixupAndValidate(); err != nil {
					return err
				}
			}

			log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			srv, err := server.New(cfg, log)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "f", "", "relay configuration file (TOML)")
	cmd.Flags().StringVar(&envPath, "env", "", "dotenv file (default .env)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&policy, "mailbox-policy", "", "durable, graceful or memory (overrides config)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
