package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cans/internal/app"
	"cans/internal/config"
	"cans/internal/logging"
	"cans/internal/services/message"
)

var (
	configPath string
	envPath    string
	home       string
	serverURL  string
	passphrase string

	cfg *config.Client
	log *logrus.Logger
)

// Execute runs the CLI until it finishes or ctx is cancelled.
func Execute(ctx context.Context) error {
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "cans",
		Short:         "End-to-end encrypted chat over a cans relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envPath); err != nil {
				return err
			}
			c, err := config.LoadClientFile(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if home != "" {
				c.Home = home
			}
			if serverURL != "" {
				c.ServerURL = serverURL
			}
			if err := os.MkdirAll(c.Home, 0o700); err != nil {
				return err
			}
			l, err := logging.New(c.LogLevel, "text", os.Stderr)
			if err != nil {
				return err
			}
			cfg, log = c, l
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "client config file (TOML)")
	root.PersistentFlags().StringVar(&envPath, "env", "", "dotenv file (default .env)")
	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.cans)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "relay websocket URL (e.g. ws://127.0.0.1:8080/ws)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting local keys")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		friendCmd(),
		sendCmd(),
		recvCmd(),
		historyCmd(),
		contactsCmd(),
	)
	return root
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}

// offline runs fn against the unlocked local state.
func offline(fn func(*app.App) error) error {
	if err := requirePassphrase(); err != nil {
		return err
	}
	a, err := app.Open(cfg, passphrase, app.Options{Logger: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// online connects to the relay, runs fn and then handles inbound envelopes
// for wait, printing what they mean.
func online(cmd *cobra.Command, wait time.Duration, fn func(context.Context, *app.App) error) error {
	return offline(func(a *app.App) error {
		ctx := cmd.Context()
		if err := a.Connect(ctx); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(ctx, a); err != nil {
				return err
			}
		}
		if wait <= 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		return a.Run(ctx, func(ev message.Event) { printEvent(cmd, ev) })
	})
}

func waitFlag(cmd *cobra.Command, def time.Duration) *time.Duration {
	return cmd.Flags().Duration("wait", def, "how long to keep handling inbound envelopes")
}
