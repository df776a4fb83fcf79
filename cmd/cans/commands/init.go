package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cans/internal/app"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and pre-keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			id, err := app.Init(cfg, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created in %s.\nUser ID: %s\n", cfg.Home, id)
			return nil
		},
	}
}
