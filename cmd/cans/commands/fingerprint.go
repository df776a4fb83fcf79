package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cans/internal/services/identity"
	"cans/internal/store"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print your User ID (the fingerprint of your signing key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			id, err := identity.New(store.NewIdentityFileStore(cfg.Home)).FingerprintIdentity(passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User ID: %s\n", id)
			return nil
		},
	}
}
