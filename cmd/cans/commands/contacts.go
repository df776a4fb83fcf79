package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cans/internal/app"
)

func contactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "List known relationships",
		RunE: func(cmd *cobra.Command, args []string) error {
			return offline(func(a *app.App) error {
				contacts, err := a.Messages.Contacts()
				if err != nil {
					return err
				}
				for _, c := range contacts {
					state := c.State.String()
					if c.Incoming {
						state += " (incoming)"
					}
					presence := "offline"
					if c.Online {
						presence = "online"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %s\n", c.Peer, state, presence)
				}
				return nil
			})
		},
	}
}
