package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cans/internal/app"
	"cans/internal/domain"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Print the local message history with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return offline(func(a *app.App) error {
				entries, err := a.Messages.History(domain.UserID(args[0]), limit)
				if err != nil {
					return err
				}
				for _, e := range entries {
					dir := "<"
					if e.Outgoing {
						dir = ">"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s #%d %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), dir, e.Sequence, e.Body)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	return cmd
}
