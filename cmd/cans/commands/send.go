package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cans/internal/app"
	"cans/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	var wait *time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a friend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return online(cmd, *wait, func(ctx context.Context, a *app.App) error {
				seq, err := a.Messages.Send(ctx, domain.UserID(args[0]), []byte(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent #%d\n", seq)
				return nil
			})
		},
	}
	wait = waitFlag(cmd, 2*time.Second)
	return cmd
}
