package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"cans/internal/app"
	"cans/internal/domain"
)

func friendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friend",
		Short: "Manage friendships",
	}
	cmd.AddCommand(
		friendAction("add <peer> [note]", "Ask a peer to be friends", cobra.RangeArgs(1, 2),
			func(ctx context.Context, a *app.App, peer domain.UserID, args []string) error {
				var note string
				if len(args) > 1 {
					note = args[1]
				}
				return a.Messages.RequestFriend(ctx, peer, note)
			}),
		friendAction("accept <peer>", "Accept a pending friend request", cobra.ExactArgs(1),
			func(ctx context.Context, a *app.App, peer domain.UserID, _ []string) error {
				return a.Messages.AcceptFriend(ctx, peer)
			}),
		friendAction("reject <peer>", "Reject a pending friend request", cobra.ExactArgs(1),
			func(ctx context.Context, a *app.App, peer domain.UserID, _ []string) error {
				return a.Messages.RejectFriend(ctx, peer)
			}),
		friendAction("remove <peer>", "End a friendship", cobra.ExactArgs(1),
			func(ctx context.Context, a *app.App, peer domain.UserID, _ []string) error {
				return a.Messages.RemoveFriend(ctx, peer)
			}),
	)
	return cmd
}

func friendAction(
	use, short string,
	args cobra.PositionalArgs,
	do func(context.Context, *app.App, domain.UserID, []string) error,
) *cobra.Command {
	var wait *time.Duration
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return online(cmd, *wait, func(ctx context.Context, a *app.App) error {
				return do(ctx, a, domain.UserID(args[0]), args)
			})
		},
	}
	wait = waitFlag(cmd, time.Second)
	return cmd
}
