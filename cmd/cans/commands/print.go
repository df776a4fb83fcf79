package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cans/internal/domain"
	"cans/internal/services/message"
)

func printEvent(cmd *cobra.Command, ev message.Event) {
	switch {
	case ev.Err != nil:
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", ev.Err)
	case ev.Message != nil:
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", ev.Message.Timestamp.Format("15:04:05"), ev.From, ev.Message.Plaintext)
	case ev.Kind == domain.KindFriendRequest:
		if ev.Note != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s wants to be friends: %q\n", ev.From, ev.Note)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s wants to be friends\n", ev.From)
		}
	case ev.Kind == domain.KindFriendAccept, ev.Kind == domain.KindFriendReject, ev.Kind == domain.KindFriendRemove:
		fmt.Fprintf(cmd.OutOrStdout(), "%s: friendship %s\n", ev.From, ev.Friend)
	case ev.Kind == domain.KindPresence:
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", ev.From, ev.Presence)
	}
}
