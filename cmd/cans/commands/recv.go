package commands

import (
	"math"
	"time"

	"github.com/spf13/cobra"
)

// recv: handle queued envelopes, then live ones until --wait elapses.
func recvCmd() *cobra.Command {
	var (
		follow bool
		wait   *time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Receive queued and live messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := *wait
			if follow {
				d = math.MaxInt64
			}
			return online(cmd, d, nil)
		},
	}
	wait = waitFlag(cmd, 3*time.Second)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep receiving until interrupted")
	return cmd
}
