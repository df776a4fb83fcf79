package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cans/cmd/cans/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
