package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"socquery/cli"
)

func main() {
	// Cancel everything on interrupt so drivers release the serial port
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
