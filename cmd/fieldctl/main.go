// Package main is the entry point for fieldctl, the operator tool for a
// device's local outbox and offline cache.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/afctech/fieldsync/cmd/fieldctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
