// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/skritek/pagepilot/cmd"
	"github.com/skritek/pagepilot/internal/observability"
)

// main wires signal handling around the root command. A second interrupt
// kills the process outright via signal.NotifyContext's default behavior.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil {
		// A signal-triggered abort already did everything it should.
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
