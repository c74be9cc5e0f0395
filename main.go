// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/formrelay/formrelay-cli/cmd"
)

// main is the entry point for the formrelay CLI application.
func main() {
	// Commands receive a signal-aware context so an interrupt unwinds the
	// batch instead of killing browser processes mid-run.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.ExecuteContext(ctx)
}
