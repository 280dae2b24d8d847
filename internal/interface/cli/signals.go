package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandler cancels the returned context on SIGINT/SIGTERM.
// The scheduler then stops launching units and the run command releases
// every session before returning.
func setupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		os.Interrupt,    // Ctrl+C (SIGINT)
		syscall.SIGTERM, // kill command
	)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			Info("Received signal: %v, releasing sessions and stopping", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
