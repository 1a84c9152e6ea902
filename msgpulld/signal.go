package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// shutdownListener returns a context canceled on the first interrupt signal.
// Further signals only print a notice while shutdown proceeds.
func shutdownListener() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, interruptSignals...)

		select {
		case sig := <-c:
			fmt.Fprintf(os.Stderr, "Received signal (%s). Shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}

		for sig := range c {
			fmt.Fprintf(os.Stderr, "Received signal (%s). Already shutting down...\n", sig)
		}
	}()
	return ctx, cancel
}
