//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/session"
)

// appStateSignals maps SIGUSR1 to foreground and SIGUSR2 to background.
func appStateSignals(ctx context.Context) <-chan session.AppState {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)

	out := make(chan session.AppState)
	go func() {
		defer signal.Stop(sigs)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				state := session.AppForeground
				if sig == syscall.SIGUSR2 {
					state = session.AppBackground
				}
				logger.Info("[SESSION] app state signal", "signal", sig.String(), "state", string(state))
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
