//go:build !unix

package main

import (
	"context"

	"github.com/migadu/nestlink/session"
)

// appStateSignals has no signal source on this platform; the status API
// still accepts app state changes.
func appStateSignals(ctx context.Context) <-chan session.AppState {
	out := make(chan session.AppState)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
