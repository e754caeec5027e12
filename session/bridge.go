package session

import (
	"context"
	"errors"

	"github.com/migadu/nestlink/consts"
)

// Bridge forwards host visibility transitions to a session.
type Bridge struct {
	session *Session
}

func NewBridge(s *Session) *Bridge {
	return &Bridge{session: s}
}

// Run consumes states until ctx is done, the channel is closed or the
// session closes.
func (b *Bridge) Run(ctx context.Context, states <-chan AppState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if err := b.session.SetAppState(ctx, st); err != nil {
				if errors.Is(err, consts.ErrSessionClosed) {
					return nil
				}
				b.session.log.Warn("[SESSION] app state not applied", "state", string(st), "error", err)
			}
		}
	}
}
