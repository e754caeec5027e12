package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/session"
)

type snapshotLine struct {
	Time         time.Time      `json:"time"`
	Status       session.Status `json:"status"`
	Error        string         `json:"error,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Messages     int            `json:"messages"`
	Latest       any            `json:"latest,omitempty"`
}

// printSnapshotLines writes one JSON line per observed snapshot until ctx is
// done or the session closes.
func printSnapshotLines(ctx context.Context, s *session.Session, w io.Writer) {
	updates, cancel := s.Subscribe()
	defer cancel()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			line := snapshotLine{
				Time:         time.Now().UTC(),
				Status:       snap.Status,
				Error:        snap.Error,
				UserID:       snap.UserID,
				ConnectionID: snap.ConnectionID,
				Messages:     len(snap.Messages),
			}
			if n := len(snap.Messages); n > 0 {
				line.Latest = snap.Messages[n-1]
			}
			if err := enc.Encode(line); err != nil {
				logger.Warn("failed to print snapshot", "error", err)
				return
			}
		}
	}
}
