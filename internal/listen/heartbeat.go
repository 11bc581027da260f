package listen

import (
	"context"
	"fmt"
	"time"
)

var pingMessage = []byte(`{"type":"ping"}`)

// Heartbeat pings conn every interval and ends the session once lifetime
// has elapsed since start. It returns ErrSessionTimeout at the cap, a
// wrapped error if a ping cannot be sent, or nil when ctx is done.
func Heartbeat(ctx context.Context, conn Conn, start time.Time, interval, lifetime time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := conn.WriteText(pingMessage); err != nil {
			return fmt.Errorf("send ping: %w", err)
		}
		if time.Since(start) >= lifetime {
			return ErrSessionTimeout
		}
	}
}
