package engine

import (
	"context"
	"time"

	"docpipe/internal/logging"
)

// startHeartbeat refreshes the attempt's heartbeat on the configured
// interval until the returned stop function is called. The stop function
// blocks until the goroutine has exited so a finalized attempt is never
// touched afterward.
func (e *Engine) startHeartbeat(attemptID int64) func() {
	interval := time.Duration(e.cfg.Pipeline.HeartbeatInterval) * time.Second
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.store.Heartbeat(context.Background(), attemptID); err != nil {
					e.logger.Warn("heartbeat update failed",
						logging.Int64("attempt_id", attemptID),
						logging.Error(err),
					)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
