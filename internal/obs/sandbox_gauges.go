// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"
)

// StartActiveSandboxUpdater periodically samples the current number of
// running sandboxes and publishes it to the ActiveSandboxes gauge. count
// is supplied by the supervisor; this package stays decoupled from its
// concrete type. Adapted from the teacher's StartQueueLengthUpdater
// ticker-driven gauge sampling pattern, generalized from polling a fixed
// set of Redis list lengths to polling an arbitrary supervisor-supplied
// counter.
func StartActiveSandboxUpdater(ctx context.Context, interval time.Duration, count func() int) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ActiveSandboxes.Set(float64(count()))
			}
		}
	}()
}
