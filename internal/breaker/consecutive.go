package breaker

import (
	"sync"
	"time"
)

// ConsecutiveFailureBreaker is the logging broker's circuit breaker per
// spec §4.5.4: it opens after a fixed number of *consecutive* persistence
// failures (not a sliding-window failure rate) and stays open for a fixed
// cooldown, during which the caller is expected to degrade to in-memory
// mirroring only. Reuses the same State enum and Allow/Record shape as
// CircuitBreaker, but the trip condition is simpler and doesn't need a
// results-history window.
type ConsecutiveFailureBreaker struct {
	mu          sync.Mutex
	state       State
	threshold   int
	cooldown    time.Duration
	consecutive int
	openedAt    time.Time
	halfOpenUsed bool
}

// NewConsecutiveFailureBreaker builds a breaker that opens after
// `threshold` consecutive failures and stays open for `cooldown`.
func NewConsecutiveFailureBreaker(threshold int, cooldown time.Duration) *ConsecutiveFailureBreaker {
	return &ConsecutiveFailureBreaker{state: Closed, threshold: threshold, cooldown: cooldown}
}

func (cb *ConsecutiveFailureBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a persistence attempt should proceed. While Open
// and within the cooldown window, it refuses; once the cooldown elapses it
// transitions to HalfOpen and allows exactly one probe.
func (cb *ConsecutiveFailureBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = HalfOpen
		cb.halfOpenUsed = true
		return true
	case HalfOpen:
		if cb.halfOpenUsed {
			return false
		}
		cb.halfOpenUsed = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a persistence attempt allowed by Allow.
func (cb *ConsecutiveFailureBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		cb.consecutive = 0
		if cb.state != Closed {
			cb.state = Closed
			cb.halfOpenUsed = false
		}
		return
	}

	cb.consecutive++
	if cb.state == HalfOpen {
		// Probe failed: reopen immediately for another full cooldown.
		cb.state = Open
		cb.openedAt = time.Now()
		cb.halfOpenUsed = false
		return
	}
	if cb.consecutive >= cb.threshold {
		cb.state = Open
		cb.openedAt = time.Now()
		cb.halfOpenUsed = false
	}
}
