package breaker

import (
	"testing"
	"time"
)

func TestConsecutiveFailureBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewConsecutiveFailureBreaker(3, 100*time.Millisecond)
	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatal("expected allow before threshold")
		}
		cb.Record(false)
	}
	if cb.State() != Closed {
		t.Fatal("expected closed before reaching threshold")
	}

	if !cb.Allow() {
		t.Fatal("expected allow on third attempt")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after 3 consecutive failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow while open")
	}
}

func TestConsecutiveFailureBreakerResetsOnSuccess(t *testing.T) {
	cb := NewConsecutiveFailureBreaker(3, time.Second)
	cb.Record(false)
	cb.Record(false)
	cb.Record(true) // resets the streak
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Closed {
		t.Fatal("two failures after a reset should not trip the breaker")
	}
}

func TestConsecutiveFailureBreakerHalfOpenProbe(t *testing.T) {
	cb := NewConsecutiveFailureBreaker(1, 50*time.Millisecond)
	cb.Allow()
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected a single probe to be allowed after cooldown")
	}
	if cb.Allow() {
		t.Fatal("second concurrent probe should be refused while one is in flight")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after successful probe")
	}
}

func TestConsecutiveFailureBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewConsecutiveFailureBreaker(1, 20*time.Millisecond)
	cb.Allow()
	cb.Record(false)
	time.Sleep(30 * time.Millisecond)
	cb.Allow()
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected reopened after failed probe")
	}
}
