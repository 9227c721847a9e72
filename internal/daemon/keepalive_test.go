package daemon

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepaliveFiresAfterIdleTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)
	ka := NewKeepalive(20*time.Millisecond, func() { fired <- struct{}{} })
	defer ka.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle callback did not fire")
	}
}

func TestKeepaliveBeginEndDefersIdleTimerUntilRequestCompletes(t *testing.T) {
	var fired atomic.Int32
	ka := NewKeepalive(20*time.Millisecond, func() { fired.Add(1) })
	defer ka.Stop()

	ka.Begin()
	time.Sleep(60 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Fatalf("idle callback fired %d times while a request was in flight", got)
	}
	if got := ka.InFlight(); got != 1 {
		t.Fatalf("InFlight() = %d, want 1", got)
	}

	ka.End()
	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("idle callback fired %d times after request completed, want 1", got)
	}
}

func TestKeepaliveWaitsForAllConcurrentRequestsBeforeStartingTimer(t *testing.T) {
	var fired atomic.Int32
	ka := NewKeepalive(20*time.Millisecond, func() { fired.Add(1) })
	defer ka.Stop()

	ka.Begin()
	ka.Begin()
	ka.End()
	time.Sleep(60 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Fatalf("idle callback fired with a request still in flight")
	}
	if got := ka.InFlight(); got != 1 {
		t.Fatalf("InFlight() = %d, want 1", got)
	}
	ka.End()
}

func TestKeepaliveStopCancelsTimer(t *testing.T) {
	var fired atomic.Int32
	ka := NewKeepalive(20*time.Millisecond, func() { fired.Add(1) })
	ka.Stop()
	ka.End()

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("idle callback fired %d times after Stop", got)
	}
}

func TestKeepaliveZeroTimeoutDisables(t *testing.T) {
	var fired atomic.Int32
	ka := NewKeepalive(0, func() { fired.Add(1) })
	defer ka.Stop()

	ka.Begin()
	ka.End()
	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("idle callback fired with keepalive disabled")
	}
}
