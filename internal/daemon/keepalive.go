package daemon

import (
	"sync"
	"time"
)

// Keepalive shuts the daemon down after a period without requests.
// The idle timer runs only while no request is in flight, so a long query
// is never cut short.
type Keepalive struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	timerID  uint64
	inFlight int
	onIdle   func()
	stopped  bool
}

// NewKeepalive creates a keepalive that calls onIdle once timeout passes
// without requests. A zero timeout disables it. The timer starts at once.
func NewKeepalive(timeout time.Duration, onIdle func()) *Keepalive {
	k := &Keepalive{timeout: timeout, onIdle: onIdle}
	k.mu.Lock()
	k.startTimerLocked()
	k.mu.Unlock()
	return k
}

// Begin marks the beginning of an in-flight request and cancels the timer.
func (k *Keepalive) Begin() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopTimerLocked()
	k.inFlight++
}

// End marks completion of an in-flight request. The idle timer restarts
// once the final in-flight request completes.
func (k *Keepalive) End() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.inFlight > 0 {
		k.inFlight--
	}
	if k.inFlight == 0 {
		k.startTimerLocked()
	}
}

// InFlight reports the number of requests being served.
func (k *Keepalive) InFlight() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.inFlight
}

func (k *Keepalive) startTimerLocked() {
	k.stopTimerLocked()
	if k.timeout <= 0 || k.stopped {
		return
	}

	k.timerID++
	timerID := k.timerID
	k.timer = time.AfterFunc(k.timeout, func() {
		k.expire(timerID)
	})
}

func (k *Keepalive) stopTimerLocked() {
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

func (k *Keepalive) expire(timerID uint64) {
	k.mu.Lock()
	if k.stopped || k.timer == nil || k.timerID != timerID || k.inFlight > 0 {
		k.mu.Unlock()
		return
	}
	k.timer = nil
	onIdle := k.onIdle
	k.mu.Unlock()

	if onIdle != nil {
		onIdle()
	}
}

// Stop cancels the idle timer for good.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopped = true
	k.stopTimerLocked()
}
