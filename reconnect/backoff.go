package reconnect

import (
	"context"
	"sync"
	"time"
)

const (
	// fastRetryWindow is how long after loop start retries stay eager.
	fastRetryWindow = 60 * time.Second
	// passiveRetryInterval caps one passive wait. Connectivity or
	// visibility wakes the wait early.
	passiveRetryInterval = 30 * time.Second
)

// fastRetryDelays is the fixed fast-window schedule, indexed by attempt and
// clamped to the last entry.
var fastRetryDelays = []time.Duration{
	800 * time.Millisecond,
	1500 * time.Millisecond,
	2500 * time.Millisecond,
	4 * time.Second,
	6 * time.Second,
	8 * time.Second,
}

// FastRetryDelay returns the wait before the next attempt. attempt is
// 1-based; attempts past the schedule reuse the final delay.
func FastRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(fastRetryDelays) {
		attempt = len(fastRetryDelays)
	}
	return fastRetryDelays[attempt-1]
}

// Waiter provides the engine's cancellable waits. Cancellation always
// surfaces as the context's error so the loop can tell "told to stop" apart
// from "timer fired".
type Waiter interface {
	// Wait blocks for d or until ctx is done.
	Wait(ctx context.Context, d time.Duration) error
	// WaitPassive blocks up to the passive interval, waking early on a
	// connectivity/visibility signal or when ctx is done.
	WaitPassive(ctx context.Context) error
}

// WakeWaiter is the production Waiter. Wake is called by the embedding
// layer when the network comes back or the client regains focus.
type WakeWaiter struct {
	mu   sync.Mutex
	wake chan struct{}
}

// NewWakeWaiter constructs a WakeWaiter.
func NewWakeWaiter() *WakeWaiter {
	return &WakeWaiter{wake: make(chan struct{})}
}

// Wake releases every pending passive wait.
func (w *WakeWaiter) Wake() {
	w.mu.Lock()
	close(w.wake)
	w.wake = make(chan struct{})
	w.mu.Unlock()
}

// Wait implements Waiter.
func (w *WakeWaiter) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitPassive implements Waiter.
func (w *WakeWaiter) WaitPassive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	wake := w.wake
	w.mu.Unlock()
	timer := time.NewTimer(passiveRetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
