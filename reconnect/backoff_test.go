package reconnect

import (
	"context"
	"testing"
	"time"
)

func TestFastRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{
		800 * time.Millisecond,
		1500 * time.Millisecond,
		2500 * time.Millisecond,
		4 * time.Second,
		6 * time.Second,
		8 * time.Second,
	}
	for i, expected := range want {
		if got := FastRetryDelay(i + 1); got != expected {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, expected)
		}
	}
}

func TestFastRetryDelayClamps(t *testing.T) {
	last := fastRetryDelays[len(fastRetryDelays)-1]
	for _, attempt := range []int{7, 20, 1000} {
		if got := FastRetryDelay(attempt); got != last {
			t.Errorf("attempt %d: got %v, want clamp to %v", attempt, got, last)
		}
	}
	if got := FastRetryDelay(0); got != fastRetryDelays[0] {
		t.Errorf("attempt 0: got %v, want first delay", got)
	}
	if got := FastRetryDelay(-3); got != fastRetryDelays[0] {
		t.Errorf("negative attempt: got %v, want first delay", got)
	}
}

func TestWakeWaiterWaitHonorsContext(t *testing.T) {
	w := NewWakeWaiter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Wait(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWakeWaiterPassiveWakesEarly(t *testing.T) {
	w := NewWakeWaiter()
	done := make(chan error, 1)
	go func() {
		done <- w.WaitPassive(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	w.Wake()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitPassive: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("passive wait did not wake")
	}
}

func TestWakeWaiterWakeIsReusable(t *testing.T) {
	w := NewWakeWaiter()
	w.Wake()
	w.Wake()
	done := make(chan error, 1)
	go func() {
		done <- w.WaitPassive(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	w.Wake()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitPassive after repeated Wake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("passive wait did not wake after channel rotation")
	}
}
