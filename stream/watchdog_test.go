package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWatchdogHealthyWithinTimeout(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{StallTimeout: 10 * time.Second, MaxRestarts: 3}, zaptest.NewLogger(t))
	w.SetAlive(true)
	w.MarkActivity()

	if !w.Healthy(time.Now().Add(5 * time.Second)) {
		t.Error("expected healthy 5s after activity with a 10s timeout")
	}
}

func TestWatchdogStallDetection(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{StallTimeout: 10 * time.Second, MaxRestarts: 3}, zaptest.NewLogger(t))
	w.SetAlive(true)
	w.MarkActivity()

	// 11 seconds of silence against a 10 second stall timeout.
	if w.Healthy(time.Now().Add(11 * time.Second)) {
		t.Error("expected unhealthy after 11s of silence")
	}
}

func TestWatchdogNotAliveIsUnhealthy(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{StallTimeout: 10 * time.Second, MaxRestarts: 3}, zaptest.NewLogger(t))

	if w.Healthy(time.Now()) {
		t.Error("expected unhealthy before producer start")
	}

	w.SetAlive(true)
	if !w.Healthy(time.Now()) {
		t.Error("expected healthy after producer start")
	}

	w.SetAlive(false)
	if w.Healthy(time.Now().Add(time.Millisecond)) {
		t.Error("expected unhealthy after producer exit")
	}
}

func TestWatchdogRestartBudget(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{StallTimeout: 10 * time.Second, MaxRestarts: 3}, zaptest.NewLogger(t))

	for i := 1; i <= 3; i++ {
		if !w.noteRestart() {
			t.Fatalf("restart %d should be within budget", i)
		}
	}
	if w.noteRestart() {
		t.Error("fourth restart should exceed the budget")
	}
	if !w.PermanentlyUnhealthy() {
		t.Error("expected permanently unhealthy after exhausting restarts")
	}
	if w.Restarts() != 3 {
		t.Errorf("Restarts() = %d, want 3", w.Restarts())
	}
	if w.Healthy(time.Now()) {
		t.Error("permanently unhealthy watchdog must never report healthy")
	}
}

func TestWatchdogRunRestartsStalledProducer(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{StallTimeout: 200 * time.Millisecond, MaxRestarts: 3}, zaptest.NewLogger(t))
	w.SetAlive(true)

	var restarts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func() error {
			restarts.Add(1)
			return nil
		})
	}()

	// Never mark activity. The monitor should fire at least one restart.
	deadline := time.After(3 * time.Second)
	for restarts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("watchdog never attempted a restart for a stalled producer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if w.Restarts() == 0 {
		t.Error("expected at least one recorded restart attempt")
	}
}
