package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WatchdogConfig holds liveness tunables.
type WatchdogConfig struct {
	StallTimeout time.Duration // producer silence treated as a stall
	MaxRestarts  int           // automatic restarts before giving up
}

// Watchdog tracks producer liveness from its activity marks and drives a
// bounded number of automatic pipeline restarts. Past the bound it reports
// permanently unhealthy and leaves recovery to the operator, surfaced by
// the health endpoint.
type Watchdog struct {
	cfg    WatchdogConfig
	logger *zap.Logger

	mu           sync.Mutex
	alive        bool
	lastActivity time.Time
	restarts     int
	permanent    bool
}

// NewWatchdog creates a watchdog with the producer considered not yet alive.
func NewWatchdog(cfg WatchdogConfig, logger *zap.Logger) *Watchdog {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Second
	}
	return &Watchdog{cfg: cfg, logger: logger}
}

// MarkActivity records producer progress. Called once per capture-loop
// iteration.
func (w *Watchdog) MarkActivity() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// SetAlive records the producer goroutine starting or exiting.
func (w *Watchdog) SetAlive(alive bool) {
	w.mu.Lock()
	w.alive = alive
	if alive {
		w.lastActivity = time.Now()
	}
	w.mu.Unlock()
}

// Healthy reports false if the producer is dead or has shown no activity
// within the stall timeout.
func (w *Watchdog) Healthy(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthyLocked(now)
}

func (w *Watchdog) healthyLocked(now time.Time) bool {
	if w.permanent {
		return false
	}
	if !w.alive {
		return false
	}
	return now.Sub(w.lastActivity) <= w.cfg.StallTimeout
}

// Restarts returns the number of restart attempts made.
func (w *Watchdog) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// PermanentlyUnhealthy reports whether the restart budget is spent.
func (w *Watchdog) PermanentlyUnhealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.permanent
}

// noteRestart consumes one restart attempt. Returns false once the budget
// is exhausted, flipping the watchdog permanently unhealthy.
func (w *Watchdog) noteRestart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.restarts >= w.cfg.MaxRestarts {
		w.permanent = true
		return false
	}
	w.restarts++
	return true
}

// Run is the monitor loop: it polls producer health and invokes restart on
// a stall, up to the restart bound. restart must stop the old producer,
// reclaim resources and relaunch.
func (w *Watchdog) Run(ctx context.Context, restart func() error) {
	interval := w.cfg.StallTimeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if w.Healthy(now) || w.PermanentlyUnhealthy() {
			continue
		}

		if !w.noteRestart() {
			w.logger.Error("Pipeline stalled and restart budget exhausted, reporting permanently unhealthy",
				zap.Int("max_restarts", w.cfg.MaxRestarts))
			continue
		}

		w.logger.Warn("Pipeline stall detected, restarting",
			zap.Int("attempt", w.Restarts()),
			zap.Int("max_restarts", w.cfg.MaxRestarts))

		if err := restart(); err != nil {
			w.logger.Error("Pipeline restart failed", zap.Error(err))
			continue
		}

		w.MarkActivity() // grant the relaunched producer a full stall window
	}
}
