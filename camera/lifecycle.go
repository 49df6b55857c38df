package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the camera lifecycle state.
type State int32

const (
	StateAbsent State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned when the camera is not in the Ready state.
var ErrNotReady = errors.New("camera not ready")

// ErrRetryTooSoon is returned when Initialize is called again before the
// minimum retry delay has elapsed since the last attempt.
var ErrRetryTooSoon = errors.New("camera retry delay not elapsed")

// LifecycleConfig holds lifecycle manager tunables.
type LifecycleConfig struct {
	MinRetryDelay  time.Duration // minimum spacing between Initialize attempts
	HealthInterval time.Duration // spacing between Ready-state probe captures
}

// Lifecycle owns the frame source handle. It is the only component that
// opens, probes and tears down the device; all callers go through it.
type Lifecycle struct {
	mu          sync.Mutex
	source      FrameSource
	state       State
	lastAttempt time.Time
	lastProbe   time.Time
	retries     uint64
	cfg         LifecycleConfig
	logger      *zap.Logger
}

// NewLifecycle creates a lifecycle manager around a frame source.
func NewLifecycle(source FrameSource, cfg LifecycleConfig, logger *zap.Logger) *Lifecycle {
	if cfg.MinRetryDelay <= 0 {
		cfg.MinRetryDelay = 2 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &Lifecycle{
		source: source,
		state:  StateAbsent,
		cfg:    cfg,
		logger: logger,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Retries returns the number of initialization attempts made so far.
func (l *Lifecycle) Retries() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries
}

// Initialize opens the device and verifies it with one test capture. A call
// made within MinRetryDelay of the previous attempt is a no-op returning
// ErrRetryTooSoon, preventing hammer-retry loops.
func (l *Lifecycle) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initializeLocked()
}

func (l *Lifecycle) initializeLocked() error {
	if l.state == StateReady {
		return nil
	}

	if !l.lastAttempt.IsZero() && time.Since(l.lastAttempt) < l.cfg.MinRetryDelay {
		return ErrRetryTooSoon
	}

	l.state = StateInitializing
	l.lastAttempt = time.Now()
	l.retries++

	l.logger.Info("Initializing camera", zap.Uint64("attempt", l.retries))

	if err := l.source.Open(); err != nil {
		l.teardownLocked()
		l.state = StateFailed
		return fmt.Errorf("failed to open camera: %w", err)
	}

	// Verify the device actually delivers frames before declaring Ready.
	if _, err := l.source.Capture(); err != nil {
		l.teardownLocked()
		l.state = StateFailed
		return fmt.Errorf("camera test capture failed: %w", err)
	}

	l.state = StateReady
	l.lastProbe = time.Now()
	l.logger.Info("Camera ready")
	return nil
}

// EnsureReady brings the camera to Ready if possible. When already Ready
// and the health interval has elapsed, it runs a lightweight probe capture
// and demotes to Failed (tearing the handle down) on any error.
func (l *Lifecycle) EnsureReady() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateReady {
		return l.initializeLocked()
	}

	if time.Since(l.lastProbe) < l.cfg.HealthInterval {
		return nil
	}

	if _, err := l.source.Capture(); err != nil {
		l.logger.Warn("Camera health probe failed, demoting", zap.Error(err))
		l.teardownLocked()
		l.state = StateFailed
		return fmt.Errorf("camera health probe failed: %w", err)
	}

	l.lastProbe = time.Now()
	return nil
}

// Capture grabs one raw frame. Only valid in the Ready state.
func (l *Lifecycle) Capture() (*RawFrame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateReady {
		return nil, ErrNotReady
	}

	return l.source.Capture()
}

// Teardown releases the device after a capture error. The next Initialize
// respects the retry delay counted from the last attempt.
func (l *Lifecycle) Teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardownLocked()
	l.state = StateFailed
}

// Stop tears the handle down unconditionally. Idempotent.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateAbsent {
		return
	}
	l.teardownLocked()
	l.state = StateAbsent
}

// teardownLocked closes the source. Teardown failures are logged and
// swallowed; teardown must never propagate an error.
func (l *Lifecycle) teardownLocked() {
	if err := l.source.Close(); err != nil {
		l.logger.Warn("Error closing camera, ignoring", zap.Error(err))
	}
}
