package stream

import (
	"runtime"
	"sync"
	"time"
)

const frameRateWindow = 32

// HealthSnapshot is a point-in-time view of pipeline health. Fields are
// consistent with each other for the snapshot call only.
type HealthSnapshot struct {
	Healthy          bool      `json:"healthy"`
	CameraOK         bool      `json:"camera_ok"`
	WatchdogOK       bool      `json:"watchdog_ok"`
	LastFrameAt      time.Time `json:"last_frame_at"`
	FrameAgeSeconds  float64   `json:"frame_age_seconds"`
	FrameRate        float64   `json:"frame_rate"`
	FramesCaptured   uint64    `json:"frames_captured"`
	CaptureErrors    uint64    `json:"capture_errors"`
	LastError        string    `json:"last_error,omitempty"`
	ActiveClients    int       `json:"active_clients"`
	MemoryUsedMB     float64   `json:"memory_used_mb"`
	MemoryPercent    float64   `json:"memory_percent"`
	MemoryWarn       bool      `json:"memory_warn"`
	FrameAgeWarn     bool      `json:"frame_age_warn"`
	RestartAttempts  int       `json:"restart_attempts"`
	PipelineDisabled bool      `json:"pipeline_disabled"`
}

// HealthLimits are the thresholds applied when judging a snapshot.
type HealthLimits struct {
	MaxMemoryMB       int
	MemoryWarnPercent int
	FrameAgeWarn      time.Duration
}

// HealthRegister aggregates health signals from the capture loop and the
// watchdog for the health endpoint. All methods are safe for concurrent use.
type HealthRegister struct {
	limits HealthLimits

	mu          sync.Mutex
	cameraOK    bool
	lastFrameAt time.Time
	frames      uint64
	errors      uint64
	lastError   string
	stamps      [frameRateWindow]time.Time
	stampNext   int
	stampCount  int
	watchdog    *Watchdog
}

func NewHealthRegister(limits HealthLimits) *HealthRegister {
	return &HealthRegister{limits: limits}
}

// SetWatchdog attaches the watchdog consulted by Snapshot. Call before the
// pipeline starts.
func (h *HealthRegister) SetWatchdog(w *Watchdog) {
	h.mu.Lock()
	h.watchdog = w
	h.mu.Unlock()
}

// SetCameraOK records the outcome of the most recent camera interaction.
func (h *HealthRegister) SetCameraOK(ok bool) {
	h.mu.Lock()
	h.cameraOK = ok
	h.mu.Unlock()
}

// RecordFrame notes a successfully published frame.
func (h *HealthRegister) RecordFrame(at time.Time) {
	h.mu.Lock()
	h.cameraOK = true
	h.lastFrameAt = at
	h.frames++
	h.stamps[h.stampNext] = at
	h.stampNext = (h.stampNext + 1) % frameRateWindow
	if h.stampCount < frameRateWindow {
		h.stampCount++
	}
	h.mu.Unlock()
}

// RecordError notes a failed capture iteration.
func (h *HealthRegister) RecordError(err error) {
	h.mu.Lock()
	h.errors++
	if err != nil {
		h.lastError = err.Error()
	}
	h.mu.Unlock()
}

// frameRateLocked derives frames per second from the retained timestamps.
func (h *HealthRegister) frameRateLocked(now time.Time) float64 {
	if h.stampCount < 2 {
		return 0
	}
	oldest := h.stamps[(h.stampNext-h.stampCount+frameRateWindow*2)%frameRateWindow]
	newest := h.stamps[(h.stampNext-1+frameRateWindow)%frameRateWindow]
	span := newest.Sub(oldest)
	if span <= 0 {
		return 0
	}
	// Widen the span to now when the stream has gone quiet so the rate
	// decays instead of reporting the last burst forever.
	if idle := now.Sub(newest); idle > span {
		span = now.Sub(oldest)
	}
	return float64(h.stampCount-1) / span.Seconds()
}

// Snapshot evaluates current health against the configured limits.
func (h *HealthRegister) Snapshot(now time.Time) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usedMB := float64(mem.Alloc) / (1024 * 1024)

	s := HealthSnapshot{
		CameraOK:       h.cameraOK,
		WatchdogOK:     true,
		LastFrameAt:    h.lastFrameAt,
		FramesCaptured: h.frames,
		CaptureErrors:  h.errors,
		LastError:      h.lastError,
		FrameRate:      h.frameRateLocked(now),
		MemoryUsedMB:   usedMB,
	}

	if h.watchdog != nil {
		s.WatchdogOK = h.watchdog.Healthy(now)
		s.RestartAttempts = h.watchdog.Restarts()
		s.PipelineDisabled = h.watchdog.PermanentlyUnhealthy()
	}

	if !h.lastFrameAt.IsZero() {
		s.FrameAgeSeconds = now.Sub(h.lastFrameAt).Seconds()
		if h.limits.FrameAgeWarn > 0 && now.Sub(h.lastFrameAt) > h.limits.FrameAgeWarn {
			s.FrameAgeWarn = true
		}
	}

	if h.limits.MaxMemoryMB > 0 {
		s.MemoryPercent = usedMB / float64(h.limits.MaxMemoryMB) * 100
		if h.limits.MemoryWarnPercent > 0 && s.MemoryPercent > float64(h.limits.MemoryWarnPercent) {
			s.MemoryWarn = true
		}
	}

	s.Healthy = s.CameraOK && s.WatchdogOK && !s.FrameAgeWarn && !s.MemoryWarn && !s.PipelineDisabled
	return s
}
