package stream

import (
	"sync"
	"time"

	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/config"
	"go.uber.org/zap"
)

// loadWindowSize is the number of samples kept in each rolling window.
const loadWindowSize = 10

// intervalGrowthFactor is the multiplicative step applied to the frame
// interval once quality has hit its floor (and, inverted, when recovering).
const intervalGrowthFactor = 1.25

// LoadSample is one instantaneous measurement of system load.
type LoadSample struct {
	CPUPercent  float64
	TempCelsius float64
}

// LoadSampler yields load samples. Implementations must be safe for use
// from the producer goroutine.
type LoadSampler interface {
	Sample() (LoadSample, error)
}

// QualityController adjusts two knobs, JPEG quality and the minimum
// inter-frame interval, from rolling CPU and temperature windows. The two
// knobs move with hysteresis: quality only steps down until its floor,
// then the frame rate drops; recovery raises the rate back first and only
// then the quality. State is mutated exclusively here and read by the
// capture loop.
type QualityController struct {
	cfg     config.QualityConfig
	sampler LoadSampler
	logger  *zap.Logger

	mu          sync.Mutex
	quality     int
	interval    time.Duration
	cpuWin      rollingWindow
	tempWin     rollingWindow
	lastObserve time.Time
	adjustments uint64
}

// NewQualityController creates a controller starting at maximum quality
// and maximum frame rate.
func NewQualityController(cfg config.QualityConfig, sampler LoadSampler, logger *zap.Logger) *QualityController {
	return &QualityController{
		cfg:      cfg,
		sampler:  sampler,
		logger:   logger,
		quality:  cfg.MaxJPEGQuality,
		interval: time.Second / time.Duration(cfg.MaxFPS),
	}
}

// Quality returns the current JPEG encoding quality.
func (q *QualityController) Quality() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quality
}

// FrameInterval returns the current minimum inter-frame interval.
func (q *QualityController) FrameInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interval
}

// Adjustments returns how many times the knobs were changed.
func (q *QualityController) Adjustments() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.adjustments
}

// Observe runs the adjustment logic. Calls within the measurement interval
// of the previous one are no-ops, so the capture loop can call it every
// cycle.
func (q *QualityController) Observe(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	measureEvery := time.Duration(q.cfg.MeasureIntervalSeconds) * time.Second
	if !q.lastObserve.IsZero() && now.Sub(q.lastObserve) < measureEvery {
		return
	}
	q.lastObserve = now

	sample, err := q.sampler.Sample()
	if err != nil {
		q.logger.Warn("Load sampling failed, keeping current knobs", zap.Error(err))
		return
	}

	q.cpuWin.push(sample.CPUPercent)
	q.tempWin.push(sample.TempCelsius)

	avgCPU := q.cpuWin.avg()
	avgTemp := q.tempWin.avg()

	minInterval := time.Second / time.Duration(q.cfg.MaxFPS)
	maxInterval := time.Second / time.Duration(q.cfg.MinFPS)

	switch {
	case avgTemp > q.cfg.ThrottleTempCelsius || avgCPU > q.cfg.TargetCPUPercent:
		// Under pressure: quality steps down first, rate drops only at the floor.
		if q.quality > q.cfg.MinJPEGQuality {
			q.quality = maxInt(q.cfg.MinJPEGQuality, q.quality-q.cfg.QualityStep)
			q.adjustments++
			q.logger.Info("Reducing encoding quality",
				zap.Int("quality", q.quality),
				zap.Float64("avg_cpu", avgCPU),
				zap.Float64("avg_temp", avgTemp))
		} else if q.interval < maxInterval {
			q.interval = minDuration(maxInterval, time.Duration(float64(q.interval)*intervalGrowthFactor))
			q.adjustments++
			q.logger.Info("Reducing frame rate",
				zap.Duration("frame_interval", q.interval),
				zap.Float64("avg_cpu", avgCPU),
				zap.Float64("avg_temp", avgTemp))
		}

	case avgTemp <= q.cfg.ThrottleTempCelsius-5 && avgCPU <= q.cfg.TargetCPUPercent-10:
		// Comfortable: rate recovers first, quality only at the rate ceiling.
		if q.interval > minInterval {
			q.interval = maxDuration(minInterval, time.Duration(float64(q.interval)/intervalGrowthFactor))
			q.adjustments++
			q.logger.Info("Raising frame rate", zap.Duration("frame_interval", q.interval))
		} else if q.quality < q.cfg.MaxJPEGQuality {
			q.quality = minInt(q.cfg.MaxJPEGQuality, q.quality+q.cfg.QualityStep)
			q.adjustments++
			q.logger.Info("Raising encoding quality", zap.Int("quality", q.quality))
		}
	}
}

// ShouldSkipFrame is the instantaneous overload check, independent of the
// interval-based adjustment: CPU above the hard ceiling forces a skip.
func (q *QualityController) ShouldSkipFrame() bool {
	sample, err := q.sampler.Sample()
	if err != nil {
		return false
	}
	return sample.CPUPercent > q.cfg.HardCPUCeilingPercent
}

// rollingWindow is a fixed-capacity ring of float64 samples.
type rollingWindow struct {
	vals [loadWindowSize]float64
	n    int
	idx  int
}

func (w *rollingWindow) push(v float64) {
	w.vals[w.idx] = v
	w.idx = (w.idx + 1) % loadWindowSize
	if w.n < loadWindowSize {
		w.n++
	}
}

func (w *rollingWindow) avg() float64 {
	if w.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.vals[i]
	}
	return sum / float64(w.n)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
