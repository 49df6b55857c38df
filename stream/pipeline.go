package stream

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/camera"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/config"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/overlay"
)

// ErrAlreadyStarted is returned by a second Start call on the same pipeline.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Pipeline assembles the capture loop, buffer pool, quality controller,
// distributor, watchdog and health register into one unit with a
// start/shutdown lifecycle. The web layer talks only to this type.
type Pipeline struct {
	cfg    *config.Config
	logger *zap.Logger

	life     *camera.Lifecycle
	pool     *BufferPool
	ctrl     *QualityController
	dist     *Distributor
	watchdog *Watchdog
	health   *HealthRegister
	renderer Overlayer

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	genCancel    context.CancelFunc // cancels the current producer generation only
	producerDone chan struct{}
	monitorDone  chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds every pipeline stage from configuration. The camera
// device is not touched until Start.
func NewPipeline(cfg *config.Config, source camera.FrameSource, sampler LoadSampler, logger *zap.Logger) *Pipeline {
	life := camera.NewLifecycle(source, camera.LifecycleConfig{
		MinRetryDelay:  time.Duration(cfg.Timeouts.CameraRetrySeconds) * time.Second,
		HealthInterval: time.Duration(cfg.Timeouts.CameraHealthSeconds) * time.Second,
	}, logger.Named("camera"))

	pool := NewBufferPool(cfg.Pool.Size, 4*cfg.Camera.Width*cfg.Camera.Height,
		time.Duration(cfg.Pool.AcquireTimeoutMs)*time.Millisecond, logger.Named("pool"))

	ctrl := NewQualityController(cfg.Quality, sampler, logger.Named("quality"))

	dist := NewDistributor(DistributorConfig{
		MaxClients:           cfg.Stream.MaxClients,
		QueueCapacity:        cfg.Stream.QueueCapacity,
		SkipThresholdDivisor: cfg.Stream.SkipThresholdDivisor,
	}, logger.Named("distributor"))

	wd := NewWatchdog(WatchdogConfig{
		StallTimeout: time.Duration(cfg.Watchdog.StallTimeoutSeconds) * time.Second,
		MaxRestarts:  cfg.Watchdog.MaxRestarts,
	}, logger.Named("watchdog"))

	health := NewHealthRegister(HealthLimits{
		MaxMemoryMB:       cfg.Limits.MaxMemoryUsageMB,
		MemoryWarnPercent: cfg.Limits.MemoryWarnPercent,
		FrameAgeWarn:      time.Duration(cfg.Limits.FrameAgeWarnSeconds) * time.Second,
	})
	health.SetWatchdog(wd)

	var renderer Overlayer
	if cfg.Overlay.Enabled {
		renderer = overlay.NewRenderer(cfg.Overlay.Timezone)
	}

	return &Pipeline{
		cfg:      cfg,
		logger:   logger,
		life:     life,
		pool:     pool,
		ctrl:     ctrl,
		dist:     dist,
		watchdog: wd,
		health:   health,
		renderer: renderer,
	}
}

// Start launches the producer and the watchdog monitor. A pipeline starts
// at most once; restart after Shutdown requires a new pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.producerDone = p.launchProducer(runCtx)

	p.monitorDone = make(chan struct{})
	go func() {
		defer close(p.monitorDone)
		p.watchdog.Run(runCtx, func() error { return p.restartProducer(runCtx) })
	}()

	p.logger.Info("Pipeline started")
	return nil
}

// launchProducer starts one producer generation under its own cancellable
// context and returns its done channel. Caller holds p.mu.
func (p *Pipeline) launchProducer(runCtx context.Context) chan struct{} {
	genCtx, genCancel := context.WithCancel(runCtx)
	p.genCancel = genCancel

	producer := NewProducer(p.cfg, p.life, p.pool, p.ctrl, p.dist,
		p.renderer, p.watchdog, p.health, p.logger.Named("capture"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		producer.Run(genCtx)
	}()
	return done
}

// restartProducer replaces a stalled producer generation. The old
// goroutine is cancelled and joined, the camera handle torn down and a
// fresh producer launched. Called by the watchdog monitor.
func (p *Pipeline) restartProducer(runCtx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || runCtx.Err() != nil {
		return errors.New("pipeline not running")
	}

	p.genCancel()
	select {
	case <-p.producerDone:
	case <-time.After(time.Duration(p.cfg.Watchdog.StallTimeoutSeconds) * time.Second):
		return errors.New("stalled producer did not exit")
	}

	p.life.Stop()
	runtime.GC()

	p.producerDone = p.launchProducer(runCtx)
	return nil
}

// Shutdown stops the pipeline. Safe to call more than once and safe to
// call on a pipeline that never started.
func (p *Pipeline) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		producerDone := p.producerDone
		monitorDone := p.monitorDone
		p.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()

		deadline := time.After(time.Duration(p.cfg.Timeouts.ShutdownTimeout) * time.Second)
		for _, done := range []chan struct{}{producerDone, monitorDone} {
			if done == nil {
				continue
			}
			select {
			case <-done:
			case <-deadline:
				p.logger.Error("Pipeline goroutine did not stop within shutdown timeout")
			}
		}

		p.life.Stop()
		p.dist.CloseAll()
		p.pool.Drain()
		p.logger.Info("Pipeline stopped")
	})
}

// Register attaches a new stream consumer.
func (p *Pipeline) Register(remote string) (*ClientSlot, error) {
	return p.dist.Register(remote)
}

// Health returns a point-in-time health evaluation.
func (p *Pipeline) Health() HealthSnapshot {
	s := p.health.Snapshot(time.Now())
	s.ActiveClients = p.dist.ClientCount()
	return s
}

// Stats collects runtime counters for the stats endpoint.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Distributor:    p.dist.Stats(),
		PoolAvailable:  p.pool.Available(),
		PoolSize:       p.pool.Size(),
		PoolSkips:      p.pool.Skips(),
		JPEGQuality:    p.ctrl.Quality(),
		FrameInterval:  p.ctrl.FrameInterval().Seconds(),
		Adjustments:    p.ctrl.Adjustments(),
		CameraState:    p.life.State().String(),
		CameraRetries:  p.life.Retries(),
		WatchdogResets: p.watchdog.Restarts(),
	}
}

// PipelineStats is the stats endpoint payload.
type PipelineStats struct {
	Distributor    DistributorStats `json:"distributor"`
	PoolAvailable  int              `json:"pool_available"`
	PoolSize       int              `json:"pool_size"`
	PoolSkips      uint64           `json:"pool_skips"`
	JPEGQuality    int              `json:"jpeg_quality"`
	FrameInterval  float64          `json:"frame_interval_seconds"`
	Adjustments    uint64           `json:"quality_adjustments"`
	CameraState    string           `json:"camera_state"`
	CameraRetries  uint64           `json:"camera_retries"`
	WatchdogResets int              `json:"watchdog_restarts"`
}
