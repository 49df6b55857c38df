package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/camera"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/config"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/overlay"
)

// overloadBackoffFactor stretches the pacing sleep when a frame is skipped
// for CPU overload.
const overloadBackoffFactor = 2

// Overlayer post-processes a captured frame in place before encoding.
type Overlayer interface {
	Apply(img *image.RGBA, now time.Time)
}

// Producer is the single capture goroutine. It owns the camera, paces
// itself by the quality controller's frame interval and hands encoded
// frames to the distributor. It never blocks on a slow consumer.
type Producer struct {
	cfg      *config.Config
	logger   *zap.Logger
	life     *camera.Lifecycle
	pool     *BufferPool
	ctrl     *QualityController
	dist     *Distributor
	overlay  Overlayer // nil disables the overlay
	watchdog *Watchdog
	health   *HealthRegister

	seq       uint64
	encodeBuf bytes.Buffer // scratch for JPEG encoding, reused across frames
}

// NewProducer wires the capture loop. All collaborators must outlive it.
func NewProducer(cfg *config.Config, life *camera.Lifecycle, pool *BufferPool,
	ctrl *QualityController, dist *Distributor, ov Overlayer,
	wd *Watchdog, health *HealthRegister, logger *zap.Logger) *Producer {
	return &Producer{
		cfg:      cfg,
		logger:   logger,
		life:     life,
		pool:     pool,
		ctrl:     ctrl,
		dist:     dist,
		overlay:  ov,
		watchdog: wd,
		health:   health,
	}
}

var _ Overlayer = (*overlay.Renderer)(nil)

// Run captures frames until the context is cancelled. It is the only
// goroutine that touches the camera.
func (p *Producer) Run(ctx context.Context) {
	p.watchdog.SetAlive(true)
	defer p.watchdog.SetAlive(false)

	p.logger.Info("Capture loop started",
		zap.Int("width", p.cfg.Camera.Width),
		zap.Int("height", p.cfg.Camera.Height))

	errorBackoff := time.Duration(p.cfg.Timeouts.ErrorBackoffMs) * time.Millisecond

	for {
		if ctx.Err() != nil {
			p.logger.Info("Capture loop stopping", zap.Uint64("frames", p.seq))
			return
		}

		start := time.Now()
		p.watchdog.MarkActivity()
		p.ctrl.Observe(start)

		if p.ctrl.ShouldSkipFrame() {
			// Back off harder than regular pacing while the CPU sits
			// above the hard ceiling.
			if !sleepCtx(ctx, overloadBackoffFactor*p.ctrl.FrameInterval()) {
				return
			}
			continue
		}

		if err := p.captureOne(start); err != nil {
			p.health.SetCameraOK(false)
			p.health.RecordError(err)
			p.life.Teardown()
			p.logger.Warn("Capture iteration failed", zap.Error(err))
			if !sleepCtx(ctx, errorBackoff) {
				return
			}
			continue
		}

		// Pace to the controller's current frame interval, never a busy
		// loop even when capture overruns the interval.
		pause := p.ctrl.FrameInterval() - time.Since(start)
		if pause < time.Millisecond {
			pause = time.Millisecond
		}
		if !sleepCtx(ctx, pause) {
			return
		}
	}
}

// captureOne runs a single capture-encode-publish iteration. Pool buffers
// are always returned, on success and on every error path.
func (p *Producer) captureOne(now time.Time) error {
	if err := p.life.EnsureReady(); err != nil {
		if errors.Is(err, camera.ErrRetryTooSoon) {
			return nil
		}
		return err
	}

	buf, err := p.pool.Acquire()
	if err != nil {
		// All buffers in flight means consumers are holding encoded
		// frames. Skip this frame rather than allocate.
		p.logger.Debug("Frame skipped, buffer pool exhausted",
			zap.Uint64("total_skips", p.pool.Skips()))
		return nil
	}
	defer p.pool.Release(buf)

	raw, err := p.life.Capture()
	if err != nil {
		return err
	}

	rgba := p.intoPooled(buf, raw)

	if p.overlay != nil {
		p.overlay.Apply(rgba, now)
	}

	p.encodeBuf.Reset()
	if err := jpeg.Encode(&p.encodeBuf, rgba, &jpeg.Options{Quality: p.ctrl.Quality()}); err != nil {
		return err
	}

	p.seq++
	frame := NewFrame(p.seq, now, p.encodeBuf.Bytes())

	timeout := time.Duration(p.cfg.Stream.PublishTimeoutMs) * time.Millisecond
	if err := p.dist.TryPublish(frame, timeout); err != nil {
		// The frame is dropped, not retried; the next one supersedes it.
		// The drop counts as an error but must not tear the camera down.
		p.health.RecordError(err)
		p.logger.Warn("Publish timed out, frame dropped", zap.Uint64("seq", frame.Seq))
	} else {
		p.health.RecordFrame(now)
	}

	if interval := p.cfg.Logging.FrameLogInterval; interval > 0 && p.seq%interval == 0 {
		p.logger.Info("Streaming",
			zap.Uint64("frames", p.seq),
			zap.Int("clients", p.dist.ClientCount()),
			zap.Int("quality", p.ctrl.Quality()),
			zap.Duration("interval", p.ctrl.FrameInterval()))
	}
	return nil
}

// intoPooled lays the captured pixels out in a pool-backed RGBA image at
// the configured output size, resampling when the camera delivered a
// different geometry.
func (p *Producer) intoPooled(buf []byte, raw *camera.RawFrame) *image.RGBA {
	w, h := p.cfg.Camera.Width, p.cfg.Camera.Height
	dst := &image.RGBA{
		Pix:    buf[:4*w*h],
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}

	src := raw.Image()
	if raw.Width == w && raw.Height == h {
		copy(dst.Pix, src.Pix)
		return dst
	}

	xdraw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// sleepCtx sleeps for d or until the context is cancelled. Returns false
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
