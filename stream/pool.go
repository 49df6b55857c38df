package stream

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolExhausted is returned when no buffer frees up within the acquire
// timeout. It is a deliberate frame-skip signal, not a failure.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

const pageSize = 4096

// BufferPool is a fixed-size pool of reusable frame buffers. Capacity is
// set at construction; exhaustion makes the caller skip the capture cycle
// instead of allocating.
type BufferPool struct {
	free    chan []byte
	size    int
	bufSize int
	timeout time.Duration
	skips   atomic.Uint64
	logger  *zap.Logger
}

// NewBufferPool pre-allocates size buffers of bufBytes each, rounded up to
// a page boundary to avoid fragmentation.
func NewBufferPool(size, bufBytes int, acquireTimeout time.Duration, logger *zap.Logger) *BufferPool {
	rounded := pageRound(bufBytes)
	p := &BufferPool{
		free:    make(chan []byte, size),
		size:    size,
		bufSize: rounded,
		timeout: acquireTimeout,
		logger:  logger,
	}
	for i := 0; i < size; i++ {
		p.free <- make([]byte, 0, rounded)
	}
	return p
}

// Acquire returns one buffer, blocking up to the pool's acquire timeout.
// On timeout it returns ErrPoolExhausted and the caller skips the cycle.
func (p *BufferPool) Acquire() ([]byte, error) {
	select {
	case buf := <-p.free:
		return buf, nil
	default:
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case buf := <-p.free:
		return buf, nil
	case <-timer.C:
		p.skips.Add(1)
		return nil, ErrPoolExhausted
	}
}

// Release returns a buffer to the pool unconditionally. It must be called
// exactly once on every exit path of a cycle that acquired one.
func (p *BufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	select {
	case p.free <- buf[:0]:
	default:
		// A foreign or double-released buffer; dropping it keeps the
		// checked-out invariant intact.
		p.logger.Warn("Buffer released into a full pool, discarding")
	}
}

// Available returns the number of buffers currently free.
func (p *BufferPool) Available() int {
	return len(p.free)
}

// Size returns the pool's fixed capacity.
func (p *BufferPool) Size() int {
	return p.size
}

// BufferBytes returns the per-buffer capacity after page rounding.
func (p *BufferPool) BufferBytes() int {
	return p.bufSize
}

// Skips returns how many acquisitions timed out.
func (p *BufferPool) Skips() uint64 {
	return p.skips.Load()
}

// Drain empties the pool during shutdown so buffers can be collected.
func (p *BufferPool) Drain() {
	for {
		select {
		case <-p.free:
		default:
			return
		}
	}
}

func pageRound(n int) int {
	if n <= 0 {
		return pageSize
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}
