package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrServerFull is returned by Register once the concurrent-client ceiling
// is reached.
var ErrServerFull = errors.New("maximum client count reached")

// ErrPublishTimeout is returned when the distributor could not accept a
// frame within the publish timeout. The frame is dropped, never retried.
var ErrPublishTimeout = errors.New("publish timed out")

// ClientSlot is one connected client's bounded frame queue. It is owned
// exclusively by that client's delivery goroutine; the distributor is the
// only writer.
type ClientSlot struct {
	remote    string
	queue     chan *Frame
	delivered uint64
	dropped   uint64
	closed    bool
	closeOnce sync.Once
	detach    func(*ClientSlot)
}

// Frames returns the receive side of the client's queue. The channel is
// closed when the slot is unregistered.
func (c *ClientSlot) Frames() <-chan *Frame {
	return c.queue
}

// Remote returns the client's address, for logging.
func (c *ClientSlot) Remote() string {
	return c.remote
}

// Close unregisters the slot from its distributor. Safe to call more than
// once and concurrently with Publish.
func (c *ClientSlot) Close() {
	c.closeOnce.Do(func() {
		if c.detach != nil {
			c.detach(c)
		}
	})
}

// DistributorConfig holds fan-out tunables.
type DistributorConfig struct {
	MaxClients           int
	QueueCapacity        int
	SkipThresholdDivisor int
}

// Distributor fans published frames out to every registered client queue
// under one coordinating lock. Slow consumers get frames dropped for them
// specifically; they never block the producer or other clients.
type Distributor struct {
	cfg    DistributorConfig
	logger *zap.Logger

	mu        sync.Mutex
	slots     map[*ClientSlot]struct{}
	published uint64
	skipped   uint64 // threshold skips (intentional slow-consumer drops)
	evicted   uint64 // oldest-frame evictions on full queues

	timeouts atomic.Uint64 // whole frames dropped on publish timeout
}

// NewDistributor creates an empty fan-out stage.
func NewDistributor(cfg DistributorConfig, logger *zap.Logger) *Distributor {
	return &Distributor{
		cfg:    cfg,
		logger: logger,
		slots:  make(map[*ClientSlot]struct{}),
	}
}

// Register creates a new client queue, or returns ErrServerFull at the
// ceiling.
func (d *Distributor) Register(remote string) (*ClientSlot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.slots) >= d.cfg.MaxClients {
		return nil, ErrServerFull
	}

	slot := &ClientSlot{
		remote: remote,
		queue:  make(chan *Frame, d.cfg.QueueCapacity),
		detach: d.unregister,
	}
	d.slots[slot] = struct{}{}

	d.logger.Info("Client registered",
		zap.String("remote", remote),
		zap.Int("clients", len(d.slots)))

	return slot, nil
}

// unregister removes a slot and closes its queue. Runs under the same lock
// as Publish, so no publish can race the close.
func (d *Distributor) unregister(slot *ClientSlot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.slots[slot]; !ok {
		return
	}
	delete(d.slots, slot)
	slot.closed = true
	close(slot.queue)

	d.logger.Info("Client unregistered",
		zap.String("remote", slot.remote),
		zap.Uint64("delivered", slot.delivered),
		zap.Uint64("dropped", slot.dropped),
		zap.Int("clients", len(d.slots)))
}

// Publish offers a frame to every registered queue. A queue whose depth
// already meets the dynamic skip threshold is skipped entirely for this
// frame; a queue at capacity has its oldest frame evicted so the client
// never falls more than one queue of frames behind.
func (d *Distributor) Publish(frame *Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishLocked(frame)
}

func (d *Distributor) publishLocked(frame *Frame) {
	d.published++
	threshold := d.skipThreshold(len(d.slots))

	for slot := range d.slots {
		if len(slot.queue) >= threshold {
			slot.dropped++
			d.skipped++
			continue
		}

		if len(slot.queue) == cap(slot.queue) {
			// Evict the oldest pending frame to bound staleness.
			select {
			case <-slot.queue:
				d.evicted++
			default:
			}
		}

		select {
		case slot.queue <- frame:
			slot.delivered++
		default:
			slot.dropped++
			d.skipped++
		}
	}
}

// TryPublish is the producer-facing bounded publish: if the coordinating
// lock cannot be taken within timeout, the frame is dropped and
// ErrPublishTimeout returned.
func (d *Distributor) TryPublish(frame *Frame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if d.mu.TryLock() {
			d.publishLocked(frame)
			d.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			d.timeouts.Add(1)
			return ErrPublishTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// skipThreshold computes the queue depth at which a client is skipped for
// a publish. The curve is a tunable policy, not a contract: it only has to
// be non-decreasing in client count and bounded.
func (d *Distributor) skipThreshold(clients int) int {
	threshold := d.cfg.QueueCapacity/2 + clients/d.cfg.SkipThresholdDivisor
	if threshold < 1 {
		threshold = 1
	}
	if max := 2 * d.cfg.QueueCapacity; threshold > max {
		threshold = max
	}
	return threshold
}

// ClientCount returns the number of registered clients.
func (d *Distributor) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Stats returns fan-out counters.
func (d *Distributor) Stats() DistributorStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DistributorStats{
		Clients:         len(d.slots),
		FramesPublished: d.published,
		FramesSkipped:   d.skipped,
		FramesEvicted:   d.evicted,
		PublishTimeouts: d.timeouts.Load(),
	}
}

// DistributorStats holds fan-out counters.
type DistributorStats struct {
	Clients         int    `json:"clients"`
	FramesPublished uint64 `json:"frames_published"`
	FramesSkipped   uint64 `json:"frames_skipped"`
	FramesEvicted   uint64 `json:"frames_evicted"`
	PublishTimeouts uint64 `json:"publish_timeouts"`
}

// CloseAll unregisters every client, closing their queues. Used during
// shutdown to drain and discard all pending frames.
func (d *Distributor) CloseAll() {
	d.mu.Lock()
	slots := make([]*ClientSlot, 0, len(d.slots))
	for slot := range d.slots {
		slots = append(slots, slot)
	}
	d.mu.Unlock()

	for _, slot := range slots {
		slot.Close()
	}
}
