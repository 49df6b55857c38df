package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testDistributor(t *testing.T, cfg DistributorConfig) *Distributor {
	t.Helper()
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 10
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 4
	}
	if cfg.SkipThresholdDivisor == 0 {
		cfg.SkipThresholdDivisor = 3
	}
	return NewDistributor(cfg, zaptest.NewLogger(t))
}

func testFrame(seq uint64) *Frame {
	return NewFrame(seq, time.Now(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
}

// TestRegisterUpToCeiling tests the client ceiling from 0 to max
func TestRegisterUpToCeiling(t *testing.T) {
	const max = 5
	d := testDistributor(t, DistributorConfig{MaxClients: max})

	slots := make([]*ClientSlot, 0, max)
	for i := 0; i < max; i++ {
		slot, err := d.Register(fmt.Sprintf("client-%d", i))
		require.NoError(t, err, "registration %d must succeed below the ceiling", i)
		slots = append(slots, slot)
	}

	_, err := d.Register("one-too-many")
	require.ErrorIs(t, err, ErrServerFull)

	// Unregistering frees a seat
	slots[0].Close()
	_, err = d.Register("replacement")
	assert.NoError(t, err)
}

// TestPublishReachesAllClients tests that a published frame lands in every
// registered queue when no queue is above its skip threshold
func TestPublishReachesAllClients(t *testing.T) {
	d := testDistributor(t, DistributorConfig{})

	var slots []*ClientSlot
	for i := 0; i < 3; i++ {
		slot, err := d.Register(fmt.Sprintf("client-%d", i))
		require.NoError(t, err)
		slots = append(slots, slot)
	}

	frame := testFrame(1)
	d.Publish(frame)

	for i, slot := range slots {
		select {
		case got := <-slot.Frames():
			assert.Same(t, frame, got, "client %d received a different frame", i)
		default:
			t.Errorf("client %d queue empty after publish", i)
		}
	}
}

// TestQueueDepthNeverExceedsCapacity tests evict-oldest on a full queue
func TestQueueDepthNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	// A large divisor keeps the skip threshold above capacity so the
	// eviction branch is exercised.
	d := testDistributor(t, DistributorConfig{QueueCapacity: capacity, SkipThresholdDivisor: 1})

	// Raise the threshold via client count: threshold = 2 + clients/1 capped at 8
	var extras []*ClientSlot
	for i := 0; i < 6; i++ {
		s, err := d.Register(fmt.Sprintf("extra-%d", i))
		require.NoError(t, err)
		extras = append(extras, s)
	}
	slot := extras[0]

	for seq := uint64(1); seq <= 10; seq++ {
		d.Publish(testFrame(seq))
		assert.LessOrEqual(t, len(slot.queue), capacity)
	}

	// The queue holds the newest frames: the oldest were evicted
	first := <-slot.Frames()
	assert.Equal(t, uint64(7), first.Seq, "oldest retained frame after evictions")

	stats := d.Stats()
	assert.NotZero(t, stats.FramesEvicted)
}

// TestSkipThresholdDropsSlowConsumer tests the scenario: 6 clients with a
// dynamic skip threshold of 3 — a queue already at depth 3 is skipped for
// the next publish, not evicted-and-filled.
func TestSkipThresholdDropsSlowConsumer(t *testing.T) {
	d := testDistributor(t, DistributorConfig{QueueCapacity: 4, SkipThresholdDivisor: 6})

	var slots []*ClientSlot
	for i := 0; i < 6; i++ {
		slot, err := d.Register(fmt.Sprintf("client-%d", i))
		require.NoError(t, err)
		slots = append(slots, slot)
	}

	// threshold = 4/2 + 6/6 = 3
	require.Equal(t, 3, d.skipThreshold(6))

	// Fill one queue to depth 3 while the others drain
	slow := slots[0]
	for seq := uint64(1); seq <= 3; seq++ {
		d.Publish(testFrame(seq))
		for _, s := range slots[1:] {
			<-s.Frames()
		}
	}
	require.Equal(t, 3, len(slow.queue))

	droppedBefore := slow.dropped
	d.Publish(testFrame(4))

	assert.Equal(t, 3, len(slow.queue), "queue at threshold must be skipped, not evicted-and-filled")
	assert.Equal(t, droppedBefore+1, slow.dropped)

	// The frame still reached everyone else
	for i, s := range slots[1:] {
		select {
		case got := <-s.Frames():
			assert.Equal(t, uint64(4), got.Seq)
		default:
			t.Errorf("fast client %d missed the frame", i+1)
		}
	}

	// Frames in the slow queue are untouched: oldest is still seq 1
	assert.Equal(t, uint64(1), (<-slow.Frames()).Seq)
}

// TestSkipThresholdMonotonic tests the tunable curve's only contract:
// non-decreasing in client count, and bounded.
func TestSkipThresholdMonotonic(t *testing.T) {
	d := testDistributor(t, DistributorConfig{QueueCapacity: 4, SkipThresholdDivisor: 3})

	prev := 0
	for clients := 0; clients <= 64; clients++ {
		th := d.skipThreshold(clients)
		assert.GreaterOrEqual(t, th, prev, "threshold decreased at %d clients", clients)
		assert.GreaterOrEqual(t, th, 1)
		assert.LessOrEqual(t, th, 2*d.cfg.QueueCapacity)
		prev = th
	}
}

// TestUnregisterConcurrentWithPublish tests that Close is safe against a
// publishing producer
func TestUnregisterConcurrentWithPublish(t *testing.T) {
	d := testDistributor(t, DistributorConfig{MaxClients: 32})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		seq := uint64(0)
		for {
			select {
			case <-stop:
				return
			default:
				seq++
				d.Publish(testFrame(seq))
			}
		}
	}()

	for i := 0; i < 100; i++ {
		slot, err := d.Register(fmt.Sprintf("churn-%d", i))
		if errors.Is(err, ErrServerFull) {
			continue
		}
		require.NoError(t, err)

		wg.Add(1)
		go func(s *ClientSlot) {
			defer wg.Done()
			// Drain a few frames then disconnect
			for j := 0; j < 3; j++ {
				select {
				case _, ok := <-s.Frames():
					if !ok {
						return
					}
				case <-time.After(100 * time.Millisecond):
				}
			}
			s.Close()
		}(slot)
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	d.CloseAll()
	assert.Equal(t, 0, d.ClientCount())
}

// TestCloseIdempotent tests double-close of a client slot
func TestCloseIdempotent(t *testing.T) {
	d := testDistributor(t, DistributorConfig{})

	slot, err := d.Register("client")
	require.NoError(t, err)

	slot.Close()
	slot.Close() // must not panic or double-close the channel

	_, ok := <-slot.Frames()
	assert.False(t, ok, "queue must be closed after Close")
	assert.Equal(t, 0, d.ClientCount())
}

// TestTryPublishTimeout tests the bounded publish under lock contention
func TestTryPublishTimeout(t *testing.T) {
	d := testDistributor(t, DistributorConfig{})

	// Hold the coordinating lock longer than the publish timeout
	d.mu.Lock()
	done := make(chan error, 1)
	go func() {
		done <- d.TryPublish(testFrame(1), 20*time.Millisecond)
	}()

	err := <-done
	d.mu.Unlock()
	require.ErrorIs(t, err, ErrPublishTimeout)

	// With the lock free the publish goes through
	require.NoError(t, d.TryPublish(testFrame(2), 20*time.Millisecond))
}
