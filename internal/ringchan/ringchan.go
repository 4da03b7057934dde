package ringchan

import (
	"context"
	"sync/atomic"
)

// RingChannel is a bounded channel-like queue with drop-oldest semantics.
//
// Producers never block: when the queue is full the oldest element is evicted
// and handed back to the caller so the loss can be reported. Consumers read it
// like a normal channel.
//
//	rc := ringchan.New[int](2)
//	rc.Send(1)
//	rc.Send(2)
//	evicted, dropped := rc.Send(3) // evicted == 1, dropped == true
//
// Send assumes a single producer at a time; callers with several producers
// serialize them (see outlet.Outlet). Any number of consumers is fine.
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
//
// Reads via C() bypass the Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send enqueues v, evicting the oldest element when the queue is full.
// It returns the evicted element and true when an eviction happened.
func (rc *RingChannel[T]) Send(v T) (evicted T, dropped bool) {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return evicted, false
	default:
	}

	select {
	case evicted = <-rc.ch:
		rc.metrics.addOverwritten(1)
		dropped = true
	default:
		// a consumer made room in the meantime
	}
	rc.ch <- v
	rc.metrics.addWritten(1)
	return evicted, dropped
}

// TrySend enqueues v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available, the channel is closed or ctx is done.
// ok is false when nothing was received.
func (rc *RingChannel[T]) Receive(ctx context.Context) (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return v, ok
	case <-ctx.Done():
		return v, false
	}
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return v, ok
	default:
		return v, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the queue capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Send panics afterwards.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics are lock-free counters kept by a RingChannel.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
