package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/musestream/internal/groutine"
	"github.com/srg/musestream/internal/stream"
)

// ErrWriterBehind is returned by AsyncSink.Append once queued chunks had to be
// overwritten before reaching the inner sink.
var ErrWriterBehind = errors.New("recorder writer fell behind")

type pendingChunk struct {
	id    int
	chunk *stream.Chunk
}

// AsyncSink moves container writes off the caller's goroutine. Appended
// chunks go into an overlapped ring drained by one writer goroutine; a full
// ring overwrites its oldest entries, which poisons the sink since the
// recording would otherwise have silent gaps.
type AsyncSink struct {
	inner FrameSink
	queue mpmc.RichOverlappedRingBuffer[pendingChunk]
	wake  chan struct{}
	group *groutine.Group

	mu   sync.Mutex
	err  error // first failure, returned by every later call
	lost atomic.Int64
}

// DefaultQueueCapacity holds about fifteen seconds of EEG, PPG and RSSI chunks
const DefaultQueueCapacity = 512

// NewAsyncFileWriter returns a FileWriter behind an AsyncSink
func NewAsyncFileWriter() FrameSink {
	return NewAsyncSink(NewFileWriter(), DefaultQueueCapacity)
}

// NewAsyncSink wraps inner with a queue of the given capacity (chunks)
func NewAsyncSink(inner FrameSink, capacity uint32) *AsyncSink {
	if capacity == 0 {
		capacity = 1
	}
	return &AsyncSink{
		inner: inner,
		queue: mpmc.NewOverlappedRingBuffer[pendingChunk](capacity),
		wake:  make(chan struct{}, 1),
	}
}

// Open opens the inner sink synchronously and starts the writer. When the
// inner Open fails the inner sink is closed, since Close is a no-op until
// Open succeeds.
func (a *AsyncSink) Open(path string, meta Metadata) error {
	if a.group != nil {
		return errors.New("container already open")
	}
	if err := a.inner.Open(path, meta); err != nil {
		_ = a.inner.Close()
		return err
	}
	a.group = groutine.NewGroup(context.Background())
	a.group.Go("recorder-writer", a.run)
	return nil
}

func (a *AsyncSink) Append(streamID int, chunk *stream.Chunk) error {
	if err := a.failure(); err != nil {
		return err
	}
	if a.group == nil {
		return errors.New("container not open")
	}

	overwrites, err := a.queue.EnqueueM(pendingChunk{id: streamID, chunk: chunk})
	if err != nil {
		return fmt.Errorf("enqueue chunk: %w", err)
	}
	if overwrites > 0 {
		a.lost.Add(int64(overwrites))
		a.fail(fmt.Errorf("%w: %d chunks lost", ErrWriterBehind, overwrites))
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return a.failure()
}

// Close drains the queue into the inner sink, stops the writer and closes
// the inner sink. It returns the first failure seen by the writer.
func (a *AsyncSink) Close() error {
	if a.group == nil {
		return nil
	}
	a.group.Stop()
	a.group = nil

	closeErr := a.inner.Close()
	if err := a.failure(); err != nil {
		return err
	}
	return closeErr
}

// Lost returns the number of chunks overwritten before they were written
func (a *AsyncSink) Lost() int64 {
	return a.lost.Load()
}

func (a *AsyncSink) run(ctx context.Context) {
	for {
		a.drain()
		select {
		case <-ctx.Done():
			a.drain()
			return
		case <-a.wake:
		}
	}
}

func (a *AsyncSink) drain() {
	for !a.queue.IsEmpty() {
		p, err := a.queue.Dequeue()
		if err != nil {
			return
		}
		if a.failure() != nil {
			continue
		}
		if err := a.inner.Append(p.id, p.chunk); err != nil {
			a.fail(err)
		}
	}
}

func (a *AsyncSink) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *AsyncSink) failure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
