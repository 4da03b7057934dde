package outlet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/ringchan"
	"github.com/srg/musestream/internal/stream"
)

var ErrSinkOverrun = errors.New("sink overrun")

// SinkOverrunError reports a chunk evicted from an outlet queue that was not
// drained fast enough
type SinkOverrunError struct {
	Outlet     string
	Stream     string
	FirstIndex uint64 // first sample index of the evicted chunk
}

func (e *SinkOverrunError) Error() string {
	return fmt.Sprintf("%s: outlet %s (%s) evicted chunk at index %d", ErrSinkOverrun, e.Outlet, e.Stream, e.FirstIndex)
}

func (e *SinkOverrunError) Unwrap() error { return ErrSinkOverrun }

// Sink is a push-style outlet transport
type Sink interface {
	Push(desc *stream.Descriptor, chunk *stream.Chunk) error
}

// Outlet is one registration on the Fanout: a descriptor plus a bounded
// drop-oldest queue of chunks in publish order.
type Outlet struct {
	id   string
	name string
	desc *stream.Descriptor

	mu       sync.Mutex
	closed   bool
	queue    *ringchan.RingChannel[*stream.Chunk]
	overruns atomic.Int64
}

func (o *Outlet) ID() string                     { return o.id }
func (o *Outlet) Name() string                   { return o.name }
func (o *Outlet) Descriptor() *stream.Descriptor { return o.desc }

// C returns the queue for select-style consumers; it is closed on deregistration.
func (o *Outlet) C() <-chan *stream.Chunk {
	return o.queue.C()
}

// Receive blocks for the next chunk. ok is false once the outlet is closed and
// drained, or when ctx is done.
func (o *Outlet) Receive(ctx context.Context) (*stream.Chunk, bool) {
	return o.queue.Receive(ctx)
}

// TryReceive returns the next chunk without blocking
func (o *Outlet) TryReceive() (*stream.Chunk, bool) {
	return o.queue.TryReceive()
}

// Len returns the number of queued chunks
func (o *Outlet) Len() int {
	return o.queue.Len()
}

// Overruns returns the number of chunks evicted so far
func (o *Outlet) Overruns() int64 {
	return o.overruns.Load()
}

// Serve pumps queued chunks into sink until the outlet is closed, ctx is done
// or the sink fails.
func (o *Outlet) Serve(ctx context.Context, sink Sink) error {
	for {
		chunk, ok := o.queue.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := sink.Push(o.desc, chunk); err != nil {
			return fmt.Errorf("outlet %s: %w", o.name, err)
		}
	}
}

func (o *Outlet) push(chunk *stream.Chunk) (evicted *stream.Chunk, dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	evicted, dropped = o.queue.Send(chunk)
	if dropped {
		o.overruns.Add(1)
	}
	return evicted, dropped
}

func (o *Outlet) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue.Close()
}

// Fanout delivers every chunk to all outlets registered for its stream.
// Publishing never blocks: a full outlet loses its oldest chunk.
type Fanout struct {
	logger  *logrus.Logger
	onError stream.ErrorHandler
	outlets *hashmap.Map[string, *Outlet]
}

// New creates an empty Fanout
func New(onError stream.ErrorHandler, logger *logrus.Logger) *Fanout {
	if logger == nil {
		logger = logrus.New()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Fanout{
		logger:  logger,
		onError: onError,
		outlets: hashmap.New[string, *Outlet](),
	}
}

// Register adds an outlet for desc.Type with a queue of desc.MaxBuffered chunks
func (f *Fanout) Register(desc *stream.Descriptor, name string) *Outlet {
	capacity := desc.MaxBuffered
	if capacity <= 0 {
		capacity = 1
	}

	o := &Outlet{
		id:    uuid.NewString(),
		name:  name,
		desc:  desc,
		queue: ringchan.New[*stream.Chunk](capacity),
	}
	f.outlets.Set(o.id, o)

	f.logger.WithFields(logrus.Fields{
		"outlet":       o.id,
		"name":         name,
		"stream":       desc.Type,
		"max_buffered": capacity,
	}).Debug("Outlet registered")
	return o
}

// Deregister removes and closes the outlet with id. Chunks still queued stay
// readable until drained.
func (f *Fanout) Deregister(id string) bool {
	o, ok := f.outlets.Get(id)
	if !ok {
		return false
	}
	f.outlets.Del(id)
	o.close()

	f.logger.WithFields(logrus.Fields{
		"outlet": id,
		"name":   o.name,
	}).Debug("Outlet deregistered")
	return true
}

// Outlets returns the registered outlets of streamType ("" for all), ordered by name
func (f *Fanout) Outlets(streamType string) []*Outlet {
	var out []*Outlet
	f.outlets.Range(func(_ string, o *Outlet) bool {
		if streamType == "" || o.desc.Type == streamType {
			out = append(out, o)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].id < out[j].id
	})
	return out
}

// Consume implements stream.Consumer
func (f *Fanout) Consume(desc *stream.Descriptor, chunk *stream.Chunk) {
	f.outlets.Range(func(_ string, o *Outlet) bool {
		if o.desc.Type != desc.Type {
			return true
		}
		if evicted, dropped := o.push(chunk); dropped {
			err := &SinkOverrunError{Outlet: o.name, Stream: desc.Type, FirstIndex: evicted.FirstIndex}
			f.logger.WithFields(logrus.Fields{
				"outlet": o.name,
				"stream": desc.Type,
				"index":  evicted.FirstIndex,
			}).Warn("Outlet overrun, oldest chunk dropped")
			f.onError(err)
		}
		return true
	})
}

// Close deregisters every outlet
func (f *Fanout) Close() {
	var ids []string
	f.outlets.Range(func(id string, _ *Outlet) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		f.Deregister(id)
	}
}
