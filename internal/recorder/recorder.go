// Package recorder persists every stream of a session into one multiplexed
// container file.
package recorder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/stream"
)

var ErrRecorderIO = errors.New("recorder I/O failure")

// Error reports the failure that disabled recording
type Error struct {
	Op   string // "open", "append", "close"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrRecorderIO, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrRecorderIO }

// Recorder is a stream.Consumer writing chunks through a FrameSink.
//
// The first I/O failure disables recording for the rest of the session and is
// reported exactly once; live streaming is not affected.
type Recorder struct {
	sink    FrameSink
	path    string
	onError stream.ErrorHandler
	logger  *logrus.Logger

	mu      sync.Mutex
	ids     map[string]int
	opened  bool
	failed  bool
	closed  bool
	written int
}

// New creates a recorder writing to path through sink
func New(sink FrameSink, path string, onError stream.ErrorHandler, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Recorder{
		sink:    sink,
		path:    path,
		onError: onError,
		logger:  logger,
		ids:     map[string]int{},
	}
}

// Open starts the container. Stream ids follow the order of meta.Streams.
func (r *Recorder) Open(meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opened || r.closed {
		return errors.New("recorder already used")
	}
	r.opened = true

	for id, desc := range meta.Streams {
		r.ids[desc.Type] = id
	}

	if err := r.sink.Open(r.path, meta); err != nil {
		return r.failLocked("open", err)
	}

	r.logger.WithFields(logrus.Fields{
		"path":    r.path,
		"session": meta.Session.String(),
		"streams": len(meta.Streams),
	}).Info("Recording started")
	return nil
}

// Consume implements stream.Consumer
func (r *Recorder) Consume(desc *stream.Descriptor, chunk *stream.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.opened || r.failed || r.closed {
		return
	}
	id, ok := r.ids[desc.Type]
	if !ok {
		r.logger.WithField("stream", desc.Type).Debug("Stream not recorded")
		return
	}
	if err := r.sink.Append(id, chunk); err != nil {
		_ = r.failLocked("append", err)
		return
	}
	r.written++
}

// Close finalizes the container. Only the first call has an effect.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if !r.opened {
		return nil
	}

	err := r.sink.Close()
	if r.failed {
		return nil
	}
	if err != nil {
		return r.failLocked("close", err)
	}

	r.logger.WithFields(logrus.Fields{
		"path":   r.path,
		"chunks": r.written,
	}).Info("Recording closed")
	return nil
}

// Failed reports whether recording was disabled by an I/O error
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Written returns the number of chunks persisted
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Recorder) failLocked(op string, err error) error {
	rerr := &Error{Op: op, Path: r.path, Err: err}
	r.failed = true
	r.logger.WithFields(logrus.Fields{
		"path":  r.path,
		"op":    op,
		"error": err,
	}).Error("Recording disabled")
	r.onError(rerr)
	return rerr
}
