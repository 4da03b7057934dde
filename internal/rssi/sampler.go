// Package rssi publishes periodic link-strength reads as a low-rate stream.
package rssi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/groutine"
	"github.com/srg/musestream/internal/stream"
)

const StreamType = "RSSI"

// Reader is the RSSI source; device.Link satisfies it
type Reader interface {
	ReadRSSI() (int, error)
}

// Emit receives every sample chunk
type Emit func(desc *stream.Descriptor, chunk *stream.Chunk)

// NewDescriptor returns the RSSI stream descriptor for the given read interval
func NewDescriptor(interval time.Duration, maxBuffered int, sourceID string) *stream.Descriptor {
	rate := 0.0
	if interval > 0 {
		rate = float64(time.Second) / float64(interval)
	}
	return &stream.Descriptor{
		Name:        "RSSI",
		Type:        StreamType,
		Channels:    []string{"RSSI"},
		Rate:        rate,
		Format:      "float32",
		SourceID:    sourceID,
		Unit:        "dBm",
		ChunkSize:   1,
		MaxBuffered: maxBuffered,
	}
}

// Sampler reads RSSI on a fixed interval while started
type Sampler struct {
	reader   Reader
	interval time.Duration
	desc     *stream.Descriptor
	emit     Emit
	onError  stream.ErrorHandler
	logger   *logrus.Logger

	mu    sync.Mutex
	group *groutine.Group
}

// NewSampler creates a stopped sampler
func NewSampler(reader Reader, interval time.Duration, desc *stream.Descriptor, emit Emit, onError stream.ErrorHandler, logger *logrus.Logger) *Sampler {
	if logger == nil {
		logger = logrus.New()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Sampler{
		reader:   reader,
		interval: interval,
		desc:     desc,
		emit:     emit,
		onError:  onError,
		logger:   logger,
	}
}

// Start begins sampling; the sample index restarts at 0. No-op when running.
func (s *Sampler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid RSSI interval %v", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return nil
	}

	s.group = groutine.NewGroup(ctx)
	s.group.Go("rssi-sampler", s.run)

	s.logger.WithField("interval", s.interval).Debug("RSSI sampler started")
	return nil
}

// Stop halts sampling and waits for the ticker goroutine. No-op when stopped.
func (s *Sampler) Stop() {
	s.mu.Lock()
	g := s.group
	s.group = nil
	s.mu.Unlock()

	if g == nil {
		return
	}
	g.Stop()
	s.logger.Debug("RSSI sampler stopped")
}

// Running reports whether the sampler is started
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group != nil
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var index uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		value, err := s.reader.ReadRSSI()
		if err != nil {
			s.logger.WithError(err).Debug("RSSI read failed")
			s.onError(fmt.Errorf("read RSSI: %w", err))
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.emit(s.desc, &stream.Chunk{
			Stream:     StreamType,
			FirstIndex: index,
			Timestamp:  stream.TimestampAt(index, s.desc.Rate),
			Rows:       [][]float64{{float64(value)}},
		})
		index++
	}
}
