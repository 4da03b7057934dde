package stream

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type lane struct {
	desc       *Descriptor
	decoder    *Decoder
	aggregator *Aggregator
}

// Pipeline wires Decoder → Aggregator → Consumers for a set of channel groups.
//
// Decoding runs on the caller's goroutine; aggregation and delivery to the
// consumers are serialized by one mutex so sample order is preserved.
type Pipeline struct {
	logger  *logrus.Logger
	onError ErrorHandler
	lanes   map[string]*lane

	mu        sync.Mutex
	active    bool
	consumers []Consumer
}

// NewPipeline creates a pipeline for groups. descs maps a group Type to its
// outlet descriptor; staleRows bounds the aggregators (see NewAggregator).
func NewPipeline(groups []*ChannelGroup, descs map[string]*Descriptor, staleRows int, onError ErrorHandler, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	if onError == nil {
		onError = func(error) {}
	}

	p := &Pipeline{
		logger:  logger,
		onError: onError,
		lanes:   make(map[string]*lane, len(groups)),
	}
	for _, g := range groups {
		p.lanes[g.Type] = &lane{
			desc:       descs[g.Type],
			decoder:    NewDecoder(g),
			aggregator: NewAggregator(g, staleRows),
		}
	}
	return p
}

// Attach adds a consumer
func (p *Pipeline) Attach(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

// Detach removes a consumer added with Attach
func (p *Pipeline) Detach(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.consumers {
		if existing == c {
			p.consumers = append(p.consumers[:i:i], p.consumers[i+1:]...)
			return
		}
	}
}

// Start resets every decoder and aggregator and begins accepting data
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.active = true
}

// Stop stops accepting data and discards partially aggregated rows
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.resetLocked()
}

func (p *Pipeline) resetLocked() {
	for _, l := range p.lanes {
		l.decoder.Reset()
		l.aggregator.Reset()
	}
}

// Active reports whether the pipeline accepts data
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Feed decodes one notification payload of stream/channel and delivers any
// completed chunks. Decode and desync conditions are reported via the error
// handler; the pipeline keeps going.
func (p *Pipeline) Feed(stream string, channel int, raw []byte) {
	l, ok := p.lanes[stream]
	if !ok {
		p.onError(fmt.Errorf("unknown stream %q", stream))
		return
	}

	if !p.Active() {
		return
	}

	batch, err := l.decoder.Decode(channel, raw)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"stream":  stream,
			"channel": channel,
			"error":   err,
		}).Warn("Dropping notification")
		p.onError(err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}

	chunks, err := l.aggregator.Add(batch)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"stream": stream,
			"error":  err,
		}).Warn("Aggregator dropped rows")
		p.onError(err)
	}
	for _, c := range chunks {
		p.deliverLocked(l.desc, c)
	}
}

// Publish delivers a chunk produced outside the aggregators (e.g. RSSI)
func (p *Pipeline) Publish(desc *Descriptor, chunk *Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.deliverLocked(desc, chunk)
}

func (p *Pipeline) deliverLocked(desc *Descriptor, chunk *Chunk) {
	for _, c := range p.consumers {
		c.Consume(desc, chunk)
	}
}

// Pending returns the number of buffered rows of stream
func (p *Pipeline) Pending(stream string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.lanes[stream]; ok {
		return l.aggregator.Pending()
	}
	return 0
}
