package stream

import "time"

// Layout describes one notification payload: an optional header (the packet
// counter) followed by fixed-width little-endian samples.
type Layout struct {
	Header int     // leading bytes skipped before the first sample
	Width  int     // bytes per sample, 1..4
	Signed bool    // two's complement when true
	Offset float64 // subtracted from the raw integer
	Scale  float64 // applied after Offset; 0 means 1
}

// Channel is one column of a ChannelGroup together with the notification
// characteristic that carries it.
type Channel struct {
	Label string
	UUID  string
}

// ChannelGroup is a set of channels sharing one sample rate and one sensor
type ChannelGroup struct {
	Name      string // display name, e.g. "Muse S Gen 2 EEG"
	Type      string // stream key, e.g. "EEG"
	Channels  []Channel
	Rate      float64
	Layout    Layout
	ChunkSize int
}

// Labels returns the ordered channel labels
func (g *ChannelGroup) Labels() []string {
	labels := make([]string, len(g.Channels))
	for i, ch := range g.Channels {
		labels[i] = ch.Label
	}
	return labels
}

// ChannelIndex returns the column of the channel carried by uuid, or -1
func (g *ChannelGroup) ChannelIndex(uuid string) int {
	for i, ch := range g.Channels {
		if ch.UUID == uuid {
			return i
		}
	}
	return -1
}

// Descriptor is the static metadata published alongside a stream's chunks.
// Created once per stream and never mutated.
type Descriptor struct {
	Name         string   `msgpack:"name" json:"name"`
	Type         string   `msgpack:"type" json:"type"`
	Channels     []string `msgpack:"channels" json:"channels"`
	Rate         float64  `msgpack:"rate" json:"rate"`
	Format       string   `msgpack:"format" json:"format"`
	SourceID     string   `msgpack:"source_id" json:"source_id"`
	Manufacturer string   `msgpack:"manufacturer" json:"manufacturer"`
	Model        string   `msgpack:"model" json:"model"`
	Unit         string   `msgpack:"unit" json:"unit"`
	ChunkSize    int      `msgpack:"chunk_size" json:"chunk_size"`
	MaxBuffered  int      `msgpack:"max_buffered" json:"max_buffered"`
}

// Chunk is a dense block of consecutive sample rows for one stream.
// Once emitted it is shared read-only by every consumer.
type Chunk struct {
	Stream     string
	FirstIndex uint64
	Timestamp  time.Duration // offset of the first row from stream start
	Rows       [][]float64
}

// Len returns the number of rows
func (c *Chunk) Len() int {
	return len(c.Rows)
}

// TimestampAt converts a sample index into a stream-relative time at the given nominal rate
func TimestampAt(index uint64, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(index) / rate * float64(time.Second))
}

// Consumer receives every chunk produced by the pipeline
type Consumer interface {
	Consume(desc *Descriptor, chunk *Chunk)
}

// ErrorHandler receives non-fatal pipeline conditions
type ErrorHandler func(error)
