package stream

import (
	"fmt"
	"sync"
)

// Batch is the decoded content of one notification: consecutive samples of one
// channel starting at sample index Start.
type Batch struct {
	Stream  string
	Channel int
	Start   uint64
	Values  []float64
}

// Decoder turns raw notification payloads of one ChannelGroup into batches and
// keeps the running sample index of every channel. Safe for concurrent use.
type Decoder struct {
	group *ChannelGroup

	mu      sync.Mutex
	cursors []uint64
}

// NewDecoder creates a decoder for group
func NewDecoder(group *ChannelGroup) *Decoder {
	return &Decoder{
		group:   group,
		cursors: make([]uint64, len(group.Channels)),
	}
}

// Decode decodes raw for the given channel. A payload that is not the layout
// header followed by a positive multiple of the sample width fails with a *DecodeError and leaves
// the channel index untouched.
func (d *Decoder) Decode(channel int, raw []byte) (Batch, error) {
	if channel < 0 || channel >= len(d.cursors) {
		return Batch{}, fmt.Errorf("stream %s has no channel %d", d.group.Type, channel)
	}

	values, err := DecodeSamples(d.group.Layout, raw)
	if err != nil {
		return Batch{}, &DecodeError{
			Stream:  d.group.Type,
			Channel: channel,
			Length:  len(raw),
			Header:  d.group.Layout.Header,
			Width:   d.group.Layout.Width,
		}
	}

	d.mu.Lock()
	start := d.cursors[channel]
	d.cursors[channel] += uint64(len(values))
	d.mu.Unlock()

	return Batch{Stream: d.group.Type, Channel: channel, Start: start, Values: values}, nil
}

// Cursor returns the next sample index of channel
func (d *Decoder) Cursor(channel int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[channel]
}

// Reset restarts every channel at index 0
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.cursors {
		d.cursors[i] = 0
	}
}

// DecodeSamples skips the layout header and decodes the fixed-width
// little-endian samples that follow it
func DecodeSamples(layout Layout, raw []byte) ([]float64, error) {
	w := layout.Width
	if w < 1 || w > 4 {
		return nil, fmt.Errorf("unsupported sample width %d", w)
	}
	if layout.Header < 0 || len(raw) <= layout.Header {
		return nil, ErrMalformedPayload
	}
	raw = raw[layout.Header:]
	if len(raw)%w != 0 {
		return nil, ErrMalformedPayload
	}

	scale := layout.Scale
	if scale == 0 {
		scale = 1
	}

	values := make([]float64, 0, len(raw)/w)
	for off := 0; off < len(raw); off += w {
		var u uint32
		for i := w - 1; i >= 0; i-- {
			u = u<<8 | uint32(raw[off+i])
		}

		var v float64
		if layout.Signed {
			shift := uint(32 - 8*w)
			v = float64(int32(u<<shift) >> shift)
		} else {
			v = float64(u)
		}
		values = append(values, (v-layout.Offset)*scale)
	}
	return values, nil
}
