package stream

import "fmt"

type row struct {
	values []float64
	filled []bool
	count  int
}

func newRow(channels int) *row {
	return &row{values: make([]float64, channels), filled: make([]bool, channels)}
}

// Aggregator buffers decoded batches of one ChannelGroup into rows keyed by
// sample index and cuts them into chunks of exactly ChunkSize complete rows.
//
// Not safe for concurrent use; the Pipeline serializes access.
type Aggregator struct {
	group     *ChannelGroup
	staleRows int

	base uint64 // sample index of rows[0]
	rows []*row
}

// NewAggregator creates an aggregator. A row that is still incomplete when the
// buffer reaches staleRows rows past it is considered lost.
func NewAggregator(group *ChannelGroup, staleRows int) *Aggregator {
	if staleRows <= 0 {
		staleRows = 4 * group.ChunkSize
	}
	return &Aggregator{group: group, staleRows: staleRows}
}

// Add merges b into the row buffer and returns every chunk that became
// complete. A non-nil *DesyncError reports rows dropped while doing so; the
// returned chunks are valid either way.
func (a *Aggregator) Add(b Batch) ([]*Chunk, error) {
	n := len(a.group.Channels)
	if b.Channel < 0 || b.Channel >= n {
		return nil, fmt.Errorf("stream %s has no channel %d", a.group.Type, b.Channel)
	}

	late := 0
	for i, v := range b.Values {
		idx := b.Start + uint64(i)
		if idx < a.base {
			late++
			continue
		}
		pos := int(idx - a.base)
		for len(a.rows) <= pos {
			a.rows = append(a.rows, newRow(n))
		}
		r := a.rows[pos]
		if !r.filled[b.Channel] {
			r.filled[b.Channel] = true
			r.count++
		}
		r.values[b.Channel] = v
	}

	chunks := a.drain()
	first, dropped := a.expire()
	if dropped > 0 {
		chunks = append(chunks, a.drain()...)
	}

	if late > 0 || dropped > 0 {
		return chunks, &DesyncError{Stream: a.group.Type, FirstIndex: first, Dropped: dropped, Late: late}
	}
	return chunks, nil
}

// drain cuts chunks while the leading ChunkSize rows are complete
func (a *Aggregator) drain() []*Chunk {
	var chunks []*Chunk
	size := a.group.ChunkSize
	for len(a.rows) >= size {
		for i := 0; i < size; i++ {
			if a.rows[i].count < len(a.group.Channels) {
				return chunks
			}
		}

		rows := make([][]float64, size)
		for i := 0; i < size; i++ {
			rows[i] = a.rows[i].values
		}
		chunks = append(chunks, &Chunk{
			Stream:     a.group.Type,
			FirstIndex: a.base,
			Timestamp:  TimestampAt(a.base, a.group.Rate),
			Rows:       rows,
		})
		a.rows = a.rows[size:]
		a.base += uint64(size)
	}
	return chunks
}

// expire drops the earliest incomplete row, and everything before it, while
// the buffer extends more than staleRows rows beyond it.
func (a *Aggregator) expire() (first uint64, dropped int) {
	first = a.base
	for {
		fi := a.firstIncomplete()
		if fi == len(a.rows) || len(a.rows)-1-fi <= a.staleRows {
			return first, dropped
		}
		a.rows = a.rows[fi+1:]
		a.base += uint64(fi + 1)
		dropped += fi + 1
	}
}

func (a *Aggregator) firstIncomplete() int {
	for i, r := range a.rows {
		if r.count < len(a.group.Channels) {
			return i
		}
	}
	return len(a.rows)
}

// Pending returns the number of buffered rows
func (a *Aggregator) Pending() int {
	return len(a.rows)
}

// Base returns the sample index of the first buffered row
func (a *Aggregator) Base() uint64 {
	return a.base
}

// Reset discards every buffered row and restarts at index 0
func (a *Aggregator) Reset() {
	a.rows = nil
	a.base = 0
}
