package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch(channel int, start uint64, values ...float64) Batch {
	return Batch{Stream: "TEST", Channel: channel, Start: start, Values: values}
}

func seq(from, n int, channel int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64((from+i)*10 + channel)
	}
	return values
}

func TestAggregatorEmitsFullChunk(t *testing.T) {
	// GOAL: 12 complete rows of a 5-channel 256 Hz group produce exactly one 12x5 chunk
	//
	// TEST SCENARIO: each channel contributes samples 0..11 → one chunk at index 0, timestamp 0 → buffer empty

	g := testGroup(5, 12, 256)
	a := NewAggregator(g, 0)

	var chunks []*Chunk
	for ch := 0; ch < 5; ch++ {
		out, err := a.Add(batch(ch, 0, seq(0, 12, ch)...))
		require.NoError(t, err)
		chunks = append(chunks, out...)
	}

	require.Len(t, chunks, 1, "MUST emit exactly one chunk")
	c := chunks[0]
	assert.Equal(t, 12, c.Len(), "chunk MUST have chunkSize rows")
	for i, r := range c.Rows {
		require.Len(t, r, 5, "every row MUST have one column per channel")
		for ch := 0; ch < 5; ch++ {
			assert.Equal(t, float64(i*10+ch), r[ch], "row %d channel %d", i, ch)
		}
	}
	assert.Equal(t, uint64(0), c.FirstIndex)
	assert.Equal(t, time.Duration(0), c.Timestamp)
	assert.Equal(t, 0, a.Pending(), "buffer MUST be empty after the chunk")
	assert.Equal(t, uint64(12), a.Base())
}

func TestAggregatorHoldsIncompleteRows(t *testing.T) {
	// GOAL: a chunk is only emitted once every channel has contributed to each of its rows
	//
	// TEST SCENARIO: channel 0 sends 4 rows, channel 1 sends 3 → nothing → channel 1 sends the 4th → one chunk

	a := NewAggregator(testGroup(2, 4, 64), 0)

	out, err := a.Add(batch(0, 0, seq(0, 4, 0)...))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = a.Add(batch(1, 0, seq(0, 3, 1)...))
	require.NoError(t, err)
	assert.Empty(t, out, "incomplete rows MUST NOT be emitted")
	assert.Equal(t, 4, a.Pending())

	out, err = a.Add(batch(1, 3, seq(3, 1, 1)...))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []float64{30, 31}, out[0].Rows[3])
}

func TestAggregatorOrderingWithoutGaps(t *testing.T) {
	// GOAL: consecutive chunks have strictly increasing first indices with no gaps
	//
	// TEST SCENARIO: interleaved batches of uneven size across 3 channels → chunks at 0, 6, 12, 18 → timestamps follow rate

	g := testGroup(3, 6, 64)
	a := NewAggregator(g, 0)

	sizes := []int{2, 5, 1, 7, 3, 6}
	var chunks []*Chunk
	for ch := 0; ch < 3; ch++ {
		start := 0
		for _, n := range sizes {
			out, err := a.Add(batch(ch, uint64(start), seq(start, n, ch)...))
			require.NoError(t, err)
			chunks = append(chunks, out...)
			start += n
		}
	}

	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, uint64(6*i), c.FirstIndex, "chunk %d MUST follow its predecessor", i)
		assert.Equal(t, TimestampAt(uint64(6*i), 64), c.Timestamp)
		assert.Equal(t, 6, c.Len())
		assert.Equal(t, float64(6*i*10), c.Rows[0][0])
	}
	assert.Equal(t, 0, a.Pending())
}

func TestAggregatorDropsStaleRows(t *testing.T) {
	// GOAL: a channel that stops contributing does not grow the buffer without bound
	//
	// TEST SCENARIO: only channel 0 sends, staleRows=4 → earliest row dropped → DesyncError reports it

	a := NewAggregator(testGroup(2, 2, 64), 4)

	out, err := a.Add(batch(0, 0, seq(0, 6, 0)...))
	assert.Empty(t, out)

	var desync *DesyncError
	require.ErrorAs(t, err, &desync, "MUST report desync")
	assert.ErrorIs(t, err, ErrChannelDesync)
	assert.Equal(t, 1, desync.Dropped)
	assert.Equal(t, uint64(0), desync.FirstIndex)
	assert.Equal(t, 5, a.Pending())
	assert.Equal(t, uint64(1), a.Base())

	// channel 1 resumes for the surviving rows
	out, err = a.Add(batch(1, 1, seq(1, 4, 1)...))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[0].FirstIndex)
	assert.Equal(t, uint64(3), out[1].FirstIndex)
}

func TestAggregatorReportsLateValues(t *testing.T) {
	a := NewAggregator(testGroup(1, 2, 64), 0)

	out, err := a.Add(batch(0, 0, 1, 2))
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = a.Add(batch(0, 1, 9, 3))
	assert.Empty(t, out)
	var desync *DesyncError
	require.ErrorAs(t, err, &desync)
	assert.Equal(t, 1, desync.Late, "value for an emitted row MUST be counted late")
	assert.Equal(t, 0, desync.Dropped)
	assert.Equal(t, 1, a.Pending())
}

func TestAggregatorReset(t *testing.T) {
	a := NewAggregator(testGroup(2, 4, 64), 0)
	_, _ = a.Add(batch(0, 0, 1, 2, 3))
	require.Equal(t, 3, a.Pending())

	a.Reset()
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, uint64(0), a.Base())
}

func TestAggregatorRejectsUnknownChannel(t *testing.T) {
	a := NewAggregator(testGroup(2, 4, 64), 0)
	_, err := a.Add(batch(5, 0, 1))
	assert.Error(t, err)
}

func TestTimestampAt(t *testing.T) {
	assert.Equal(t, time.Second, TimestampAt(256, 256))
	assert.Equal(t, 500*time.Millisecond, TimestampAt(32, 64))
	assert.Equal(t, time.Duration(0), TimestampAt(10, 0))
}
