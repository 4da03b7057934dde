package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srg/musestream/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSink records appends; a non-nil gate blocks every Append until closed
type memSink struct {
	mu        sync.Mutex
	gate      chan struct{}
	openErr   error
	appendErr error
	indices   []uint64
	opened    bool
	closed    bool
}

func (m *memSink) Open(string, Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *memSink) Append(_ int, chunk *stream.Chunk) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.indices = append(m.indices, chunk.FirstIndex)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) Indices() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.indices...)
}

func TestAsyncSinkDrainsOnClose(t *testing.T) {
	// GOAL: every queued chunk reaches the inner sink in order before Close returns
	//
	// TEST SCENARIO: 20 appends → close → inner sink saw indices 0..38 step 2 → closed

	inner := &memSink{}
	a := NewAsyncSink(inner, 64)
	require.NoError(t, a.Open("unused", NewMetadata(eegDesc)))

	var want []uint64
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, a.Append(0, eegChunk(2*i)))
		want = append(want, 2*i)
	}
	require.NoError(t, a.Close())

	assert.Equal(t, want, inner.Indices(), "chunks MUST be written in order")
	assert.True(t, inner.closed)
	assert.Equal(t, int64(0), a.Lost())
	assert.NoError(t, a.Close(), "second Close MUST be a no-op")
}

func TestAsyncSinkWriterBehind(t *testing.T) {
	// GOAL: an overflowing queue poisons the sink instead of leaving silent gaps
	//
	// TEST SCENARIO: inner blocked, capacity 4 → 32 appends → ErrWriterBehind → release → Close reports it

	inner := &memSink{gate: make(chan struct{})}
	a := NewAsyncSink(inner, 4)
	require.NoError(t, a.Open("unused", NewMetadata(eegDesc)))

	var appendErr error
	for i := uint64(0); i < 32 && appendErr == nil; i++ {
		appendErr = a.Append(0, eegChunk(i))
	}
	assert.ErrorIs(t, appendErr, ErrWriterBehind)
	assert.Greater(t, a.Lost(), int64(0))

	close(inner.gate)
	assert.ErrorIs(t, a.Close(), ErrWriterBehind)
	assert.ErrorIs(t, a.Append(0, eegChunk(99)), ErrWriterBehind, "poisoned sink MUST keep failing")
}

func TestAsyncSinkInnerFailure(t *testing.T) {
	inner := &memSink{appendErr: errors.New("disk full")}
	a := NewAsyncSink(inner, 8)
	require.NoError(t, a.Open("unused", NewMetadata(eegDesc)))

	require.Eventually(t, func() bool { return a.Append(0, eegChunk(0)) != nil }, time.Second, 5*time.Millisecond,
		"inner failure MUST surface on a later Append")
	assert.EqualError(t, a.Close(), "disk full")
}

func TestAsyncSinkOpenFailureClosesInner(t *testing.T) {
	inner := &memSink{openErr: errors.New("permission denied")}
	a := NewAsyncSink(inner, 8)

	assert.EqualError(t, a.Open("unused", NewMetadata(eegDesc)), "permission denied")
	inner.mu.Lock()
	assert.True(t, inner.closed, "inner sink MUST be closed when its Open fails")
	inner.mu.Unlock()
	assert.Error(t, a.Append(0, eegChunk(0)), "sink MUST stay unopened")
}

func TestFileWriterOpenFailureReleasesFile(t *testing.T) {
	// GOAL: a container whose headers cannot be written leaves no open file behind
	//
	// TEST SCENARIO: open on /dev/full → header write fails → writer is unopened and can be opened elsewhere

	if f, err := os.OpenFile("/dev/full", os.O_WRONLY, 0); err != nil {
		t.Skip("/dev/full not available")
	} else {
		_ = f.Close()
	}

	fw := NewFileWriter().(*FileWriter)
	require.Error(t, fw.Open("/dev/full", NewMetadata(eegDesc)))
	assert.Nil(t, fw.file, "file MUST be closed after a failed Open")
	assert.NoError(t, fw.Close())

	path := filepath.Join(t.TempDir(), "retry.musrec")
	require.NoError(t, fw.Open(path, NewMetadata(eegDesc)), "writer MUST be reusable after a failed Open")
	require.NoError(t, fw.Close())
	_, err := ReadContainer(path)
	assert.NoError(t, err)
}

func TestAsyncSinkNotOpen(t *testing.T) {
	a := NewAsyncSink(&memSink{}, 8)
	assert.Error(t, a.Append(0, eegChunk(0)))
	assert.NoError(t, a.Close())
}

func TestRecorderWithAsyncFileWriter(t *testing.T) {
	// GOAL: the asynchronous file writer produces the same container as the synchronous one
	//
	// TEST SCENARIO: record 3 EEG chunks through NewAsyncFileWriter → close → container has 3 chunks and a footer

	path := filepath.Join(t.TempDir(), "async.musrec")
	errs := &errorLog{}
	r := New(NewAsyncFileWriter(), path, errs.handle, testLogger())
	require.NoError(t, r.Open(NewMetadata(eegDesc)))
	for i := uint64(0); i < 3; i++ {
		r.Consume(eegDesc, eegChunk(2*i))
	}
	require.NoError(t, r.Close())
	assert.Empty(t, errs.Errors())

	rec, err := ReadContainer(path)
	require.NoError(t, err)
	require.NotNil(t, rec.Footer)
	require.NotNil(t, rec.Stream("EEG"))
	assert.Len(t, rec.Stream("EEG").Samples, 3)
	assert.Equal(t, uint64(4), rec.Stream("EEG").Samples[2].FirstIndex)
}
