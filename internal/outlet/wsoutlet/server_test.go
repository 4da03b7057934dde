package wsoutlet

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/outlet"
	"github.com/srg/musestream/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var eegDesc = &stream.Descriptor{
	Name:        "Muse S Gen 2 EEG",
	Type:        "EEG",
	Channels:    []string{"TP9", "AF7"},
	Rate:        256,
	Format:      "float32",
	ChunkSize:   2,
	MaxBuffered: 8,
}

func newServer(t *testing.T) (*outlet.Fanout, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	f := outlet.New(nil, logger)
	srv := httptest.NewServer(New(f, []*stream.Descriptor{eegDesc}, logger).Handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func dial(t *testing.T, srv *httptest.Server, streamType string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?stream=" + streamType
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	var m Message
	require.NoError(t, msgpack.Unmarshal(data, &m))
	return &m
}

func TestClientReceivesDescriptorThenChunks(t *testing.T) {
	// GOAL: a websocket client gets the stream descriptor followed by published chunks in order
	//
	// TEST SCENARIO: client subscribes to EEG → descriptor message → two chunks published → two chunk messages in order

	f, srv := newServer(t)
	conn := dial(t, srv, "EEG")

	m := readMessage(t, conn)
	require.Equal(t, KindDescriptor, m.Kind, "first message MUST be the descriptor")
	assert.Equal(t, eegDesc.Channels, m.Descriptor.Channels)
	assert.Equal(t, "float32", m.Descriptor.Format)
	require.Len(t, f.Outlets("EEG"), 1, "client MUST own an outlet")

	f.Consume(eegDesc, &stream.Chunk{Stream: "EEG", FirstIndex: 0, Rows: [][]float64{{1.5, 2}, {3, 4}}})
	f.Consume(eegDesc, &stream.Chunk{Stream: "EEG", FirstIndex: 2, Timestamp: 2 * time.Second / 256, Rows: [][]float64{{5, 6}, {7, 8}}})

	first := readMessage(t, conn)
	require.Equal(t, KindChunk, first.Kind)
	assert.Equal(t, uint64(0), first.Chunk.FirstIndex)
	assert.Equal(t, [][]float32{{1.5, 2}, {3, 4}}, first.Chunk.Rows)

	second := readMessage(t, conn)
	assert.Equal(t, uint64(2), second.Chunk.FirstIndex)
	assert.InDelta(t, 2.0/256, second.Chunk.Timestamp, 1e-9)
}

func TestClientDisconnectDeregistersOutlet(t *testing.T) {
	f, srv := newServer(t)
	conn := dial(t, srv, "EEG")
	readMessage(t, conn)
	require.Len(t, f.Outlets(""), 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return len(f.Outlets("")) == 0 }, 2*time.Second, 10*time.Millisecond,
		"outlet MUST be removed when the client leaves")
}

func TestUnknownStreamIsRejected(t *testing.T) {
	_, srv := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?stream=FOO"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamsListing(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Get(srv.URL + "/streams")
	require.NoError(t, err)
	defer resp.Body.Close()

	var descs []stream.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&descs))
	require.Len(t, descs, 1)
	assert.Equal(t, "EEG", descs[0].Type)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(outlet.New(nil, nil), []*stream.Descriptor{eegDesc}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
