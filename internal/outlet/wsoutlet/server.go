// Package wsoutlet serves Fanout outlets to websocket clients.
//
// A client connects to /?stream=EEG and receives binary msgpack messages: one
// descriptor message, then one chunk message per published chunk. Each client
// gets its own outlet, so a slow client only loses its own data.
package wsoutlet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/groutine"
	"github.com/srg/musestream/internal/outlet"
	"github.com/srg/musestream/internal/stream"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	KindDescriptor = "descriptor"
	KindChunk      = "chunk"

	writeTimeout = 5 * time.Second
)

// Message is the unit sent to clients
type Message struct {
	Kind       string             `msgpack:"kind"`
	Descriptor *stream.Descriptor `msgpack:"descriptor,omitempty"`
	Chunk      *ChunkMessage      `msgpack:"chunk,omitempty"`
}

// ChunkMessage is a chunk in the descriptor's float32 sample encoding
type ChunkMessage struct {
	Stream     string      `msgpack:"stream"`
	FirstIndex uint64      `msgpack:"first_index"`
	Timestamp  float64     `msgpack:"timestamp"` // seconds since stream start
	Rows       [][]float32 `msgpack:"rows"`
}

// NewChunkMessage converts chunk for the wire
func NewChunkMessage(chunk *stream.Chunk) *ChunkMessage {
	rows := make([][]float32, len(chunk.Rows))
	for i, r := range chunk.Rows {
		rows[i] = make([]float32, len(r))
		for j, v := range r {
			rows[i][j] = float32(v)
		}
	}
	return &ChunkMessage{
		Stream:     chunk.Stream,
		FirstIndex: chunk.FirstIndex,
		Timestamp:  chunk.Timestamp.Seconds(),
		Rows:       rows,
	}
}

// Server exposes every stream known to it over websockets
type Server struct {
	fanout   *outlet.Fanout
	descs    map[string]*stream.Descriptor
	order    []string
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// New creates a server publishing the given descriptors' streams from fanout
func New(fanout *outlet.Fanout, descs []*stream.Descriptor, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		fanout: fanout,
		descs:  make(map[string]*stream.Descriptor, len(descs)),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, d := range descs {
		s.descs[d.Type] = d
		s.order = append(s.order, d.Type)
	}
	return s
}

// Handler returns the HTTP handler: "/" upgrades to a websocket outlet and
// "/streams" lists the available descriptors as JSON.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/streams", s.handleStreams)
	return mux
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("outlet listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	groutine.Go(ctx, "ws-outlet-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	s.logger.WithField("addr", ln.Addr().String()).Info("Websocket outlets listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	descs := make([]*stream.Descriptor, 0, len(s.order))
	for _, t := range s.order {
		descs = append(descs, s.descs[t])
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(descs)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	streamType := r.URL.Query().Get("stream")
	desc, ok := s.descs[streamType]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown stream %q", streamType), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	o := s.fanout.Register(desc, r.RemoteAddr)
	defer s.fanout.Deregister(o.ID())

	logger := s.logger.WithFields(logrus.Fields{
		"client": r.RemoteAddr,
		"stream": desc.Type,
	})
	logger.Info("Outlet client connected")
	defer logger.Info("Outlet client disconnected")

	sink := &wsSink{conn: conn}
	if err := sink.write(&Message{Kind: KindDescriptor, Descriptor: desc}); err != nil {
		logger.WithError(err).Warn("Failed to send descriptor")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the client never sends data; reading detects the close
	groutine.Go(ctx, "ws-outlet-reader", func(ctx context.Context) {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	if err := o.Serve(ctx, sink); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Outlet client write failed")
	}
}

type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Push(_ *stream.Descriptor, chunk *stream.Chunk) error {
	return s.write(&Message{Kind: KindChunk, Chunk: NewChunkMessage(chunk)})
}

func (s *wsSink) write(m *Message) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
