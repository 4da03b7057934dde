package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/srg/musestream/internal/stream"
	"github.com/vmihailenco/msgpack/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Container layout: Magic, then frames of [uint32 LE payload length][msgpack Frame].
// The first frame is the file header, followed by one stream header per stream,
// sample frames in arrival order and a footer written on a clean close.
const Magic = "MUSEREC\x01"

// maxFrameSize bounds a single frame when reading
const maxFrameSize = 64 << 20

const (
	FrameFileHeader   = "file_header"
	FrameStreamHeader = "stream_header"
	FrameSamples      = "samples"
	FrameFooter       = "footer"
)

// Frame is one record of the container
type Frame struct {
	Kind    string        `msgpack:"kind"`
	Header  *FileHeader   `msgpack:"header,omitempty"`
	Stream  *StreamHeader `msgpack:"stream,omitempty"`
	Samples *Samples      `msgpack:"samples,omitempty"`
	Footer  *Footer       `msgpack:"footer,omitempty"`
}

type Property struct {
	Key   string `msgpack:"key" json:"key"`
	Value string `msgpack:"value" json:"value"`
}

type FileHeader struct {
	Session    string     `msgpack:"session"`
	Created    time.Time  `msgpack:"created"`
	Properties []Property `msgpack:"properties"`
}

type StreamHeader struct {
	ID         int                `msgpack:"id"`
	Descriptor *stream.Descriptor `msgpack:"descriptor"`
}

type Samples struct {
	ID         int         `msgpack:"id"`
	FirstIndex uint64      `msgpack:"first_index"`
	Timestamp  float64     `msgpack:"timestamp"`
	Rows       [][]float32 `msgpack:"rows"`
}

type StreamFooter struct {
	ID     int    `msgpack:"id"`
	Chunks int    `msgpack:"chunks"`
	Rows   uint64 `msgpack:"rows"`
}

type Footer struct {
	Closed  time.Time      `msgpack:"closed"`
	Streams []StreamFooter `msgpack:"streams"`
}

// Metadata describes one recording session
type Metadata struct {
	Session    uuid.UUID
	Created    time.Time
	Properties *orderedmap.OrderedMap[string, string]
	Streams    []*stream.Descriptor // stream id = position
}

// NewMetadata creates metadata for a fresh session
func NewMetadata(streams ...*stream.Descriptor) Metadata {
	return Metadata{
		Session:    uuid.New(),
		Created:    time.Now().UTC(),
		Properties: orderedmap.New[string, string](),
		Streams:    streams,
	}
}

// FrameSink persists a container
type FrameSink interface {
	Open(path string, meta Metadata) error
	Append(streamID int, chunk *stream.Chunk) error
	Close() error
}

// FileWriter is the file-backed FrameSink. Every frame is flushed as soon as
// it is written so a crash leaves at most one partial frame behind.
type FileWriter struct {
	file   *os.File
	w      *bufio.Writer
	counts []StreamFooter
}

// NewFileWriter returns an unopened FileWriter
func NewFileWriter() FrameSink {
	return &FileWriter{}
}

// Open creates path and writes the file and stream headers. On failure the
// file is closed again and the writer stays unopened.
func (fw *FileWriter) Open(path string, meta Metadata) error {
	if fw.file != nil {
		return errors.New("container already open")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	fw.file = f
	fw.w = bufio.NewWriter(f)

	if err := fw.writeHeaders(meta); err != nil {
		_ = f.Close()
		fw.file, fw.w, fw.counts = nil, nil, nil
		return err
	}
	return nil
}

func (fw *FileWriter) writeHeaders(meta Metadata) error {
	if _, err := fw.w.WriteString(Magic); err != nil {
		return err
	}

	header := &FileHeader{Session: meta.Session.String(), Created: meta.Created}
	if meta.Properties != nil {
		for p := meta.Properties.Oldest(); p != nil; p = p.Next() {
			header.Properties = append(header.Properties, Property{Key: p.Key, Value: p.Value})
		}
	}
	if err := fw.writeFrame(&Frame{Kind: FrameFileHeader, Header: header}); err != nil {
		return err
	}

	fw.counts = make([]StreamFooter, len(meta.Streams))
	for id, desc := range meta.Streams {
		fw.counts[id].ID = id
		if err := fw.writeFrame(&Frame{Kind: FrameStreamHeader, Stream: &StreamHeader{ID: id, Descriptor: desc}}); err != nil {
			return err
		}
	}
	return nil
}

func (fw *FileWriter) Append(streamID int, chunk *stream.Chunk) error {
	if fw.file == nil {
		return errors.New("container not open")
	}
	if streamID < 0 || streamID >= len(fw.counts) {
		return fmt.Errorf("unknown stream id %d", streamID)
	}

	rows := make([][]float32, len(chunk.Rows))
	for i, r := range chunk.Rows {
		rows[i] = make([]float32, len(r))
		for j, v := range r {
			rows[i][j] = float32(v)
		}
	}
	err := fw.writeFrame(&Frame{Kind: FrameSamples, Samples: &Samples{
		ID:         streamID,
		FirstIndex: chunk.FirstIndex,
		Timestamp:  chunk.Timestamp.Seconds(),
		Rows:       rows,
	}})
	if err != nil {
		return err
	}
	fw.counts[streamID].Chunks++
	fw.counts[streamID].Rows += uint64(len(chunk.Rows))
	return nil
}

// Close writes the footer and closes the file
func (fw *FileWriter) Close() error {
	if fw.file == nil {
		return nil
	}
	footerErr := fw.writeFrame(&Frame{Kind: FrameFooter, Footer: &Footer{Closed: time.Now().UTC(), Streams: fw.counts}})
	closeErr := fw.file.Close()
	fw.file = nil
	if footerErr != nil {
		return footerErr
	}
	return closeErr
}

func (fw *FileWriter) writeFrame(frame *Frame) error {
	payload, err := msgpack.Marshal(frame)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err := fw.w.Write(size[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return fw.w.Flush()
}

// RecordedStream is one stream as read back from a container
type RecordedStream struct {
	ID         int
	Descriptor *stream.Descriptor
	Samples    []*Samples
	Rows       uint64
}

// Recording is the content of a container
type Recording struct {
	Header    FileHeader
	Streams   []*RecordedStream
	Footer    *Footer // nil when the recording was not closed cleanly
	Truncated bool    // the file ends inside a frame
}

// Stream returns the recorded stream of the given type, or nil
func (r *Recording) Stream(streamType string) *RecordedStream {
	for _, s := range r.Streams {
		if s.Descriptor != nil && s.Descriptor.Type == streamType {
			return s
		}
	}
	return nil
}

// ReadContainer reads a container file. A partial trailing frame is tolerated
// and reported through Recording.Truncated.
func ReadContainer(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

// Read reads a container from r
func Read(r io.Reader) (*Recording, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return nil, errors.New("not a recording: bad magic")
	}

	rec := &Recording{}
	byID := map[int]*RecordedStream{}
	sawHeader := false

	for {
		var size [4]byte
		if _, err := io.ReadFull(r, size[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				rec.Truncated = true
				break
			}
			return nil, err
		}

		n := binary.LittleEndian.Uint32(size[:])
		if n > maxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				rec.Truncated = true
				break
			}
			return nil, err
		}

		var frame Frame
		if err := msgpack.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}

		switch frame.Kind {
		case FrameFileHeader:
			if frame.Header != nil {
				rec.Header = *frame.Header
				sawHeader = true
			}
		case FrameStreamHeader:
			if frame.Stream != nil {
				s := &RecordedStream{ID: frame.Stream.ID, Descriptor: frame.Stream.Descriptor}
				byID[s.ID] = s
				rec.Streams = append(rec.Streams, s)
			}
		case FrameSamples:
			if frame.Samples == nil {
				continue
			}
			s, ok := byID[frame.Samples.ID]
			if !ok {
				return nil, fmt.Errorf("samples for undeclared stream %d", frame.Samples.ID)
			}
			s.Samples = append(s.Samples, frame.Samples)
			s.Rows += uint64(len(frame.Samples.Rows))
		case FrameFooter:
			rec.Footer = frame.Footer
		}
	}

	if !sawHeader {
		return nil, errors.New("recording has no file header")
	}
	return rec, nil
}
