//go:build test

package main

import (
	"bytes"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"github.com/srg/musestream/internal/headset"
	"github.com/srg/musestream/internal/recorder"
	"github.com/srg/musestream/internal/stream"
	"github.com/srg/musestream/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test headset identity shared by the command suites
const (
	TestHeadsetName    = "Muse-S-1A2B"
	TestHeadsetAddress = "00:55:da:b7:1a:2b"
)

// CommandTestSuite provides command execution utilities.
// All cmd/musestream test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// MuseLink returns a fake link exposing the full headset GATT layout
func (s *CommandTestSuite) MuseLink() *testutils.FakeLink {
	chars := []string{headset.ControlUUID}
	for _, g := range []*stream.ChannelGroup{headset.EEGGroup(), headset.PPGGroup()} {
		for _, ch := range g.Channels {
			chars = append(chars, ch.UUID)
		}
	}
	return testutils.NewFakeLink(TestHeadsetAddress, TestHeadsetName, chars...)
}

// WriteRecording writes a small closed container with eegChunks EEG chunks
// of 12 rows and one RSSI chunk, and returns its path.
func (s *CommandTestSuite) WriteRecording(eegChunks int) string {
	eeg := headset.NewDescriptor(headset.EEGGroup(), "muse-eeg", "microvolt", 360)
	rssi := &stream.Descriptor{Name: "Muse RSSI", Type: "RSSI", Channels: []string{"RSSI"}, Rate: 1, Unit: "dBm", ChunkSize: 1}

	meta := recorder.NewMetadata(eeg, rssi)
	meta.Properties.Set("device_name", TestHeadsetName)
	meta.Properties.Set("device_address", TestHeadsetAddress)

	path := filepath.Join(s.T().TempDir(), "session.musrec")
	r := recorder.New(recorder.NewFileWriter(), path, func(err error) { s.Fail("recorder error", err.Error()) }, s.Helper.Logger)
	s.Require().NoError(r.Open(meta))

	for i := 0; i < eegChunks; i++ {
		rows := make([][]float64, 12)
		for j := range rows {
			rows[j] = []float64{0, 1, 2, 3, 4}
		}
		first := uint64(i * 12)
		r.Consume(eeg, &stream.Chunk{Stream: "EEG", FirstIndex: first, Timestamp: stream.TimestampAt(first, 256), Rows: rows})
	}
	r.Consume(rssi, &stream.Chunk{Stream: "RSSI", Rows: [][]float64{{-61}}})
	s.Require().NoError(r.Close())
	return path
}

// syncBuffer is a bytes.Buffer safe for one writer goroutine and readers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
