//go:build test

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/musestream/internal/device"
	"github.com/srg/musestream/internal/headset"
	"github.com/srg/musestream/internal/recorder"
	"github.com/srg/musestream/internal/testutils"
	"github.com/srg/musestream/pkg/config"
	"github.com/stretchr/testify/suite"
)

// StreamTestSuite tests the stream command against a fake headset
type StreamTestSuite struct {
	CommandTestSuite
	link      *testutils.FakeLink
	transport *testutils.FakeTransport
	cfg       *config.Config
}

func (suite *StreamTestSuite) SetupTest() {
	suite.CommandTestSuite.SetupTest()
	suite.link = suite.MuseLink()
	suite.transport = testutils.NewFakeTransport().WithPeripheral(TestHeadsetName, TestHeadsetAddress, suite.link)
	suite.cfg = config.DefaultConfig()
	suite.cfg.ListenAddress = "127.0.0.1:0"
	suite.cfg.RSSIInterval = time.Hour
	suite.cfg.ConnectTimeout = 2 * time.Second
}

// startSession runs streamSession in the background and waits until the headset streams
func (suite *StreamTestSuite) startSession(ctx context.Context) (*syncBuffer, <-chan error) {
	out := &syncBuffer{}
	result := make(chan error, 1)
	go func() {
		result <- streamSession(ctx, suite.cfg, suite.transport, out, suite.Helper.Logger)
	}()

	suite.Require().True(suite.Helper.WaitFor(func() bool {
		return suite.link.Subscribed(headset.EEGTP9UUID) && strings.Contains(out.String(), "streaming "+TestHeadsetName)
	}, 2*time.Second), "session MUST reach streaming")
	return out, result
}

func (suite *StreamTestSuite) waitResult(result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(3 * time.Second):
		suite.FailNow("stream session did not return")
		return nil
	}
}

func (suite *StreamTestSuite) TestInterruptDisconnects() {
	// GOAL: Ctrl+C ends the session cleanly and releases the headset
	//
	// TEST SCENARIO: stream → cancel context → context.Canceled returned → link closed, halt sent → outlet URL printed

	ctx, cancel := context.WithCancel(context.Background())
	out, result := suite.startSession(ctx)

	cancel()
	err := suite.waitResult(result)

	suite.ErrorIs(err, context.Canceled, "interrupt MUST surface as context.Canceled")
	suite.Equal(1, suite.link.Closes(), "link MUST be closed")
	writes := suite.link.Writes()
	suite.Require().NotEmpty(writes)
	suite.Equal(headset.EncodeCommand(headset.CmdHalt), writes[len(writes)-1].Data, "halt MUST be sent on exit")
	suite.Contains(out.String(), "Outlets on ws://127.0.0.1:")
	suite.Contains(out.String(), "?stream=EEG|PPG|RSSI")
	suite.Contains(out.String(), "headset disconnected")
}

func (suite *StreamTestSuite) TestLinkLossEndsSession() {
	// GOAL: the headset dropping the link ends the session with ErrConnectionLost
	//
	// TEST SCENARIO: stream → peer drops → ErrConnectionLost → friendly error message

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, result := suite.startSession(ctx)

	suite.link.Drop()
	err := suite.waitResult(result)

	suite.ErrorIs(err, ErrConnectionLost)
	suite.Equal("connection to the headset was lost", FormatUserError(err))
	suite.Contains(out.String(), "headset dropped the connection")
}

func (suite *StreamTestSuite) TestRecordsSession() {
	suite.cfg.RecordPath = filepath.Join(suite.T().TempDir(), "cli.musrec")

	ctx, cancel := context.WithCancel(context.Background())
	_, result := suite.startSession(ctx)
	cancel()
	suite.ErrorIs(suite.waitResult(result), context.Canceled)

	rec, err := recorder.ReadContainer(suite.cfg.RecordPath)
	suite.Require().NoError(err)
	suite.NotNil(rec.Footer, "recording MUST be closed on exit")
	suite.Len(rec.Streams, 3)
}

func (suite *StreamTestSuite) TestDiscoveryTimeout() {
	suite.transport = testutils.NewFakeTransport()
	suite.cfg.ConnectTimeout = 50 * time.Millisecond

	err := streamSession(context.Background(), suite.cfg, suite.transport, &syncBuffer{}, suite.Helper.Logger)

	suite.ErrorIs(err, device.ErrDiscoveryTimeout)
	suite.Contains(FormatUserError(err), "is the headset powered on")
}

func (suite *StreamTestSuite) TestListenFailure() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	suite.Require().NoError(err)
	defer ln.Close()
	suite.cfg.ListenAddress = ln.Addr().String()

	err = streamSession(context.Background(), suite.cfg, suite.transport, &syncBuffer{}, suite.Helper.Logger)

	suite.ErrorContains(err, "outlet listen on")
	suite.Equal(0, suite.transport.Discovers(), "MUST NOT scan when outlets cannot be served")
}

func TestStreamTestSuite(t *testing.T) {
	suite.Run(t, new(StreamTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{device.ErrBluetoothOff, "Bluetooth is turned off or unavailable; enable it and try again"},
		{fmt.Errorf("wrapped: %w", ErrConnectionLost), "connection to the headset was lost"},
		{&recorder.Error{Op: "open", Path: "x.musrec", Err: errors.New("denied")}, "recording failed: recorder I/O failure: open x.musrec: denied"},
		{errors.New("plain"), "plain"},
	}
	for _, tt := range tests {
		if got := FormatUserError(tt.err); got != tt.want {
			t.Errorf("FormatUserError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestConfigureLogger(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().Bool("verbose", false, "")
		if err := cmd.Flags().Parse(args); err != nil {
			t.Fatal(err)
		}
		return cmd
	}

	logger, err := configureLogger(newCmd("--verbose"), "verbose", config.DefaultConfig())
	if err != nil || logger.GetLevel().String() != "debug" {
		t.Errorf("--verbose MUST select debug, got %v (%v)", logger, err)
	}

	logger, err = configureLogger(newCmd("--verbose", "--log-level", "warn"), "verbose", config.DefaultConfig())
	if err != nil || logger.GetLevel().String() != "warning" {
		t.Errorf("--log-level MUST take precedence, got %v (%v)", logger, err)
	}

	if _, err := configureLogger(newCmd("--log-level", "loud"), "verbose", config.DefaultConfig()); err == nil {
		t.Error("invalid log level MUST fail")
	}
}
