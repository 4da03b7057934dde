//go:build test

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/srg/musestream/internal/recorder"
	"github.com/srg/musestream/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// InspectTestSuite tests the inspect command functionality
type InspectTestSuite struct {
	CommandTestSuite
	originalJSON    bool
	originalNoColor bool
}

func (suite *InspectTestSuite) SetupSuite() {
	suite.originalJSON = inspectJSON
	suite.originalNoColor = color.NoColor
	color.NoColor = true
}

func (suite *InspectTestSuite) TearDownSuite() {
	inspectJSON = suite.originalJSON
	color.NoColor = suite.originalNoColor
}

func (suite *InspectTestSuite) SetupTest() {
	suite.CommandTestSuite.SetupTest()
	inspectJSON = false
}

func (suite *InspectTestSuite) TestRenderSummary() {
	// GOAL: the text report lists session metadata, properties and per-stream totals
	//
	// TEST SCENARIO: fixed summary → rendered text matches the expected layout

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	closed := created.Add(90 * time.Second)
	summary := &RecordingSummary{
		Path:    "session.musrec",
		Session: "5f0e6a2c-1111-4c4d-8000-000000000001",
		Created: created,
		Closed:  &closed,
		Properties: []recorder.Property{
			{Key: "device_name", Value: TestHeadsetName},
			{Key: "model", Value: "Muse S Gen 2"},
		},
		Streams: []StreamSummary{
			{ID: 0, Type: "EEG", Name: "Muse S Gen 2 EEG", Channels: []string{"TP9", "AF7", "AF8", "TP10", "AUX"},
				Rate: 256, Unit: "microvolt", Chunks: 1920, Samples: 23040, Duration: 90},
			{ID: 1, Type: "RSSI", Name: "Muse RSSI", Channels: []string{"RSSI"}, Rate: 1, Unit: "dBm",
				Chunks: 90, Samples: 90, Duration: 90},
		},
	}

	out := &syncBuffer{}
	renderSummary(out, summary)

	testutils.NewTextAsserter(suite.T()).Assert(out.String(), `
Recording: session.musrec
Session:   5f0e6a2c-1111-4c4d-8000-000000000001
Created:   2026-03-01T10:00:00Z
Status:    closed 2026-03-01T10:01:30Z

Properties:
  device_name      Muse-S-1A2B
  model            Muse S Gen 2

Streams:
  [0] EEG   Muse S Gen 2 EEG
      channels: TP9, AF7, AF8, TP10, AUX @ 256 Hz, unit microvolt
      chunks: 1920, samples: 23040, duration: 90.00s
  [1] RSSI  Muse RSSI
      channels: RSSI @ 1 Hz, unit dBm
      chunks: 90, samples: 90, duration: 90.00s`[1:])
}

func (suite *InspectTestSuite) TestInspectJSON() {
	// GOAL: --json reports the recorded container as a machine-readable summary
	//
	// TEST SCENARIO: write 3 EEG chunks + 1 RSSI chunk → inspect --json → counts, durations and properties match

	path := suite.WriteRecording(3)

	output, err := suite.ExecuteCommand(rootCmd, "inspect", "--json", path)
	suite.Require().NoError(err, "inspect MUST succeed")

	testutils.NewJSONAsserter(suite.T()).Assert(output, `{
		"path": "`+path+`",
		"session": "<<PRESENCE>>",
		"created": "<<PRESENCE>>",
		"closed": "<<PRESENCE>>",
		"truncated": false,
		"properties": [
			{"key": "device_name", "value": "Muse-S-1A2B"},
			{"key": "device_address", "value": "00:55:da:b7:1a:2b"}
		],
		"streams": [
			{"id": 0, "type": "EEG", "rate": 256, "unit": "microvolt", "chunks": 3, "samples": 36, "first_index": 0, "duration_seconds": 0.140625},
			{"id": 1, "type": "RSSI", "rate": 1, "unit": "dBm", "chunks": 1, "samples": 1, "duration_seconds": 1}
		]
	}`)
}

func (suite *InspectTestSuite) TestInspectTruncatedRecording() {
	// GOAL: a recording cut inside a frame is still summarised and flagged
	//
	// TEST SCENARIO: chop the tail of a container → inspect → status truncated, earlier chunks still counted

	path := suite.WriteRecording(4)
	data, err := os.ReadFile(path)
	suite.Require().NoError(err)
	cut := filepath.Join(filepath.Dir(path), "cut.musrec")
	suite.Require().NoError(os.WriteFile(cut, data[:len(data)-7], 0o644))

	output, err := suite.ExecuteCommand(rootCmd, "inspect", cut)
	suite.Require().NoError(err)
	suite.Contains(output, "truncated (ends inside a frame)")
	suite.Contains(output, "chunks: 4, samples: 48")
}

func (suite *InspectTestSuite) TestInspectErrors() {
	_, err := suite.ExecuteCommand(rootCmd, "inspect", filepath.Join(suite.T().TempDir(), "missing.musrec"))
	suite.Error(err, "missing file MUST fail")

	foreign := filepath.Join(suite.T().TempDir(), "notes.txt")
	suite.Require().NoError(os.WriteFile(foreign, []byte("hello world, not a recording"), 0o644))
	_, err = suite.ExecuteCommand(rootCmd, "inspect", foreign)
	suite.ErrorContains(err, "bad magic")

	_, err = suite.ExecuteCommand(rootCmd, "inspect")
	suite.Error(err, "missing argument MUST fail")
}

func TestInspectTestSuite(t *testing.T) {
	suite.Run(t, new(InspectTestSuite))
}
