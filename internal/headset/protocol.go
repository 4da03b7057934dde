package headset

import (
	"github.com/srg/musestream/internal/stream"
)

// Muse S Gen 2 GATT layout
const (
	ServiceUUID = "fe8d"
	ControlUUID = "273e0001-4c4d-454d-96be-f03bac821358"

	EEGTP9UUID  = "273e0003-4c4d-454d-96be-f03bac821358"
	EEGAF7UUID  = "273e0004-4c4d-454d-96be-f03bac821358"
	EEGAF8UUID  = "273e0005-4c4d-454d-96be-f03bac821358"
	EEGTP10UUID = "273e0006-4c4d-454d-96be-f03bac821358"
	EEGAUXUUID  = "273e0007-4c4d-454d-96be-f03bac821358"

	PPGAmbientUUID  = "273e000f-4c4d-454d-96be-f03bac821358"
	PPGInfraredUUID = "273e0010-4c4d-454d-96be-f03bac821358"
	PPGRedUUID      = "273e0011-4c4d-454d-96be-f03bac821358"
)

const (
	Manufacturer = "Interaxon"
	Model        = "Muse S Gen 2"

	EEGStream = "EEG"
	PPGStream = "PPG"
)

// Control commands
const (
	CmdHalt     = "h"
	CmdPreset   = "p50"
	CmdStart    = "s"
	CmdStartAlt = "d"
)

var (
	startCommands = []string{CmdHalt, CmdPreset, CmdStart, CmdStartAlt}
	stopCommands  = []string{CmdHalt}
)

// EncodeCommand frames a control command as [len] cmd '\n' where len counts
// the bytes after itself.
func EncodeCommand(cmd string) []byte {
	buf := make([]byte, 0, len(cmd)+3)
	buf = append(buf, byte(len(cmd)+1))
	buf = append(buf, cmd...)
	buf = append(buf, '\n')
	return buf
}

// PacketCounterSize is the length of the sequence number that prefixes every
// sensor notification
const PacketCounterSize = 2

// EEGGroup returns the EEG channel group: after the packet counter, 12-bit
// samples carried as 16-bit little-endian words, centred at 2048 and scaled to
// microvolts.
func EEGGroup() *stream.ChannelGroup {
	return &stream.ChannelGroup{
		Name: Model + " EEG",
		Type: EEGStream,
		Channels: []stream.Channel{
			{Label: "TP9", UUID: EEGTP9UUID},
			{Label: "AF7", UUID: EEGAF7UUID},
			{Label: "AF8", UUID: EEGAF8UUID},
			{Label: "TP10", UUID: EEGTP10UUID},
			{Label: "AUX", UUID: EEGAUXUUID},
		},
		Rate:      256,
		Layout:    stream.Layout{Header: PacketCounterSize, Width: 2, Offset: 2048, Scale: 0.48828125},
		ChunkSize: 12,
	}
}

// PPGGroup returns the PPG channel group: after the packet counter, 24-bit
// unsigned little-endian samples
func PPGGroup() *stream.ChannelGroup {
	return &stream.ChannelGroup{
		Name: Model + " PPG",
		Type: PPGStream,
		Channels: []stream.Channel{
			{Label: "AMBIENT", UUID: PPGAmbientUUID},
			{Label: "INFRARED", UUID: PPGInfraredUUID},
			{Label: "RED", UUID: PPGRedUUID},
		},
		Rate:      64,
		Layout:    stream.Layout{Header: PacketCounterSize, Width: 3, Scale: 1},
		ChunkSize: 6,
	}
}

// NewDescriptor builds the outlet descriptor of a channel group
func NewDescriptor(g *stream.ChannelGroup, sourceID, unit string, maxBuffered int) *stream.Descriptor {
	return &stream.Descriptor{
		Name:         g.Name,
		Type:         g.Type,
		Channels:     g.Labels(),
		Rate:         g.Rate,
		Format:       "float32",
		SourceID:     sourceID,
		Manufacturer: Manufacturer,
		Model:        Model,
		Unit:         unit,
		ChunkSize:    g.ChunkSize,
		MaxBuffered:  maxBuffered,
	}
}
