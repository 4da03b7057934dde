package headset

import (
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/musestream/internal/recorder"
)

// Options configures a Device. Zero fields take the defaults below.
type Options struct {
	// DeviceIdentifier selects the headset by address or exact local name.
	// Empty means the first device whose name contains ExpectedName.
	DeviceIdentifier string
	ExpectedName     string        `default:"Muse"`
	ConnectTimeout   time.Duration `default:"10s"`
	RSSIInterval     time.Duration `default:"1s"`

	// RecordPath enables recording of every streaming session to this file
	RecordPath string

	MaxBuffered int `default:"360"`
	StaleRows   int `default:"48"`
	EventBuffer int `default:"64"`

	// NewFrameSink creates the container writer for a recording session
	NewFrameSink func() recorder.FrameSink
}

func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	if o.NewFrameSink == nil {
		o.NewFrameSink = recorder.NewAsyncFileWriter
	}
	return o
}
