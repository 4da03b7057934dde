package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/musestream/internal/device"
	goble "github.com/srg/musestream/internal/device/go-ble"
	"github.com/srg/musestream/internal/groutine"
	"github.com/srg/musestream/internal/headset"
	"github.com/srg/musestream/internal/outlet/wsoutlet"
	"github.com/srg/musestream/pkg/config"
	"golang.org/x/term"
)

const (
	statusInterval    = time.Second
	clearLineSequence = "\r\033[K"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Connect to a Muse headset and publish its streams",
	Long: `Discovers a Muse headset, starts its EEG and PPG sensors and publishes the
decoded streams until interrupted with Ctrl+C.

Each stream is served on a websocket endpoint:

  ws://<listen>/?stream=EEG
  ws://<listen>/?stream=PPG
  ws://<listen>/?stream=RSSI

A client receives the stream descriptor first, then every chunk as a msgpack
binary message. GET /streams lists the descriptors as JSON.`,
	Example: `  musestream stream
  musestream stream --device 00:55:DA:B7:1A:2B --record session.musrec
  musestream stream --listen :8765 --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runStream,
}

var (
	streamDevice         string
	streamRecord         string
	streamListen         string
	streamConnectTimeout time.Duration
	streamRSSIInterval   time.Duration
	streamVerbose        bool
)

// newTransport creates the BLE transport; tests substitute a fake
var newTransport = func(logger *logrus.Logger) device.Transport {
	return goble.NewTransport(logger)
}

func init() {
	streamCmd.Flags().StringVarP(&streamDevice, "device", "d", "", "Headset address or exact name (default: first device named Muse*)")
	streamCmd.Flags().StringVarP(&streamRecord, "record", "r", "", "Record every stream into this container file")
	streamCmd.Flags().StringVar(&streamListen, "listen", "", "Websocket outlet listen address (default 127.0.0.1:8765)")
	streamCmd.Flags().DurationVar(&streamConnectTimeout, "connect-timeout", 0, "Discovery timeout (default 10s)")
	streamCmd.Flags().DurationVar(&streamRSSIInterval, "rssi-interval", 0, "RSSI sampling interval (default 1s)")
	streamCmd.Flags().BoolVarP(&streamVerbose, "verbose", "V", false, "Verbose output")
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyStreamFlags(cmd, cfg)

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return streamSession(ctx, cfg, newTransport(logger), cmd.OutOrStdout(), logger)
}

func applyStreamFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.DeviceIdentifier = streamDevice
	}
	if flags.Changed("record") {
		cfg.RecordPath = streamRecord
	}
	if flags.Changed("listen") {
		cfg.ListenAddress = streamListen
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = streamConnectTimeout
	}
	if flags.Changed("rssi-interval") {
		cfg.RSSIInterval = streamRSSIInterval
	}
}

// streamSession serves the outlets, connects and streams until ctx is done or
// the headset goes away.
func streamSession(ctx context.Context, cfg *config.Config, transport device.Transport, out io.Writer, logger *logrus.Logger) error {
	dev := headset.New(transport, cfg.HeadsetOptions(), logger)
	server := wsoutlet.New(dev.Outlets(), dev.Descriptors(), logger)
	status := newStatusLine(out)

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("outlet listen on %s: %w", cfg.ListenAddress, err)
	}

	group := groutine.NewGroup(ctx)
	defer group.Stop()
	group.Go("ws-outlet-server", func(ctx context.Context) {
		if err := server.Serve(ctx, ln); err != nil {
			logger.WithError(err).Error("Outlet server stopped")
		}
	})

	var types []string
	for _, d := range dev.Descriptors() {
		types = append(types, d.Type)
	}
	status.println("Outlets on ws://%s/?stream=%s", ln.Addr(), strings.Join(types, "|"))
	status.println("%s", dev.Summary())

	var progress *ProgressPrinter
	if status.tty {
		progress = NewProgressPrinter(out, "Connecting to headset", "Discovering", cfg.ConnectTimeout)
		progress.Start()
	}
	err = dev.Connect(ctx)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func() {
		if err := dev.Disconnect(context.Background()); err != nil {
			logger.WithError(err).Warn("Disconnect failed")
		}
		status.println("%s headset disconnected", color.New(color.FgYellow).Sprint("■"))
	}()

	status.println("%s %s", color.New(color.FgGreen).Sprint("●"), dev.Summary())

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-dev.Events():
			switch e.Kind {
			case headset.EventError:
				status.println("%s %v", color.New(color.FgYellow).Sprint("!"), e.Err)
			case headset.EventUnsolicitedDisconnect:
				status.println("%s headset dropped the connection", color.New(color.FgRed).Sprint("✗"))
				return ErrConnectionLost
			case headset.EventStateChanged:
				logger.WithFields(logrus.Fields{
					"from": e.From,
					"to":   e.State,
				}).Debug("Headset state")
			}
		case <-ticker.C:
			status.update(dev.Summary())
		}
	}
}

// statusLine prints event lines and, on a terminal, keeps a live summary on
// the last line.
type statusLine struct {
	out io.Writer
	fd  int
	tty bool
}

func newStatusLine(out io.Writer) *statusLine {
	s := &statusLine{out: out}
	if f, ok := out.(*os.File); ok {
		s.fd = int(f.Fd())
		s.tty = term.IsTerminal(s.fd)
	}
	return s
}

func (s *statusLine) println(format string, args ...any) {
	if s.tty {
		fmt.Fprint(s.out, clearLineSequence)
	}
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *statusLine) update(summary string) {
	if !s.tty {
		return
	}
	if width, _, err := term.GetSize(s.fd); err == nil && width > 1 && len(summary) >= width {
		summary = summary[:width-1]
	}
	fmt.Fprint(s.out, clearLineSequence+summary)
}
