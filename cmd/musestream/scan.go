package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/musestream/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Muse headsets",
	Long: `Scan for nearby Bluetooth Low Energy devices and list the Muse headsets
among them with their addresses and signal strength.

Use the address with "musestream stream --device" when several headsets are
in range.`,
	Example: `  musestream scan
  musestream scan --duration 20s --all
  musestream scan --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "List every advertising device, not only headsets")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "V", false, "Verbose output")
}

// ScannedDevice is one advertiser seen during a scan
type ScannedDevice struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var progress *ProgressPrinter
	if newStatusLine(out).tty {
		progress = NewProgressPrinter(out, "Scanning for headsets", "Scanning", scanDuration)
		progress.Start()
	}

	filter := cfg.ExpectedName
	if scanAll {
		filter = ""
	}
	devices, err := scanDevices(ctx, newTransport(logger), scanDuration, filter, logger)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(out, devices)
	}
	return displayDevicesTable(out, devices)
}

// scanDevices listens for advertisements for the given duration and returns
// the advertisers whose name contains filter, strongest signal first. An empty
// filter keeps everything.
func scanDevices(ctx context.Context, transport device.Transport, duration time.Duration, filter string, logger *logrus.Logger) ([]ScannedDevice, error) {
	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	seen := orderedmap.New[string, ScannedDevice]()
	_, err := transport.Discover(scanCtx, func(a device.Advertisement) bool {
		if filter != "" && !strings.Contains(a.LocalName(), filter) {
			return false
		}
		if _, known := seen.Get(a.Addr()); !known {
			logger.WithFields(logrus.Fields{
				"name":    a.LocalName(),
				"address": a.Addr(),
				"rssi":    a.RSSI(),
			}).Debug("Advertisement")
		}
		seen.Set(a.Addr(), ScannedDevice{
			Name:     a.LocalName(),
			Address:  a.Addr(),
			RSSI:     a.RSSI(),
			Services: a.Services(),
		})
		return false
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	devices := make([]ScannedDevice, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		devices = append(devices, pair.Value)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices, nil
}

func displayDevicesTable(out io.Writer, devices []ScannedDevice) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, d.Address, d.RSSI, services)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []ScannedDevice) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
