package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "musestream",
	Short: "Muse headset EEG/PPG streaming bridge",
	Long: `Connects to a Muse S headset over Bluetooth Low Energy and republishes its
sensor data as time-stamped sample streams:

- EEG (TP9, AF7, AF8, TP10, AUX) at 256 Hz in chunks of 12 samples
- PPG (AMBIENT, INFRARED, RED) at 64 Hz in chunks of 6 samples
- Link RSSI at 1 Hz

Streams are served to websocket clients and can be recorded into a single
container file for later analysis; see the stream and inspect commands.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("musestream {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(scanCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
