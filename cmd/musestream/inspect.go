package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/musestream/internal/recorder"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <recording>",
	Short: "Summarise a recorded session",
	Long: `Reads a container written by "musestream stream --record" and prints its
session metadata and, per stream, the number of chunks and samples and the
covered duration. Recordings cut short by a crash are read up to the last
complete frame.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var inspectJSON bool

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
}

// RecordingSummary is the inspect report of one container
type RecordingSummary struct {
	Path       string              `json:"path"`
	Session    string              `json:"session"`
	Created    time.Time           `json:"created"`
	Closed     *time.Time          `json:"closed,omitempty"`
	Truncated  bool                `json:"truncated"`
	Properties []recorder.Property `json:"properties"`
	Streams    []StreamSummary     `json:"streams"`
}

// StreamSummary is the inspect report of one recorded stream
type StreamSummary struct {
	ID         int      `json:"id"`
	Type       string   `json:"type"`
	Name       string   `json:"name"`
	Channels   []string `json:"channels"`
	Rate       float64  `json:"rate"`
	Unit       string   `json:"unit"`
	Chunks     int      `json:"chunks"`
	Samples    uint64   `json:"samples"`
	FirstIndex uint64   `json:"first_index"`
	Duration   float64  `json:"duration_seconds"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	rec, err := recorder.ReadContainer(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	summary := summarize(args[0], rec)

	if inspectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	renderSummary(cmd.OutOrStdout(), summary)
	return nil
}

func summarize(path string, rec *recorder.Recording) *RecordingSummary {
	s := &RecordingSummary{
		Path:       path,
		Session:    rec.Header.Session,
		Created:    rec.Header.Created,
		Truncated:  rec.Truncated,
		Properties: rec.Header.Properties,
	}
	if rec.Footer != nil {
		closed := rec.Footer.Closed
		s.Closed = &closed
	}

	for _, rs := range rec.Streams {
		ss := StreamSummary{ID: rs.ID, Chunks: len(rs.Samples), Samples: rs.Rows}
		if d := rs.Descriptor; d != nil {
			ss.Type, ss.Name, ss.Channels, ss.Rate, ss.Unit = d.Type, d.Name, d.Channels, d.Rate, d.Unit
		}
		if len(rs.Samples) > 0 {
			first, last := rs.Samples[0], rs.Samples[len(rs.Samples)-1]
			ss.FirstIndex = first.FirstIndex
			if ss.Rate > 0 {
				end := last.FirstIndex + uint64(len(last.Rows))
				ss.Duration = float64(end-first.FirstIndex) / ss.Rate
			}
		}
		s.Streams = append(s.Streams, ss)
	}
	return s
}

func renderSummary(w io.Writer, s *RecordingSummary) {
	label := color.New(color.Bold)
	fmt.Fprintf(w, "%s %s\n", label.Sprint("Recording:"), s.Path)
	fmt.Fprintf(w, "%s   %s\n", label.Sprint("Session:"), s.Session)
	fmt.Fprintf(w, "%s   %s\n", label.Sprint("Created:"), s.Created.Format(time.RFC3339))

	switch {
	case s.Closed != nil:
		fmt.Fprintf(w, "%s    %s %s\n", label.Sprint("Status:"), color.GreenString("closed"), s.Closed.Format(time.RFC3339))
	case s.Truncated:
		fmt.Fprintf(w, "%s    %s\n", label.Sprint("Status:"), color.RedString("truncated (ends inside a frame)"))
	default:
		fmt.Fprintf(w, "%s    %s\n", label.Sprint("Status:"), color.YellowString("not closed"))
	}

	if len(s.Properties) > 0 {
		fmt.Fprintf(w, "\n%s\n", label.Sprint("Properties:"))
		for _, p := range s.Properties {
			fmt.Fprintf(w, "  %-16s %s\n", p.Key, p.Value)
		}
	}

	fmt.Fprintf(w, "\n%s\n", label.Sprint("Streams:"))
	for _, st := range s.Streams {
		fmt.Fprintf(w, "  [%d] %s  %s\n", st.ID, color.CyanString("%-4s", st.Type), st.Name)
		fmt.Fprintf(w, "      channels: %s @ %g Hz, unit %s\n", strings.Join(st.Channels, ", "), st.Rate, st.Unit)
		fmt.Fprintf(w, "      chunks: %d, samples: %d, duration: %.2fs\n", st.Chunks, st.Samples, st.Duration)
	}
}
