//go:build test

package main

import (
	"strings"
	"testing"
	"time"
)

func TestProgressPrinterCountdown(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "Connecting to headset", "Discovering", 10*time.Second)
	p.Start()

	if got := out.String(); !strings.Contains(got, "\rConnecting to headset (Discovering 10s)") {
		t.Fatalf("first redraw MUST happen on Start, got %q", got)
	}

	p.SetPhase("Subscribing")
	time.Sleep(3 * progressUpdateInterval)
	p.Stop()
	p.Stop()

	got := out.String()
	if !strings.Contains(got, "(Subscribing ") {
		t.Errorf("phase change MUST show on the next redraw, got %q", got)
	}
	if !strings.HasSuffix(got, clearLineSequence) {
		t.Errorf("Stop MUST clear the line, got %q", got)
	}
}

func TestProgressPrinterExpiredCountdown(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "Scanning for headsets", "Scanning", time.Nanosecond)
	p.Start()
	p.Stop()

	if got := out.String(); !strings.Contains(got, "(Scanning...)") {
		t.Errorf("expired countdown MUST fall back to ellipsis, got %q", got)
	}
}

func TestProgressPrinterStopWithoutStart(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "x", "y", 0)
	p.Stop()
	if out.String() != "" {
		t.Errorf("Stop before Start MUST NOT print, got %q", out.String())
	}
}

func TestProgressPrinterDoubleStartPanics(t *testing.T) {
	p := NewProgressPrinter(&syncBuffer{}, "x", "y", 0)
	p.Start()
	defer p.Stop()

	defer func() {
		if recover() == nil {
			t.Error("second Start MUST panic")
		}
	}()
	p.Start()
}
