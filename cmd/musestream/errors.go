package main

import (
	"errors"
	"fmt"

	"github.com/srg/musestream/internal/device"
	"github.com/srg/musestream/internal/recorder"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the headset dropped the link while streaming.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a headset that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error into a one-line message with a hint where
// the cause is something the user can fix.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable; enable it and try again"
	case errors.Is(err, device.ErrDiscoveryTimeout):
		return fmt.Sprintf("%v (is the headset powered on and not paired with another app?)", err)
	case errors.Is(err, device.ErrBusy):
		return fmt.Sprintf("%v (the Bluetooth adapter is busy, retry in a moment)", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection to the headset was lost"
	case errors.Is(err, recorder.ErrRecorderIO):
		return fmt.Sprintf("recording failed: %v", err)
	default:
		return err.Error()
	}
}
