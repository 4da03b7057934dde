// Package device defines the transport-facing abstractions used by the headset
// bridge: peripheral discovery, links with notification subscription and RSSI
// reads, plus the structured connection errors shared by every layer.
//
// The go-ble backed implementation lives in the goble subpackage; tests use the
// fakes from internal/testutils.
package device
