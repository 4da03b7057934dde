package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found on the peer
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%ss %s not found", e.Resource, strings.Join(e.UUIDs, ", "))
}

// ConnectionState represents the specific kind of connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	DiscoveryTimeout ConnectionState = "discovery_timeout"
	LinkFailed       ConnectionState = "link_failed"
	SubscribeFailed  ConnectionState = "subscribe_failed"
	LinkLost         ConnectionState = "link_lost"
	Cancelled        ConnectionState = "cancelled"
	Busy             ConnectionState = "busy"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
	Err   error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.State)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", e.State, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying transport error
func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrDiscoveryTimeout = &ConnectionError{State: DiscoveryTimeout}
	ErrLinkFailed       = &ConnectionError{State: LinkFailed}
	ErrSubscribeFailed  = &ConnectionError{State: SubscribeFailed}
	ErrLinkLost         = &ConnectionError{State: LinkLost}
	ErrCancelled        = &ConnectionError{State: Cancelled}
	ErrBusy             = &ConnectionError{State: Busy}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is the subset of a BLE advertisement used for discovery
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string
}

// NotificationHandler receives raw notification payloads. The slice is only
// valid for the duration of the call.
type NotificationHandler func(data []byte)

// Transport discovers peripherals and opens links to them
type Transport interface {
	// Discover scans until match accepts an advertisement or ctx is done.
	Discover(ctx context.Context, match func(Advertisement) bool) (Advertisement, error)
	// Dial connects to address and resolves its GATT profile.
	Dial(ctx context.Context, address string) (Link, error)
}

// Link is one established connection to a peripheral
type Link interface {
	Address() string
	Name() string
	HasCharacteristic(uuid string) bool
	Subscribe(uuid string, handler NotificationHandler) error
	Unsubscribe(uuid string) error
	Write(uuid string, data []byte) error
	ReadRSSI() (int, error)
	// Disconnected is closed when the peer drops the link.
	Disconnected() <-chan struct{}
	Close() error
}
