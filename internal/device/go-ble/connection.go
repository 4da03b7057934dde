package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/device"
	"github.com/srg/musestream/internal/groutine"
)

// Dial connects to address and discovers its GATT profile
func (t *Transport) Dial(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := t.device()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	t.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	return newBLELink(address, client, profile, t.logger), nil
}

// BLELink represents a live go-ble connection
type BLELink struct {
	address string
	client  ble.Client
	logger  *logrus.Logger
	chars   map[string]*ble.Characteristic

	writeMutex sync.Mutex
	subMutex   sync.Mutex
	subscribed map[string]bool

	closeOnce    sync.Once
	closeErr     error
	disconnected chan struct{}
}

func newBLELink(address string, client ble.Client, profile *ble.Profile, logger *logrus.Logger) *BLELink {
	l := &BLELink{
		address:      address,
		client:       client,
		logger:       logger,
		chars:        make(map[string]*ble.Characteristic),
		subscribed:   make(map[string]bool),
		disconnected: make(chan struct{}),
	}

	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			l.chars[device.NormalizeUUID(c.UUID.String())] = c
		}
	}

	// CoreBluetooth/HCI report remote disconnects through the client channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.WithField("address", address).Warn("Peer reported disconnection")
				l.markDisconnected()
			case <-l.disconnected:
			}
		})
	}

	logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(profile.Services),
		"characteristics": len(l.chars),
	}).Info("BLE device connected successfully")
	return l
}

func (l *BLELink) markDisconnected() {
	l.subMutex.Lock()
	defer l.subMutex.Unlock()
	select {
	case <-l.disconnected:
	default:
		close(l.disconnected)
	}
}

func (l *BLELink) Address() string {
	return l.address
}

func (l *BLELink) Name() string {
	return strings.TrimSpace(strings.TrimRight(l.client.Name(), "\x00"))
}

func (l *BLELink) HasCharacteristic(uuid string) bool {
	_, ok := l.chars[device.NormalizeUUID(uuid)]
	return ok
}

func (l *BLELink) characteristic(uuid string) (*ble.Characteristic, error) {
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return c, nil
}

// Subscribe enables notifications (or indications when notify is not offered)
func (l *BLELink) Subscribe(uuid string, handler device.NotificationHandler) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	if c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %s without notification support: %w", uuid, device.ErrUnsupported)
	}
	indicate := c.Property&ble.CharNotify == 0

	if err := NormalizeError(l.client.Subscribe(c, indicate, func(data []byte) { handler(data) })); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", uuid, err)
	}

	l.subMutex.Lock()
	l.subscribed[device.NormalizeUUID(uuid)] = true
	l.subMutex.Unlock()

	l.logger.WithField("char_uuid", uuid).Debug("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe tries both notify and indicate modes, failing only when both fail
func (l *BLELink) Unsubscribe(uuid string) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}

	err1 := NormalizeError(l.client.Unsubscribe(c, false))
	err2 := NormalizeError(l.client.Unsubscribe(c, true))

	l.subMutex.Lock()
	delete(l.subscribed, device.NormalizeUUID(uuid))
	l.subMutex.Unlock()

	if err1 != nil && err2 != nil {
		return fmt.Errorf("%s: notify=%v, indicate=%v", uuid, err1, err2)
	}
	return nil
}

// Write sends data without response, serialized per link
func (l *BLELink) Write(uuid string, data []byte) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if err := l.client.WriteCharacteristic(c, data, true); err != nil {
		return fmt.Errorf("failed to write to characteristic %s: %w", uuid, NormalizeError(err))
	}
	return nil
}

func (l *BLELink) ReadRSSI() (int, error) {
	select {
	case <-l.disconnected:
		return 0, device.ErrNotConnected
	default:
	}
	return l.client.ReadRSSI(), nil
}

func (l *BLELink) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Close cancels the connection once; later calls return the first result
func (l *BLELink) Close() error {
	l.closeOnce.Do(func() {
		l.markDisconnected()
		l.closeErr = NormalizeError(l.client.CancelConnection())
		if l.closeErr != nil {
			l.logger.WithField("error", l.closeErr).Warn("BLE device disconnected with errors")
		} else {
			l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
		}
	})
	return l.closeErr
}
