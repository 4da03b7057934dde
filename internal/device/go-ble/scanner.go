package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/device"
)

// Transport implements device.Transport on top of go-ble
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble transport. The HCI/CoreBluetooth device is
// created lazily on first use.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	t.dev = dev
	return dev, nil
}

// Discover scans until match accepts an advertisement or ctx is done.
// Context expiry is returned as the context error so callers can tell a
// timeout apart from a cancellation.
func (t *Transport) Discover(ctx context.Context, match func(device.Advertisement) bool) (device.Advertisement, error) {
	dev, err := t.device()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		found device.Advertisement
	)

	t.logger.Info("Scanning for headset...")
	err = dev.Scan(scanCtx, false, func(a ble.Advertisement) {
		adv := NewBLEAdvertisement(a)

		mu.Lock()
		defer mu.Unlock()
		if found != nil || !match(adv) {
			return
		}
		found = adv
		t.logger.WithFields(logrus.Fields{
			"name":    adv.LocalName(),
			"address": adv.Addr(),
			"rssi":    adv.RSSI(),
		}).Info("Discovered headset")
		cancel()
	})

	mu.Lock()
	defer mu.Unlock()
	if found != nil {
		return found, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	return nil, fmt.Errorf("scan finished without a matching advertisement")
}
