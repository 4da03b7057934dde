//go:build test

package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/musestream/internal/device"
)

// FakeAdvertisement is a static device.Advertisement
type FakeAdvertisement struct {
	Name    string
	Address string
	Rssi    int
	UUIDs   []string
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) Addr() string       { return a.Address }
func (a *FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a *FakeAdvertisement) Services() []string { return a.UUIDs }

// FakeTransport is an in-memory device.Transport.
//
// Discover returns the first matching advertisement or blocks until the
// context is done, like a scan that never sees the device. Dial hands out the
// link registered for the address.
type FakeTransport struct {
	mu          sync.Mutex
	ads         []*FakeAdvertisement
	links       map[string]*FakeLink
	discoverErr error
	dialErr     error
	dialBlock   bool
	discovers   int
	dials       int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{links: map[string]*FakeLink{}}
}

// WithPeripheral advertises name/address and serves link on Dial
func (t *FakeTransport) WithPeripheral(name, address string, link *FakeLink) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ads = append(t.ads, &FakeAdvertisement{Name: name, Address: address, Rssi: -55, UUIDs: []string{"fe8d"}})
	t.links[address] = link
	return t
}

// WithAdvertisement adds an advertiser that cannot be dialled
func (t *FakeTransport) WithAdvertisement(ad *FakeAdvertisement) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ads = append(t.ads, ad)
	return t
}

// SetLink replaces the link served for address (e.g. for a reconnect)
func (t *FakeTransport) SetLink(address string, link *FakeLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[address] = link
}

func (t *FakeTransport) FailDiscover(err error) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverErr = err
	return t
}

func (t *FakeTransport) FailDial(err error) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
	return t
}

// BlockDial makes Dial wait for its context
func (t *FakeTransport) BlockDial() *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialBlock = true
	return t
}

func (t *FakeTransport) Discovers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discovers
}

func (t *FakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *FakeTransport) Discover(ctx context.Context, match func(device.Advertisement) bool) (device.Advertisement, error) {
	t.mu.Lock()
	t.discovers++
	err := t.discoverErr
	ads := append([]*FakeAdvertisement(nil), t.ads...)
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, a := range ads {
		if match(a) {
			return a, nil
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *FakeTransport) Dial(ctx context.Context, address string) (device.Link, error) {
	t.mu.Lock()
	t.dials++
	err, block := t.dialErr, t.dialBlock
	link, ok := t.links[address]
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no such peripheral")
	}
	return link, nil
}

// Write is one recorded characteristic write
type Write struct {
	UUID string
	Data []byte
}

// FakeLink is an in-memory device.Link
type FakeLink struct {
	address string
	name    string

	mu           sync.Mutex
	chars        map[string]bool
	handlers     map[string]device.NotificationHandler
	subscribeErr map[string]error
	writes       []Write
	unsubscribed []string
	rssi         int
	rssiErr      error
	closed       bool
	closes       int
	closeGate    chan struct{}
	disconnected chan struct{}
}

// NewFakeLink creates a link exposing the given characteristics
func NewFakeLink(address, name string, chars ...string) *FakeLink {
	l := &FakeLink{
		address:      address,
		name:         name,
		chars:        map[string]bool{},
		handlers:     map[string]device.NotificationHandler{},
		subscribeErr: map[string]error{},
		rssi:         -60,
		disconnected: make(chan struct{}),
	}
	for _, c := range chars {
		l.chars[device.NormalizeUUID(c)] = true
	}
	return l
}

func (l *FakeLink) Address() string { return l.address }
func (l *FakeLink) Name() string    { return l.name }

func (l *FakeLink) HasCharacteristic(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chars[device.NormalizeUUID(uuid)]
}

// FailSubscribe makes Subscribe on uuid fail with err
func (l *FakeLink) FailSubscribe(uuid string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeErr[device.NormalizeUUID(uuid)] = err
}

func (l *FakeLink) Subscribe(uuid string, handler device.NotificationHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := device.NormalizeUUID(uuid)
	if l.closed {
		return device.ErrNotConnected
	}
	if !l.chars[key] {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	if err := l.subscribeErr[key]; err != nil {
		return err
	}
	l.handlers[key] = handler
	return nil
}

func (l *FakeLink) Unsubscribe(uuid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := device.NormalizeUUID(uuid)
	delete(l.handlers, key)
	l.unsubscribed = append(l.unsubscribed, key)
	return nil
}

func (l *FakeLink) Write(uuid string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrNotConnected
	}
	l.writes = append(l.writes, Write{UUID: device.NormalizeUUID(uuid), Data: append([]byte(nil), data...)})
	return nil
}

func (l *FakeLink) SetRSSI(v int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rssi, l.rssiErr = v, err
}

func (l *FakeLink) ReadRSSI() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rssi, l.rssiErr
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Drop simulates the peer going away
func (l *FakeLink) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markClosedLocked()
}

// BlockClose makes Close wait until the returned release func is called
func (l *FakeLink) BlockClose() (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	l.mu.Lock()
	l.closeGate = gate
	l.mu.Unlock()
	return func() { once.Do(func() { close(gate) }) }
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	gate := l.closeGate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	l.markClosedLocked()
	return nil
}

func (l *FakeLink) markClosedLocked() {
	if !l.closed {
		l.closed = true
		l.handlers = map[string]device.NotificationHandler{}
		close(l.disconnected)
	}
}

// Notify delivers data to the handler subscribed on uuid. Reports false when
// nothing is subscribed.
func (l *FakeLink) Notify(uuid string, data []byte) bool {
	l.mu.Lock()
	h, ok := l.handlers[device.NormalizeUUID(uuid)]
	l.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

func (l *FakeLink) Subscribed(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[device.NormalizeUUID(uuid)]
	return ok
}

func (l *FakeLink) Writes() []Write {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Write(nil), l.writes...)
}

func (l *FakeLink) Unsubscribed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unsubscribed...)
}

func (l *FakeLink) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}
