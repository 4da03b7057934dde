// Package headset drives one Muse headset through its connection lifecycle
// and wires its notifications into the decoding and fan-out pipeline.
package headset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/device"
	"github.com/srg/musestream/internal/groutine"
	"github.com/srg/musestream/internal/outlet"
	"github.com/srg/musestream/internal/recorder"
	"github.com/srg/musestream/internal/rssi"
	"github.com/srg/musestream/internal/stream"
)

// Identity is the resolved peer of a live connection
type Identity struct {
	Address string
	Name    string
}

type attempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Device is a single headset connection.
//
// Lifecycle:
//
//	Disconnected -> Connecting -> Connected -> Streaming -> Disconnecting -> Disconnected
//
// Connect and Disconnect are safe from every state and from any goroutine;
// calls that find the device already in the requested condition are no-ops.
type Device struct {
	transport device.Transport
	opts      Options
	logger    *logrus.Logger

	groups   []*stream.ChannelGroup
	descs    []*stream.Descriptor
	rssiDesc *stream.Descriptor
	pipeline *stream.Pipeline
	fanout   *outlet.Fanout
	events   *eventQueue

	mu           sync.Mutex
	state        State
	session      uint64
	attempt      *attempt
	teardownDone chan struct{}
	identity     Identity
	link         device.Link
	sampler      *rssi.Sampler
	recorder     *recorder.Recorder
	stopMonitor  context.CancelFunc
}

// New creates a disconnected device using transport for BLE access
func New(transport device.Transport, opts Options, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	d := &Device{
		transport: transport,
		opts:      opts,
		logger:    logger,
		groups:    []*stream.ChannelGroup{EEGGroup(), PPGGroup()},
		events:    newEventQueue(opts.EventBuffer),
	}

	eeg := NewDescriptor(d.groups[0], "muse-eeg", "microvolt", opts.MaxBuffered)
	ppg := NewDescriptor(d.groups[1], "muse-s-ppg", "N/A", opts.MaxBuffered)
	d.rssiDesc = rssi.NewDescriptor(opts.RSSIInterval, opts.MaxBuffered, "muse-rssi")
	d.descs = []*stream.Descriptor{eeg, ppg, d.rssiDesc}

	d.pipeline = stream.NewPipeline(d.groups, map[string]*stream.Descriptor{
		EEGStream: eeg,
		PPGStream: ppg,
	}, opts.StaleRows, d.report, logger)
	d.fanout = outlet.New(d.report, logger)
	d.pipeline.Attach(d.fanout)

	return d
}

// Connect discovers the headset, connects and starts streaming. It returns
// nil without doing anything when a connection exists or is in progress, and
// a busy ConnectionError while a disconnect is still running.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case Disconnected:
	case Disconnecting:
		d.mu.Unlock()
		d.logger.Debug("Connect rejected, disconnect in progress")
		return &device.ConnectionError{State: device.Busy, Msg: "disconnect in progress"}
	default:
		state := d.state
		d.mu.Unlock()
		d.logger.WithField("state", state).Debug("Connect ignored")
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel, done: make(chan struct{})}
	d.attempt = a
	d.session++
	session := d.session
	_ = d.transitionLocked(Connecting)
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		// a failed attempt unlocks before this runs; a newer Connect may own d.attempt
		if d.attempt == a {
			d.attempt = nil
		}
		d.mu.Unlock()
		close(a.done)
	}()

	adv, link, err := d.establish(attemptCtx)
	if err != nil {
		d.mu.Lock()
		_ = d.transitionLocked(Disconnected)
		d.mu.Unlock()
		d.logger.WithError(err).Error("Failed to connect")
		return err
	}

	if err := d.startStreaming(attemptCtx, session, adv, link); err != nil {
		d.teardown(session, false)
		d.logger.WithError(err).Error("Failed to start streaming")
		return err
	}
	return nil
}

// establish runs discovery (bounded by ConnectTimeout) and dials the match
func (d *Device) establish(ctx context.Context) (device.Advertisement, device.Link, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	adv, err := d.transport.Discover(discoverCtx, d.matches)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, nil, &device.ConnectionError{State: device.Cancelled, Msg: "discovery cancelled", Err: ctx.Err()}
		case errors.Is(discoverCtx.Err(), context.DeadlineExceeded):
			return nil, nil, &device.ConnectionError{
				State: device.DiscoveryTimeout,
				Msg:   fmt.Sprintf("no headset matching %q within %v", d.target(), d.opts.ConnectTimeout),
			}
		}
		var cerr *device.ConnectionError
		if errors.As(err, &cerr) {
			return nil, nil, err
		}
		return nil, nil, &device.ConnectionError{State: device.LinkFailed, Msg: "discovery failed", Err: err}
	}

	d.logger.WithFields(logrus.Fields{
		"name":    adv.LocalName(),
		"address": adv.Addr(),
		"rssi":    adv.RSSI(),
	}).Info("Headset found, connecting...")

	link, err := d.transport.Dial(ctx, adv.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, &device.ConnectionError{State: device.Cancelled, Msg: "connect cancelled", Err: ctx.Err()}
		}
		return nil, nil, &device.ConnectionError{State: device.LinkFailed, Msg: fmt.Sprintf("dial %s", adv.Addr()), Err: err}
	}

	var missing []string
	for _, g := range d.groups {
		for _, ch := range g.Channels {
			if !link.HasCharacteristic(ch.UUID) {
				missing = append(missing, ch.UUID)
			}
		}
	}
	if len(missing) > 0 {
		_ = link.Close()
		return nil, nil, &device.ConnectionError{
			State: device.LinkFailed,
			Msg:   "peer does not expose the headset sensor characteristics",
			Err:   &device.NotFoundError{Resource: "characteristic", UUIDs: missing},
		}
	}

	if ctx.Err() != nil {
		_ = link.Close()
		return nil, nil, &device.ConnectionError{State: device.Cancelled, Msg: "connect cancelled", Err: ctx.Err()}
	}
	return adv, link, nil
}

func (d *Device) matches(adv device.Advertisement) bool {
	if id := strings.TrimSpace(d.opts.DeviceIdentifier); id != "" {
		return strings.EqualFold(adv.Addr(), id) || adv.LocalName() == id
	}
	return strings.Contains(adv.LocalName(), d.opts.ExpectedName)
}

func (d *Device) target() string {
	if d.opts.DeviceIdentifier != "" {
		return d.opts.DeviceIdentifier
	}
	return d.opts.ExpectedName
}

// startStreaming moves a fresh link through Connected into Streaming
func (d *Device) startStreaming(ctx context.Context, session uint64, adv device.Advertisement, link device.Link) error {
	name := adv.LocalName()
	if name == "" {
		name = link.Name()
	}

	d.mu.Lock()
	if ctx.Err() != nil {
		_ = d.transitionLocked(Disconnected)
		d.mu.Unlock()
		_ = link.Close()
		return &device.ConnectionError{State: device.Cancelled, Msg: "connect cancelled", Err: ctx.Err()}
	}
	d.link = link
	d.identity = Identity{Address: link.Address(), Name: name}
	d.pipeline.Start()
	_ = d.transitionLocked(Connected)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	d.stopMonitor = stopMonitor
	d.mu.Unlock()

	groutine.Go(monitorCtx, "headset-link-monitor", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-link.Disconnected():
			d.handleLinkLoss(session)
		}
	})

	d.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": link.Address(),
	}).Info("Headset connected")

	if d.opts.RecordPath != "" {
		d.openRecorder(session)
	}

	for _, g := range d.groups {
		for i, ch := range g.Channels {
			streamType, index := g.Type, i
			err := link.Subscribe(ch.UUID, func(data []byte) {
				d.pipeline.Feed(streamType, index, data)
			})
			if err != nil {
				return d.interrupted(ctx, session, &device.ConnectionError{
					State: device.SubscribeFailed,
					Msg:   fmt.Sprintf("%s channel %s", g.Type, ch.Label),
					Err:   err,
				})
			}
		}
	}

	d.sendCommands(link, startCommands)

	sampler := rssi.NewSampler(link, d.opts.RSSIInterval, d.rssiDesc, d.pipeline.Publish, d.report, d.logger)

	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil || d.session != session {
		return d.interruptedLocked(ctx, session, nil)
	}
	if err := sampler.Start(context.Background()); err != nil {
		d.logger.WithError(err).Warn("RSSI sampler not started")
	} else {
		d.sampler = sampler
	}
	if err := d.transitionLocked(Streaming); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": link.Address(),
	}).Info("Headset streaming")
	return nil
}

func (d *Device) openRecorder(session uint64) {
	rec := recorder.New(d.opts.NewFrameSink(), d.opts.RecordPath, d.report, d.logger)

	meta := recorder.NewMetadata(d.descs...)
	d.mu.Lock()
	meta.Properties.Set("device_name", d.identity.Name)
	meta.Properties.Set("device_address", d.identity.Address)
	d.mu.Unlock()
	meta.Properties.Set("manufacturer", Manufacturer)
	meta.Properties.Set("model", Model)

	// a failed open has already been reported by the recorder
	if err := rec.Open(meta); err != nil {
		_ = rec.Close()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != session {
		_ = rec.Close()
		return
	}
	d.recorder = rec
	d.pipeline.Attach(rec)
}

// interrupted maps a failure during startup to the error Connect returns
func (d *Device) interrupted(ctx context.Context, session uint64, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interruptedLocked(ctx, session, err)
}

func (d *Device) interruptedLocked(ctx context.Context, session uint64, err error) error {
	switch {
	case ctx.Err() != nil:
		return &device.ConnectionError{State: device.Cancelled, Msg: "connect cancelled", Err: ctx.Err()}
	case d.session != session:
		return &device.ConnectionError{State: device.LinkLost, Msg: "link lost while starting the stream"}
	default:
		return err
	}
}

func (d *Device) sendCommands(link device.Link, cmds []string) {
	if !link.HasCharacteristic(ControlUUID) {
		d.logger.Debug("No control characteristic, skipping commands")
		return
	}
	for _, cmd := range cmds {
		if err := link.Write(ControlUUID, EncodeCommand(cmd)); err != nil {
			d.logger.WithFields(logrus.Fields{
				"command": cmd,
				"error":   err,
			}).Warn("Failed to send control command")
			return
		}
		d.logger.WithField("command", cmd).Debug("Control command sent")
	}
}

func (d *Device) handleLinkLoss(session uint64) {
	if d.teardown(session, true) {
		d.logger.Warn("Headset link lost")
		d.report(&device.ConnectionError{State: device.LinkLost, Msg: "headset disconnected unexpectedly"})
		d.events.push(Event{Kind: EventUnsolicitedDisconnect, State: Disconnected})
	}
}

// Disconnect stops streaming and closes the link. An in-flight Connect is
// cancelled and awaited. Calling it while disconnected does nothing.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	a := d.attempt
	d.mu.Unlock()

	if a != nil {
		d.logger.Debug("Cancelling connection attempt")
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.teardown(0, false)
	return nil
}

// teardown releases every resource of the connection identified by session
// (0 for whichever is current) and leaves the device Disconnected. It reports
// false when another caller owned the teardown (it then waits for it) or there
// was nothing to tear down.
func (d *Device) teardown(session uint64, unsolicited bool) bool {
	d.mu.Lock()
	if session != 0 && session != d.session {
		d.mu.Unlock()
		return false
	}
	switch d.state {
	case Connected, Streaming:
	case Disconnecting:
		done := d.teardownDone
		d.mu.Unlock()
		if done != nil {
			<-done
		}
		return false
	default:
		d.mu.Unlock()
		return false
	}

	_ = d.transitionLocked(Disconnecting)
	done := make(chan struct{})
	d.teardownDone = done
	d.session++

	link, sampler, rec, stopMonitor := d.link, d.sampler, d.recorder, d.stopMonitor
	d.link, d.sampler, d.recorder, d.stopMonitor = nil, nil, nil, nil
	d.identity = Identity{}
	d.mu.Unlock()

	if stopMonitor != nil {
		stopMonitor()
	}
	if sampler != nil {
		sampler.Stop()
	}

	if link != nil && !unsolicited {
		d.sendCommands(link, stopCommands)
		for _, g := range d.groups {
			for _, ch := range g.Channels {
				if err := link.Unsubscribe(ch.UUID); err != nil {
					d.logger.WithFields(logrus.Fields{
						"char_uuid": ch.UUID,
						"error":     err,
					}).Debug("Unsubscribe failed")
				}
			}
		}
	}

	d.pipeline.Stop()

	if rec != nil {
		d.pipeline.Detach(rec)
		_ = rec.Close()
	}
	if link != nil {
		if err := link.Close(); err != nil {
			d.logger.WithError(err).Debug("Link close reported an error")
		}
	}

	d.mu.Lock()
	_ = d.transitionLocked(Disconnected)
	d.teardownDone = nil
	d.mu.Unlock()
	close(done)

	d.logger.WithField("unsolicited", unsolicited).Info("Headset disconnected")
	return true
}

// transitionLocked changes state and notifies observers; d.mu must be held
func (d *Device) transitionLocked(to State) error {
	from := d.state
	if err := CheckTransition(from, to); err != nil {
		d.logger.WithFields(logrus.Fields{
			"from": from,
			"to":   to,
		}).Error("Rejected state transition")
		return err
	}
	d.state = to
	d.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("State changed")
	d.events.push(Event{Kind: EventStateChanged, From: from, State: to})
	return nil
}

// report forwards a non-fatal condition to observers. Never takes d.mu.
func (d *Device) report(err error) {
	d.events.push(Event{Kind: EventError, Err: err})
}

// State returns the current lifecycle state
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) IsConnected() bool {
	s := d.State()
	return s == Connected || s == Streaming
}

func (d *Device) IsStreaming() bool {
	return d.State() == Streaming
}

// Identity returns the connected peer, or device.ErrNotConnected
func (d *Device) Identity() (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Connected && d.state != Streaming {
		return Identity{}, device.ErrNotConnected
	}
	return d.identity, nil
}

func (d *Device) Name() (string, error) {
	id, err := d.Identity()
	return id.Name, err
}

func (d *Device) Address() (string, error) {
	id, err := d.Identity()
	return id.Address, err
}

// Events returns the observer channel. Old events are dropped when nobody reads.
func (d *Device) Events() <-chan Event {
	return d.events.C()
}

// DroppedEvents returns how many events were lost to a slow observer
func (d *Device) DroppedEvents() int64 {
	return d.events.dropped()
}

// Outlets returns the fan-out publishing every stream of this device
func (d *Device) Outlets() *outlet.Fanout {
	return d.fanout
}

// Descriptors returns the EEG, PPG and RSSI stream descriptors
func (d *Device) Descriptors() []*stream.Descriptor {
	return d.descs
}

// Pending returns the number of rows buffered for streamType
func (d *Device) Pending(streamType string) int {
	return d.pipeline.Pending(streamType)
}

// Summary renders a one-line status
func (d *Device) Summary() string {
	d.mu.Lock()
	state, id, recording := d.state, d.identity, d.recorder != nil
	d.mu.Unlock()

	if state != Connected && state != Streaming {
		return fmt.Sprintf("%s (target %q)", state, d.target())
	}
	s := fmt.Sprintf("%s %s [%s], outlets=%d", state, id.Name, id.Address, len(d.fanout.Outlets("")))
	if recording {
		s += fmt.Sprintf(", recording to %s", d.opts.RecordPath)
	}
	return s
}
