package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/groutine"
)

// redialDelay spaces out dial attempts of an auto-reconnect link.
const redialDelay = time.Second

var errLinkClosed = errors.New("link closed")

type descKey struct {
	char device.Identity
	desc device.Identity
}

// link is one connection attempt. GATT primitives run one at a time on the
// link's own worker queue, since go-ble clients are not safe for overlapping
// requests; every outcome is reported through cb.
type link struct {
	dev     ble.Device
	address string
	auto    bool
	cb      device.LinkCallback
	logger  *logrus.Logger
	worker  *dispatch.Queue

	mu           sync.Mutex
	client       ble.Client
	cancelDial   context.CancelFunc
	closed       bool
	disconnected bool // a disconnect was requested; do not redial
	reconnecting bool // suppress the disconnect event of a deliberate reconnect

	services  map[device.Identity]*ble.Service
	chars     map[device.Identity]*ble.Characteristic
	descs     map[descKey]*ble.Descriptor
	notifying map[device.Identity]bool
}

var _ device.Link = (*link)(nil)

func newLink(dev ble.Device, address string, auto bool, cb device.LinkCallback, logger *logrus.Logger) *link {
	return &link{
		dev:       dev,
		address:   address,
		auto:      auto,
		cb:        cb,
		logger:    logger,
		worker:    dispatch.New("ble-link-"+address, logger),
		services:  make(map[device.Identity]*ble.Service),
		chars:     make(map[device.Identity]*ble.Characteristic),
		descs:     make(map[descKey]*ble.Descriptor),
		notifying: make(map[device.Identity]bool),
	}
}

func (l *link) log() *logrus.Entry {
	return l.logger.WithField("address", l.address)
}

// dial connects in the background and reports the outcome as a state change.
func (l *link) dial() {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancelDial = cancel
	l.mu.Unlock()

	groutine.Go(ctx, "ble-dial-"+l.address, func(ctx context.Context) {
		defer cancel()
		for {
			l.log().Debug("Dialing BLE device...")
			client, err := l.dev.Dial(ctx, ble.NewAddr(l.address))
			if err == nil {
				l.attach(client)
				return
			}

			l.log().WithField("error", err).Warn("Failed to dial BLE device")
			if !l.auto || ctx.Err() != nil || l.isDone() {
				l.cb.OnConnectionStateChange(device.GattStatusFailure, device.LinkDisconnected)
				return
			}
			select {
			case <-ctx.Done():
				l.cb.OnConnectionStateChange(device.GattStatusFailure, device.LinkDisconnected)
				return
			case <-time.After(redialDelay):
			}
		}
	})
}

func (l *link) attach(client ble.Client) {
	l.mu.Lock()
	if l.closed || l.disconnected {
		l.mu.Unlock()
		// the caller gave up while the dial was in flight
		_ = client.CancelConnection()
		l.cb.OnConnectionStateChange(device.GattStatusSuccess, device.LinkDisconnected)
		return
	}
	l.client = client
	l.reconnecting = false
	l.mu.Unlock()

	l.log().Info("BLE device connected")
	l.watch(client)
	l.cb.OnConnectionStateChange(device.GattStatusSuccess, device.LinkConnected)
}

// watch reports the end of client's connection exactly once.
func (l *link) watch(client ble.Client) {
	groutine.Go(context.Background(), "ble-link-monitor-"+l.address, func(context.Context) {
		<-client.Disconnected()

		l.mu.Lock()
		current := l.client == client
		if current {
			l.client = nil
		}
		reconnecting := l.reconnecting
		l.mu.Unlock()

		if !current || reconnecting {
			return
		}
		l.log().Info("BLE device disconnected")
		l.cb.OnConnectionStateChange(device.GattStatusSuccess, device.LinkDisconnected)
	})
}

func (l *link) isDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed || l.disconnected
}

func (l *link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLinkClosed
	}
	l.disconnected = true
	client := l.client
	cancel := l.cancelDial
	l.mu.Unlock()

	if client == nil {
		// still dialing: aborting the dial reports the disconnect
		if cancel != nil {
			cancel()
		}
		return nil
	}
	groutine.Go(context.Background(), "ble-disconnect-"+l.address, func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			l.log().WithField("error", err).Warn("Failed to cancel connection")
		}
	})
	return nil
}

// Reconnect drops the current connection and dials again without reporting
// the intermediate disconnect.
func (l *link) Reconnect() error {
	l.mu.Lock()
	if l.closed || l.disconnected {
		l.mu.Unlock()
		return errLinkClosed
	}
	client := l.client
	l.reconnecting = true
	l.services = make(map[device.Identity]*ble.Service)
	l.chars = make(map[device.Identity]*ble.Characteristic)
	l.descs = make(map[descKey]*ble.Descriptor)
	l.mu.Unlock()

	if client != nil {
		if err := client.CancelConnection(); err != nil {
			l.log().WithField("error", err).Debug("Cancel before reconnect failed")
		}
	}
	l.dial()
	return nil
}

func (l *link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	client := l.client
	l.client = nil
	cancel := l.cancelDial
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.worker.Stop()
	if client != nil {
		groutine.Go(context.Background(), "ble-close-"+l.address, func(context.Context) {
			_ = client.CancelConnection()
		})
	}
}

// run posts a GATT primitive to the worker, refusing it when not connected.
func (l *link) run(name string, fn func(client ble.Client)) error {
	l.mu.Lock()
	client := l.client
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return errLinkClosed
	}
	if client == nil {
		return device.ErrNotConnected
	}
	if !l.worker.Post(name, func() { fn(client) }) {
		return errLinkClosed
	}
	return nil
}

func statusOf(err error) int {
	if err != nil {
		return device.GattStatusFailure
	}
	return device.GattStatusSuccess
}

func (l *link) logFailure(op string, err error) {
	if err != nil {
		l.log().WithFields(logrus.Fields{"op": op, "error": NormalizeError(err)}).Warn("BLE operation failed")
	}
}

func (l *link) DiscoverServices() error {
	return l.run("discoverServices", func(client ble.Client) {
		found, err := client.DiscoverServices(nil)
		l.logFailure("discoverServices", err)

		var services []device.Service
		l.mu.Lock()
		for _, s := range found {
			id, ok := identityOf(s.UUID)
			if !ok {
				continue
			}
			l.services[id] = s
			services = append(services, device.Service{ID: id, Primary: true})
		}
		l.mu.Unlock()

		l.cb.OnServicesDiscovered(services, statusOf(err))
	})
}

func (l *link) DiscoverCharacteristics(service device.Identity) error {
	l.mu.Lock()
	svc, ok := l.services[service]
	l.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "service", IDs: []device.Identity{service}}
	}

	return l.run("discoverCharacteristics", func(client ble.Client) {
		found, err := client.DiscoverCharacteristics(nil, svc)
		l.logFailure("discoverCharacteristics", err)

		var chars []device.Characteristic
		for _, c := range found {
			id, ok := identityOf(c.UUID)
			if !ok {
				continue
			}
			char := device.Characteristic{ID: id, Service: service, Properties: device.Property(c.Property)}

			// descriptor discovery is best effort; CoreBluetooth may not report any
			descs, derr := client.DiscoverDescriptors(nil, c)
			if derr != nil {
				l.log().WithFields(logrus.Fields{"char_uuid": id.Short(), "error": derr}).Debug("Descriptor discovery failed")
			}

			l.mu.Lock()
			l.chars[id] = c
			for _, d := range descs {
				did, ok := identityOf(d.UUID)
				if !ok {
					continue
				}
				l.descs[descKey{id, did}] = d
				char.Descriptors = append(char.Descriptors, device.Descriptor{ID: did, Characteristic: id})
			}
			l.mu.Unlock()
			chars = append(chars, char)
		}

		l.cb.OnCharacteristicsDiscovered(service, chars, statusOf(err))
	})
}

func (l *link) characteristic(id device.Identity) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[id]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", IDs: []device.Identity{id}}
	}
	return c, nil
}

func (l *link) descriptor(char, desc device.Identity) (*ble.Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.descs[descKey{char, desc}]
	if !ok {
		return nil, &device.NotFoundError{Resource: "descriptor", IDs: []device.Identity{char, desc}}
	}
	return d, nil
}

func (l *link) ReadCharacteristic(char device.Identity) error {
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}
	return l.run("readCharacteristic", func(client ble.Client) {
		data, err := client.ReadCharacteristic(c)
		l.logFailure("readCharacteristic", err)
		l.cb.OnCharacteristicRead(char, data, statusOf(err))
	})
}

func (l *link) WriteCharacteristic(char device.Identity, data []byte, withResponse bool) error {
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}
	return l.run("writeCharacteristic", func(client ble.Client) {
		err := client.WriteCharacteristic(c, data, !withResponse)
		l.logFailure("writeCharacteristic", err)
		l.cb.OnCharacteristicWrite(char, statusOf(err))
	})
}

func (l *link) ReadDescriptor(char, desc device.Identity) error {
	d, err := l.descriptor(char, desc)
	if err != nil {
		return err
	}
	return l.run("readDescriptor", func(client ble.Client) {
		data, err := client.ReadDescriptor(d)
		l.logFailure("readDescriptor", err)
		l.cb.OnDescriptorRead(char, desc, data, statusOf(err))
	})
}

// WriteDescriptor writes desc. CCCD writes go through Subscribe/Unsubscribe so
// go-ble routes the resulting notifications to this link.
func (l *link) WriteDescriptor(char, desc device.Identity, data []byte) error {
	if desc == device.ClientCharacteristicConfig {
		return l.writeCCCD(char, data)
	}
	d, err := l.descriptor(char, desc)
	if err != nil {
		return err
	}
	return l.run("writeDescriptor", func(client ble.Client) {
		err := client.WriteDescriptor(d, data)
		l.logFailure("writeDescriptor", err)
		l.cb.OnDescriptorWrite(char, desc, statusOf(err))
	})
}

func (l *link) writeCCCD(char device.Identity, data []byte) error {
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}
	if len(data) < 1 {
		return fmt.Errorf("invalid CCCD value %x", data)
	}

	return l.run("writeCCCD", func(client ble.Client) {
		var err error
		switch {
		case data[0]&0x01 != 0:
			err = client.Subscribe(c, false, l.onValue(char))
		case data[0]&0x02 != 0:
			err = client.Subscribe(c, true, l.onValue(char))
		default:
			// go-ble tracks notify and indicate subscriptions separately
			errN := client.Unsubscribe(c, false)
			errI := client.Unsubscribe(c, true)
			if errN != nil && errI != nil {
				err = errN
			}
		}
		l.logFailure("writeCCCD", err)
		l.cb.OnDescriptorWrite(char, device.ClientCharacteristicConfig, statusOf(err))
	})
}

func (l *link) onValue(char device.Identity) func([]byte) {
	return func(data []byte) {
		l.mu.Lock()
		deliver := l.notifying[char] && !l.closed
		l.mu.Unlock()
		if deliver {
			l.cb.OnCharacteristicChanged(char, data)
		}
	}
}

func (l *link) SetNotification(char device.Identity, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.chars[char]; !ok || l.closed {
		return false
	}
	l.notifying[char] = enabled
	return true
}

func (l *link) ReadRSSI() error {
	return l.run("readRSSI", func(client ble.Client) {
		l.cb.OnRSSIRead(client.ReadRSSI(), device.GattStatusSuccess)
	})
}

func (l *link) RequestMTU(size int) error {
	return l.run("requestMTU", func(client ble.Client) {
		mtu, err := client.ExchangeMTU(size)
		l.logFailure("requestMTU", err)
		l.cb.OnMTUChanged(mtu, statusOf(err))
	})
}
