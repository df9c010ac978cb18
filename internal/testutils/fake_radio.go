package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/groutine"
	"github.com/stretchr/testify/mock"
)

// ErrRefused is returned by fake primitives scripted with Refuse.
var ErrRefused = errors.New("refused by fake radio")

// Mode says how a fake primitive reacts when issued.
type Mode int

const (
	// Respond delivers the completion event asynchronously.
	Respond Mode = iota
	// Silent accepts the primitive and never completes it.
	Silent
	// Refuse rejects the primitive synchronously.
	Refuse
)

// Behavior scripts one primitive of a FakeLink.
type Behavior struct {
	Mode   Mode
	Status int
	Delay  time.Duration
}

// FakeRadio is a scripted device.Radio. Every link it hands out shares the
// radio's profile and behaviors at the time of Connect.
type FakeRadio struct {
	mock.Mock

	mu          sync.Mutex
	profile     []device.Service
	values      map[device.Identity][]byte
	behaviors   map[string]Behavior
	rssi        int
	maxMTU      int
	connectErr  error
	links       []*FakeLink
	scanHandler func(device.Advertisement)
	scanID      int
	scanSeen    int
	scanStarted chan struct{}
}

var (
	_ device.Radio    = (*FakeRadio)(nil)
	_ device.Unbonder = (*BondingRadio)(nil)
)

func NewFakeRadio() *FakeRadio {
	r := &FakeRadio{
		profile:   BatteryProfile(),
		values:    make(map[device.Identity][]byte),
		behaviors: make(map[string]Behavior),
		rssi:      -60,
		maxMTU:    247,
		scanStarted: make(chan struct{}),
	}
	r.On("Scan", mock.Anything).Maybe()
	r.On("Connect", mock.Anything, mock.Anything).Maybe()
	return r
}

// WithProfile replaces the GATT tree served by future links.
func (r *FakeRadio) WithProfile(services ...device.Service) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profile = services
	return r
}

// WithValue sets the value returned by reads of char.
func (r *FakeRadio) WithValue(char string, value []byte) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[device.MustParseIdentity(char)] = value
	return r
}

// WithRSSI sets the RSSI reported by ReadRSSI.
func (r *FakeRadio) WithRSSI(rssi int) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssi = rssi
	return r
}

// Script sets the behavior of a primitive by method name, e.g. "Connect" or "ReadCharacteristic".
func (r *FakeRadio) Script(method string, b Behavior) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[method] = b
	return r
}

// FailConnect makes Connect itself return err.
func (r *FakeRadio) FailConnect(err error) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
	return r
}

func (r *FakeRadio) Scan(ctx context.Context, services []device.Identity, handler func(device.Advertisement)) error {
	r.MethodCalled("Scan", services)

	// Each call owns the started channel it swaps out, so restarts never close it twice.
	r.mu.Lock()
	r.scanID++
	id := r.scanID
	r.scanHandler = handler
	started := r.scanStarted
	r.scanStarted = make(chan struct{})
	r.mu.Unlock()
	close(started)

	<-ctx.Done()

	r.mu.Lock()
	if r.scanID == id {
		r.scanHandler = nil
	}
	r.mu.Unlock()
	return ctx.Err()
}

// WaitScanning blocks until a Scan call newer than the one seen by the previous
// WaitScanning is active, or the timeout passes.
func (r *FakeRadio) WaitScanning(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if r.scanID > r.scanSeen && r.scanHandler != nil {
			r.scanSeen = r.scanID
			r.mu.Unlock()
			return true
		}
		started := r.scanStarted
		r.mu.Unlock()

		select {
		case <-started:
		case <-deadline:
			return false
		}
	}
}

// ScanHandler returns the handler of the active scan, or nil.
func (r *FakeRadio) ScanHandler() func(device.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanHandler
}

// Advertise delivers adv to the active scan, reporting false if none is running.
func (r *FakeRadio) Advertise(adv device.Advertisement) bool {
	r.mu.Lock()
	h := r.scanHandler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

func (r *FakeRadio) Connect(address string, autoReconnect bool, cb device.LinkCallback) (device.Link, error) {
	r.MethodCalled("Connect", address, autoReconnect)

	r.mu.Lock()
	if r.connectErr != nil {
		err := r.connectErr
		r.mu.Unlock()
		return nil, err
	}
	l := newFakeLink(address, cb, r)
	r.links = append(r.links, l)
	r.mu.Unlock()

	l.respond("Connect", func(status int) {
		if status == device.GattStatusSuccess {
			l.cb.OnConnectionStateChange(status, device.LinkConnected)
		} else {
			l.cb.OnConnectionStateChange(status, device.LinkDisconnected)
		}
	})
	return l, nil
}

// Links returns every link handed out so far.
func (r *FakeRadio) Links() []*FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeLink(nil), r.links...)
}

// LastLink returns the most recent link, or nil.
func (r *FakeRadio) LastLink() *FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.links) == 0 {
		return nil
	}
	return r.links[len(r.links)-1]
}

// FakeLink is the device.Link half of FakeRadio. Calls are recorded on the
// embedded mock so tests can use AssertNumberOfCalls and friends.
type FakeLink struct {
	mock.Mock

	Address string
	cb      device.LinkCallback

	mu        sync.Mutex
	profile   []device.Service
	values    map[device.Identity][]byte
	behaviors map[string]Behavior
	rssi      int
	maxMTU    int
	closed    bool
	notifying map[device.Identity]bool
	written   map[device.Identity][][]byte
	counts    map[string]int
}

var _ device.Link = (*FakeLink)(nil)

func newFakeLink(address string, cb device.LinkCallback, r *FakeRadio) *FakeLink {
	l := &FakeLink{
		Address:   address,
		cb:        cb,
		profile:   r.profile,
		values:    make(map[device.Identity][]byte, len(r.values)),
		behaviors: make(map[string]Behavior, len(r.behaviors)),
		rssi:      r.rssi,
		maxMTU:    r.maxMTU,
		notifying: make(map[device.Identity]bool),
		written:   make(map[device.Identity][][]byte),
		counts:    make(map[string]int),
	}
	for k, v := range r.values {
		l.values[k] = v
	}
	for k, v := range r.behaviors {
		l.behaviors[k] = v
	}

	for name, arity := range map[string]int{
		"Disconnect": 0, "Reconnect": 0, "Close": 0,
		"DiscoverServices": 0, "DiscoverCharacteristics": 1,
		"ReadCharacteristic": 1, "WriteCharacteristic": 3,
		"ReadDescriptor": 2, "WriteDescriptor": 3,
		"SetNotification": 2, "ReadRSSI": 0, "RequestMTU": 1,
	} {
		args := make([]interface{}, arity)
		for i := range args {
			args[i] = mock.Anything
		}
		l.On(name, args...).Maybe()
	}
	return l
}

func (l *FakeLink) called(method string, args ...interface{}) {
	l.MethodCalled(method, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[method]++
}

// CallCount returns how many times method was issued; safe while the link is in use.
func (l *FakeLink) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[method]
}

// Script changes the behavior of a primitive on this link only.
func (l *FakeLink) Script(method string, b Behavior) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.behaviors[method] = b
	return l
}

// Emit delivers a connection state change as if the radio reported it.
func (l *FakeLink) Emit(status int, state device.LinkState) {
	l.cb.OnConnectionStateChange(status, state)
}

// Notify delivers a value change for char.
func (l *FakeLink) Notify(char string, value []byte) {
	l.cb.OnCharacteristicChanged(device.MustParseIdentity(char), value)
}

// Callback exposes the raw callback, for delivering out-of-band completions.
func (l *FakeLink) Callback() device.LinkCallback {
	return l.cb
}

// Written returns the payloads written to char, in order.
func (l *FakeLink) Written(char string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written[device.MustParseIdentity(char)]...)
}

// IsNotifying reports the last SetNotification state for char.
func (l *FakeLink) IsNotifying(char string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifying[device.MustParseIdentity(char)]
}

func (l *FakeLink) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *FakeLink) behavior(method string) Behavior {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.behaviors[method]
}

// respond applies the scripted behavior of method, running complete
// asynchronously when the primitive is accepted and answered.
func (l *FakeLink) respond(method string, complete func(status int)) error {
	b := l.behavior(method)
	switch b.Mode {
	case Refuse:
		return fmt.Errorf("%s: %w", method, ErrRefused)
	case Silent:
		return nil
	}
	groutine.Go(context.Background(), "fake-"+method, func(context.Context) {
		if b.Delay > 0 {
			time.Sleep(b.Delay)
		}
		complete(b.Status)
	})
	return nil
}

func (l *FakeLink) Disconnect() error {
	l.called("Disconnect")
	return l.respond("Disconnect", func(status int) {
		l.cb.OnConnectionStateChange(status, device.LinkDisconnected)
	})
}

func (l *FakeLink) Reconnect() error {
	l.called("Reconnect")
	return l.respond("Reconnect", func(status int) {
		l.cb.OnConnectionStateChange(status, device.LinkConnected)
	})
}

func (l *FakeLink) Close() {
	l.called("Close")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *FakeLink) DiscoverServices() error {
	l.called("DiscoverServices")
	l.mu.Lock()
	services := make([]device.Service, len(l.profile))
	for i, svc := range l.profile {
		// characteristics are reported by DiscoverCharacteristics
		services[i] = device.Service{ID: svc.ID, Primary: svc.Primary}
	}
	l.mu.Unlock()
	return l.respond("DiscoverServices", func(status int) {
		l.cb.OnServicesDiscovered(services, status)
	})
}

func (l *FakeLink) DiscoverCharacteristics(service device.Identity) error {
	l.called("DiscoverCharacteristics", service)
	var chars []device.Characteristic
	l.mu.Lock()
	for _, svc := range l.profile {
		if svc.ID == service {
			chars = append(chars, svc.Characteristics...)
		}
	}
	l.mu.Unlock()
	return l.respond("DiscoverCharacteristics", func(status int) {
		l.cb.OnCharacteristicsDiscovered(service, chars, status)
	})
}

func (l *FakeLink) ReadCharacteristic(char device.Identity) error {
	l.called("ReadCharacteristic", char)
	l.mu.Lock()
	value := append([]byte(nil), l.values[char]...)
	l.mu.Unlock()
	return l.respond("ReadCharacteristic", func(status int) {
		l.cb.OnCharacteristicRead(char, value, status)
	})
}

func (l *FakeLink) WriteCharacteristic(char device.Identity, data []byte, withResponse bool) error {
	l.called("WriteCharacteristic", char, data, withResponse)
	if err := l.respond("WriteCharacteristic", func(status int) {
		l.cb.OnCharacteristicWrite(char, status)
	}); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written[char] = append(l.written[char], append([]byte(nil), data...))
	l.values[char] = append([]byte(nil), data...)
	return nil
}

func (l *FakeLink) ReadDescriptor(char, desc device.Identity) error {
	l.called("ReadDescriptor", char, desc)
	l.mu.Lock()
	value := append([]byte(nil), l.values[desc]...)
	l.mu.Unlock()
	return l.respond("ReadDescriptor", func(status int) {
		l.cb.OnDescriptorRead(char, desc, value, status)
	})
}

func (l *FakeLink) WriteDescriptor(char, desc device.Identity, data []byte) error {
	l.called("WriteDescriptor", char, desc, data)
	if err := l.respond("WriteDescriptor", func(status int) {
		l.cb.OnDescriptorWrite(char, desc, status)
	}); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written[desc] = append(l.written[desc], append([]byte(nil), data...))
	return nil
}

func (l *FakeLink) SetNotification(char device.Identity, enabled bool) bool {
	l.called("SetNotification", char, enabled)
	if l.behavior("SetNotification").Mode == Refuse {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifying[char] = enabled
	return true
}

func (l *FakeLink) ReadRSSI() error {
	l.called("ReadRSSI")
	l.mu.Lock()
	rssi := l.rssi
	l.mu.Unlock()
	return l.respond("ReadRSSI", func(status int) {
		l.cb.OnRSSIRead(rssi, status)
	})
}

func (l *FakeLink) RequestMTU(size int) error {
	l.called("RequestMTU", size)
	l.mu.Lock()
	mtu := size
	if mtu > l.maxMTU {
		mtu = l.maxMTU
	}
	l.mu.Unlock()
	return l.respond("RequestMTU", func(status int) {
		l.cb.OnMTUChanged(mtu, status)
	})
}

// Unbonder test double: a FakeRadio wrapped with bond removal.
type BondingRadio struct {
	*FakeRadio
	Removed []string
}

func NewBondingRadio() *BondingRadio {
	return &BondingRadio{FakeRadio: NewFakeRadio()}
}

func (r *BondingRadio) RemoveBond(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removed = append(r.Removed, address)
	return nil
}
