// Package session drives one peripheral's connection lifecycle and mediates every
// GATT request against it.
//
// All mutable session state is owned by the main dispatch queue: public methods
// post onto it, link events are posted onto it, and watchdog expiry is delivered
// on it. Callbacks handed to a Session are always invoked from that queue.
package session

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/groutine"
	"github.com/srg/gattkit/internal/watchdog"
)

// errSuccess marks a requested disconnect that should be reported as no error.
var errSuccess = device.NewError(device.CodeSuccess)

type descKey struct {
	char device.Identity
	desc device.Identity
}

// Session is the connection session for one peripheral address.
type Session struct {
	peripheral *device.Peripheral
	radio      device.Radio
	queue      *dispatch.Queue
	watchdogs  *watchdog.Registry
	logger     *logrus.Logger
	policy     Policy
	now        func() time.Time

	state atomic.Int32

	// Everything below is only touched on the main queue.
	link              device.Link
	epoch             uint64
	disconnectErr     error
	disconnectTimeout time.Duration
	onConnected       func()
	onDisconnected    func(error)
	services          []device.Service

	servicesDelegate func([]device.Service, error)
	rssiDelegate     func(int, error)
	mtuDelegate      func(int, error)

	charDiscoveryDelegates map[device.Identity]func([]device.Characteristic, error)
	readDelegates          map[device.Identity]func([]byte, error)
	writeDelegates         map[device.Identity]func(error)
	notifyDelegates        map[device.Identity]func(error)
	changedDelegates       map[device.Identity]func(device.Identity, []byte, error)
	descReadDelegates      map[descKey]func([]byte, error)
	descWriteDelegates     map[descKey]func(error)

	polling      bool
	pollInterval time.Duration
	pollDelegate func(int, error)
}

func newSession(p *device.Peripheral, radio device.Radio, queue *dispatch.Queue, watchdogs *watchdog.Registry, policy Policy, logger *logrus.Logger) *Session {
	s := &Session{
		peripheral: p,
		radio:      radio,
		queue:      queue,
		watchdogs:  watchdogs,
		logger:     logger,
		policy:     policy,
		now:        time.Now,
	}
	s.resetDelegates()
	return s
}

// Address returns the peripheral address this session is bound to.
func (s *Session) Address() string {
	return s.peripheral.Address()
}

// Peripheral returns the peripheral bound to this session.
func (s *Session) Peripheral() *device.Peripheral {
	return s.peripheral
}

// State returns the current connection state. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Services returns a copy of the services discovered on the current connection.
func (s *Session) Services() []device.Service {
	var out []device.Service
	s.queue.Sync("services", func() {
		out = make([]device.Service, len(s.services))
		copy(out, s.services)
	})
	return out
}

// IsPollingRSSI reports whether periodic RSSI reads are running.
func (s *Session) IsPollingRSSI() bool {
	var polling bool
	s.queue.Sync("isPollingRSSI", func() { polling = s.polling })
	return polling
}

// Connect starts a connect cycle. Exactly one of onConnected/onDisconnected
// fires first; onDisconnected always fires when the cycle ends.
func (s *Session) Connect(opts ConnectOptions, onConnected func(), onDisconnected func(error)) {
	opts = opts.withDefaults()
	s.queue.Post("connect", func() {
		s.connect(opts, onConnected, onDisconnected)
	})
}

// Disconnect ends the current connection. err is reported to onDisconnected;
// nil means a clean, caller-initiated disconnect.
func (s *Session) Disconnect(err error) {
	s.queue.Post("disconnect", func() {
		s.disconnect(err)
	})
}

func (s *Session) connect(opts ConnectOptions, onConnected func(), onDisconnected func(error)) {
	log := s.log("connect")

	switch s.State() {
	case StateConnecting, StateConnected, StateDisconnecting:
		log.WithField("state", s.State()).Warn("Connect requested while session is busy")
		s.invoke("onDisconnected", func() {
			if onDisconnected != nil {
				onDisconnected(device.PreconditionFailed("session is " + s.State().String()))
			}
		})
		return
	}

	s.epoch++
	epoch := s.epoch
	s.onConnected = onConnected
	s.onDisconnected = onDisconnected
	s.disconnectTimeout = opts.DisconnectTimeout
	s.disconnectErr = device.NewError(device.CodeConnectionFailed)
	s.setState(StateConnecting)

	s.watchdogs.Start(s.peripheralTimer(watchdog.BucketConnect), opts.ConnectTimeout, func() {
		log.WithField("timeout", opts.ConnectTimeout).Warn("Connect timed out")
		s.disconnect(timeoutError("connect"))
	})

	log.WithFields(logrus.Fields{
		"timeout":        opts.ConnectTimeout,
		"auto_reconnect": opts.AutoReconnect,
	}).Info("Connecting to peripheral...")

	link, err := s.radio.Connect(s.Address(), opts.AutoReconnect, &linkEvents{session: s, epoch: epoch})
	if err != nil {
		log.WithField("error", err).Error("Failed to issue connect")
		s.watchdogs.Cancel(s.peripheralTimer(watchdog.BucketConnect))
		s.disconnectErr = issueError("connect", err)
		s.notifyDisconnected(s.disconnectErr)
		return
	}
	s.link = link
}

func (s *Session) disconnect(err error) {
	log := s.log("disconnect")

	switch s.State() {
	case StateIdle, StateDisconnected:
		log.Debug("Disconnect called but already disconnected")
		return
	case StateDisconnecting:
		log.Debug("Disconnect already in progress")
		return
	}

	supplied := err
	if err == nil {
		err = errSuccess
	}
	s.disconnectErr = err
	s.setState(StateDisconnecting)

	s.watchdogs.Start(s.peripheralTimer(watchdog.BucketDisconnect), s.disconnectTimeout, func() {
		log.WithField("timeout", s.disconnectTimeout).Warn("Disconnect timed out, completing locally")
		link := s.link
		if supplied == nil {
			supplied = device.NewError(device.CodeDisconnected)
		}
		s.notifyDisconnected(supplied)
		if link != nil {
			// last ditch attempt in case the radio is still holding the link
			if derr := link.Disconnect(); derr != nil {
				log.WithField("error", derr).Debug("Best effort disconnect failed")
			}
		}
	})

	log.WithField("reason", supplied).Info("Disconnecting from peripheral...")
	if s.link == nil {
		return
	}
	if derr := s.link.Disconnect(); derr != nil {
		log.WithField("error", derr).Warn("Failed to issue disconnect, waiting for watchdog")
	}
}

func (s *Session) notifyConnected() {
	if s.State() != StateConnecting {
		return
	}
	s.watchdogs.Cancel(s.peripheralTimer(watchdog.BucketConnect))
	s.disconnectErr = nil
	s.setState(StateConnected)

	s.log("connect").Info("Peripheral connected")

	cb := s.onConnected
	s.invoke("onConnected", func() {
		if cb != nil {
			cb()
		}
	})
}

// notifyDisconnected finishes a connect cycle: it tears everything down and
// reports err (nil for success) to onDisconnected exactly once.
func (s *Session) notifyDisconnected(err error) {
	if s.State() == StateDisconnected || s.State() == StateIdle {
		return
	}
	if device.CodeOf(err) == device.CodeSuccess {
		err = nil
	}

	cb := s.onDisconnected
	pending := s.cleanup(err)
	s.setState(StateDisconnected)

	s.log("disconnect").WithField("error", err).Info("Peripheral disconnected")

	for _, fail := range pending {
		s.invoke("pendingDelegate", fail)
	}
	s.invoke("onDisconnected", func() {
		if cb != nil {
			cb(err)
		}
	})
}

// cleanup cancels every watchdog of the peripheral, empties all delegate tables
// and releases the link. It returns closures that fail the requests that were
// still in flight; the caller runs them once the session state is consistent.
func (s *Session) cleanup(cause error) []func() {
	s.watchdogs.CancelAll(s.Address())

	failErr := cause
	if failErr == nil {
		failErr = device.NewError(device.CodeDisconnected)
	}
	pending := s.drainDelegates(failErr)

	s.resetDelegates()
	s.services = nil
	s.polling = false
	s.pollDelegate = nil
	s.onConnected = nil
	s.onDisconnected = nil
	s.disconnectErr = nil

	if s.link != nil {
		s.link.Close()
		s.link = nil
	}
	// anything the old link still reports is now stale
	s.epoch++

	return pending
}

func (s *Session) drainDelegates(err error) []func() {
	var pending []func()
	if d := s.servicesDelegate; d != nil {
		pending = append(pending, func() { d(nil, err) })
	}
	if d := s.rssiDelegate; d != nil {
		pending = append(pending, func() { d(0, err) })
	}
	if d := s.mtuDelegate; d != nil {
		pending = append(pending, func() { d(0, err) })
	}
	for _, d := range s.charDiscoveryDelegates {
		d := d
		pending = append(pending, func() { d(nil, err) })
	}
	for _, d := range s.readDelegates {
		d := d
		pending = append(pending, func() { d(nil, err) })
	}
	for _, d := range s.writeDelegates {
		d := d
		pending = append(pending, func() { d(err) })
	}
	for _, d := range s.notifyDelegates {
		d := d
		pending = append(pending, func() { d(err) })
	}
	for _, d := range s.descReadDelegates {
		d := d
		pending = append(pending, func() { d(nil, err) })
	}
	for _, d := range s.descWriteDelegates {
		d := d
		pending = append(pending, func() { d(err) })
	}
	return pending
}

func (s *Session) resetDelegates() {
	s.servicesDelegate = nil
	s.rssiDelegate = nil
	s.mtuDelegate = nil
	s.charDiscoveryDelegates = make(map[device.Identity]func([]device.Characteristic, error))
	s.readDelegates = make(map[device.Identity]func([]byte, error))
	s.writeDelegates = make(map[device.Identity]func(error))
	s.notifyDelegates = make(map[device.Identity]func(error))
	s.changedDelegates = make(map[device.Identity]func(device.Identity, []byte, error))
	s.descReadDelegates = make(map[descKey]func([]byte, error))
	s.descWriteDelegates = make(map[descKey]func(error))
}

// PendingDelegates counts outstanding delegates across all tables, for diagnostics.
func (s *Session) PendingDelegates() int {
	var n int
	s.queue.Sync("pendingDelegates", func() {
		for _, set := range []bool{s.servicesDelegate != nil, s.rssiDelegate != nil, s.mtuDelegate != nil} {
			if set {
				n++
			}
		}
		n += len(s.charDiscoveryDelegates) + len(s.readDelegates) + len(s.writeDelegates) +
			len(s.notifyDelegates) + len(s.changedDelegates) + len(s.descReadDelegates) + len(s.descWriteDelegates)
	})
	return n
}

func (s *Session) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old != state {
		s.logger.WithFields(logrus.Fields{
			"address": s.Address(),
			"from":    old,
			"to":      state,
		}).Debug("Session state changed")
	}
}

// invoke runs a caller-supplied callback, logging instead of propagating a panic
// so that one bad delegate cannot abort the rest of the event it is part of.
func (s *Session) invoke(name string, fn func()) {
	if err := groutine.Safe(name, fn); err != nil {
		s.logger.WithFields(logrus.Fields{
			"address":  s.Address(),
			"callback": name,
			"error":    err,
		}).Error("Callback panicked")
	}
}

func (s *Session) log(op string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"address": s.Address(),
		"op":      op,
	})
}

func (s *Session) peripheralTimer(b watchdog.Bucket) watchdog.ID {
	return watchdog.ForPeripheral(s.Address(), b)
}

func timeoutError(method string) *device.Error {
	return device.NewError(device.CodeTimeout).WithAttribute(device.AttrMethod, method)
}

func issueError(method string, cause error) *device.Error {
	e := device.OperationFailed(method)
	e.Cause = cause
	return e
}
