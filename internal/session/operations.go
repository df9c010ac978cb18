package session

import (
	"time"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/watchdog"
)

// request is one leaf GATT operation as the session sequences it.
type request struct {
	method  string
	timer   watchdog.ID
	timeout time.Duration
	busy    bool         // a delegate for this key is already registered
	reject  func(error)  // reports err to the new caller without touching the registered delegate
	install func()       // registers the delegate
	fail    func(error)  // removes the delegate (if still present) and reports err
	issue   func() error // issues the radio primitive
}

// start applies the uniform contract: one delegate, one watchdog, immediate
// failure when the primitive cannot be issued.
func (s *Session) start(r request) {
	log := s.log(r.method)

	if s.policy.Strict && r.busy {
		log.Warn("Rejecting overlapping request")
		r.reject(device.PreconditionFailed(r.method + " already in progress"))
		return
	}
	if r.busy {
		log.Debug("Superseding in-flight request")
	}

	r.install()
	s.watchdogs.Start(r.timer, r.timeout, func() {
		log.WithField("timeout", r.timeout).Warn("Operation timed out")
		r.fail(timeoutError(r.method))
		if s.policy.DisconnectsOn(r.timer.Bucket) {
			s.disconnect(timeoutError(r.method))
		}
	})

	if err := r.issue(); err != nil {
		log.WithField("error", err).Error("Failed to issue operation")
		s.watchdogs.Cancel(r.timer)
		r.fail(issueError(r.method, err))
	}
}

// DiscoverServices discovers the peripheral's primary services.
func (s *Session) DiscoverServices(timeout time.Duration, cb func([]device.Service, error)) {
	const method = "discoverServices"
	s.queue.Post(method, func() {
		done := func(services []device.Service, err error) {
			s.invoke(method, func() { cb(services, err) })
		}
		if err := s.requireConnected(); err != nil {
			done(nil, err)
			return
		}
		s.start(request{
			method:  method,
			timer:   s.peripheralTimer(watchdog.BucketDiscoverServices),
			timeout: timeout,
			busy:    s.servicesDelegate != nil,
			reject:  func(err error) { done(nil, err) },
			install: func() { s.servicesDelegate = done },
			fail: func(err error) {
				if d := s.servicesDelegate; d != nil {
					s.servicesDelegate = nil
					d(nil, err)
				}
			},
			issue: s.link.DiscoverServices,
		})
	})
}

// DiscoverCharacteristics discovers the characteristics (and their descriptors)
// of a previously discovered service.
func (s *Session) DiscoverCharacteristics(service device.Identity, timeout time.Duration, cb func([]device.Characteristic, error)) {
	const method = "discoverCharacteristics"
	s.queue.Post(method, func() {
		done := func(chars []device.Characteristic, err error) {
			s.invoke(method, func() { cb(chars, err) })
		}
		if err := s.requireConnected(); err != nil {
			done(nil, err)
			return
		}
		if _, ok := s.findService(service); !ok {
			done(nil, notDiscovered(method, "service", service))
			return
		}
		_, busy := s.charDiscoveryDelegates[service]
		s.start(request{
			method:  method,
			timer:   s.serviceTimer(service, watchdog.BucketDiscoverCharacteristics),
			timeout: timeout,
			busy:    busy,
			reject:  func(err error) { done(nil, err) },
			install: func() { s.charDiscoveryDelegates[service] = done },
			fail: func(err error) {
				if d, ok := take(s.charDiscoveryDelegates, service); ok {
					d(nil, err)
				}
			},
			issue: func() error { return s.link.DiscoverCharacteristics(service) },
		})
	})
}

// ReadCharacteristic reads the value of a discovered characteristic.
func (s *Session) ReadCharacteristic(char device.Identity, timeout time.Duration, cb func([]byte, error)) {
	const method = "readCharacteristic"
	s.queue.Post(method, func() {
		done := func(data []byte, err error) {
			s.invoke(method, func() { cb(data, err) })
		}
		if err := s.requireCharacteristic(method, char); err != nil {
			done(nil, err)
			return
		}
		_, busy := s.readDelegates[char]
		s.start(request{
			method:  method,
			timer:   s.charTimer(char, watchdog.BucketReadCharacteristic),
			timeout: timeout,
			busy:    busy,
			reject:  func(err error) { done(nil, err) },
			install: func() { s.readDelegates[char] = done },
			fail: func(err error) {
				if d, ok := take(s.readDelegates, char); ok {
					d(nil, err)
				}
			},
			issue: func() error { return s.link.ReadCharacteristic(char) },
		})
	})
}

// WriteCharacteristic writes data to a discovered characteristic.
func (s *Session) WriteCharacteristic(char device.Identity, data []byte, withResponse bool, timeout time.Duration, cb func(error)) {
	const method = "writeCharacteristic"
	payload := append([]byte(nil), data...)
	s.queue.Post(method, func() {
		done := func(err error) {
			s.invoke(method, func() { cb(err) })
		}
		if err := s.requireCharacteristic(method, char); err != nil {
			done(err)
			return
		}
		_, busy := s.writeDelegates[char]
		s.start(request{
			method:  method,
			timer:   s.charTimer(char, watchdog.BucketWriteCharacteristic),
			timeout: timeout,
			busy:    busy,
			reject:  done,
			install: func() { s.writeDelegates[char] = done },
			fail: func(err error) {
				if d, ok := take(s.writeDelegates, char); ok {
					d(err)
				}
			},
			issue: func() error { return s.link.WriteCharacteristic(char, payload, withResponse) },
		})
	})
}

// ReadDescriptor reads a descriptor of a discovered characteristic.
func (s *Session) ReadDescriptor(char, desc device.Identity, timeout time.Duration, cb func([]byte, error)) {
	const method = "readDescriptor"
	s.queue.Post(method, func() {
		done := func(data []byte, err error) {
			s.invoke(method, func() { cb(data, err) })
		}
		if err := s.requireDescriptor(method, char, desc); err != nil {
			done(nil, err)
			return
		}
		key := descKey{char, desc}
		_, busy := s.descReadDelegates[key]
		s.start(request{
			method:  method,
			timer:   s.descTimer(char, desc, watchdog.BucketReadDescriptor),
			timeout: timeout,
			busy:    busy,
			reject:  func(err error) { done(nil, err) },
			install: func() { s.descReadDelegates[key] = done },
			fail: func(err error) {
				if d, ok := take(s.descReadDelegates, key); ok {
					d(nil, err)
				}
			},
			issue: func() error { return s.link.ReadDescriptor(char, desc) },
		})
	})
}

// WriteDescriptor writes a descriptor of a discovered characteristic.
func (s *Session) WriteDescriptor(char, desc device.Identity, data []byte, timeout time.Duration, cb func(error)) {
	const method = "writeDescriptor"
	payload := append([]byte(nil), data...)
	s.queue.Post(method, func() {
		done := func(err error) {
			s.invoke(method, func() { cb(err) })
		}
		if err := s.requireDescriptor(method, char, desc); err != nil {
			done(err)
			return
		}
		key := descKey{char, desc}
		_, busy := s.descWriteDelegates[key]
		s.start(request{
			method:  method,
			timer:   s.descTimer(char, desc, watchdog.BucketWriteDescriptor),
			timeout: timeout,
			busy:    busy,
			reject:  done,
			install: func() { s.descWriteDelegates[key] = done },
			fail: func(err error) {
				if d, ok := take(s.descWriteDelegates, key); ok {
					d(err)
				}
			},
			issue: func() error { return s.link.WriteDescriptor(char, desc, payload) },
		})
	})
}

// CCCD payloads.
var (
	cccdNotify   = []byte{0x01, 0x00}
	cccdIndicate = []byte{0x02, 0x00}
	cccdDisable  = []byte{0x00, 0x00}
)

// SetNotifyState enables or disables value-change delivery for char. Enabling
// registers onValueChanged, then writes the CCCD; cb reports the CCCD write.
func (s *Session) SetNotifyState(char device.Identity, enabled bool, timeout time.Duration, onValueChanged func(device.Identity, []byte, error), cb func(error)) {
	const method = "setNotifyState"
	s.queue.Post(method, func() {
		done := func(err error) {
			s.invoke(method, func() { cb(err) })
		}
		if err := s.requireCharacteristic(method, char); err != nil {
			done(err)
			return
		}
		c, _ := s.findCharacteristic(char)

		if !s.link.SetNotification(char, enabled) {
			done(device.OperationFailed("setCharacteristicNotification"))
			return
		}

		if enabled && onValueChanged != nil {
			s.changedDelegates[char] = func(id device.Identity, data []byte, err error) {
				s.invoke("onValueChanged", func() { onValueChanged(id, data, err) })
			}
		} else {
			delete(s.changedDelegates, char)
		}

		// a failed enable leaves neither the link nor the delegate table subscribed
		revert := func() {
			if !enabled {
				return
			}
			delete(s.changedDelegates, char)
			if s.link != nil {
				s.link.SetNotification(char, false)
			}
		}

		cccd, ok := c.Descriptor(device.ClientCharacteristicConfig)
		if !ok {
			revert()
			done(device.OperationFailed("getDescriptor").WithAttribute(device.AttrMessage, "characteristic has no CCCD"))
			return
		}

		value := cccdDisable
		if enabled {
			value = cccdNotify
			if !c.Properties.Has(device.PropNotify) && c.Properties.Has(device.PropIndicate) {
				value = cccdIndicate
			}
		}

		_, busy := s.notifyDelegates[char]
		s.start(request{
			method:  method,
			timer:   s.charTimer(char, watchdog.BucketNotifyState),
			timeout: timeout,
			busy:    busy,
			reject:  done,
			install: func() {
				s.notifyDelegates[char] = func(err error) {
					if err != nil {
						revert()
					}
					done(err)
				}
			},
			fail: func(err error) {
				if d, ok := take(s.notifyDelegates, char); ok {
					d(err)
				}
			},
			issue: func() error { return s.link.WriteDescriptor(char, cccd.ID, value) },
		})
	})
}

// ReadRSSI reads the current signal strength. A timeout here never disconnects
// under the default policy.
func (s *Session) ReadRSSI(timeout time.Duration, cb func(int, error)) {
	const method = "readRSSI"
	s.queue.Post(method, func() {
		done := func(rssi int, err error) {
			s.invoke(method, func() { cb(rssi, err) })
		}
		s.readRSSI(timeout, done)
	})
}

func (s *Session) readRSSI(timeout time.Duration, done func(int, error)) {
	const method = "readRSSI"
	if err := s.requireConnected(); err != nil {
		done(0, err)
		return
	}
	s.start(request{
		method:  method,
		timer:   s.peripheralTimer(watchdog.BucketReadRSSI),
		timeout: timeout,
		busy:    s.rssiDelegate != nil,
		reject:  func(err error) { done(0, err) },
		install: func() { s.rssiDelegate = done },
		fail: func(err error) {
			if d := s.rssiDelegate; d != nil {
				s.rssiDelegate = nil
				d(0, err)
			}
		},
		issue: s.link.ReadRSSI,
	})
}

// StartRSSIPolling reads RSSI every interval until stopped or disconnected.
// Individual poll reads are not watchdog-guarded.
func (s *Session) StartRSSIPolling(interval time.Duration, onUpdate func(int, error)) {
	s.queue.Post("startRSSIPolling", func() {
		if err := s.requireConnected(); err != nil {
			s.invoke("onRSSIUpdate", func() { onUpdate(0, err) })
			return
		}
		s.polling = true
		s.pollInterval = interval
		s.pollDelegate = func(rssi int, err error) {
			s.invoke("onRSSIUpdate", func() { onUpdate(rssi, err) })
		}
		s.pollRSSI()
	})
}

// StopRSSIPolling stops periodic RSSI reads.
func (s *Session) StopRSSIPolling() {
	s.queue.Post("stopRSSIPolling", func() {
		s.polling = false
		s.pollDelegate = nil
		s.watchdogs.Cancel(s.peripheralTimer(watchdog.BucketPollRSSI))
	})
}

func (s *Session) pollRSSI() {
	if !s.polling || s.State() != StateConnected {
		return
	}
	s.readRSSI(0, func(rssi int, err error) {
		if d := s.pollDelegate; d != nil {
			d(rssi, err)
		}
		if !s.polling {
			return
		}
		s.watchdogs.Start(s.peripheralTimer(watchdog.BucketPollRSSI), s.pollInterval, s.pollRSSI)
	})
}

// RequestMTU asks the peripheral for a larger MTU and reports the negotiated size.
func (s *Session) RequestMTU(size int, timeout time.Duration, cb func(int, error)) {
	const method = "requestMTU"
	s.queue.Post(method, func() {
		done := func(mtu int, err error) {
			s.invoke(method, func() { cb(mtu, err) })
		}
		if err := s.requireConnected(); err != nil {
			done(0, err)
			return
		}
		s.start(request{
			method:  method,
			timer:   s.peripheralTimer(watchdog.BucketRequestMTU),
			timeout: timeout,
			busy:    s.mtuDelegate != nil,
			reject:  func(err error) { done(0, err) },
			install: func() { s.mtuDelegate = done },
			fail: func(err error) {
				if d := s.mtuDelegate; d != nil {
					s.mtuDelegate = nil
					d(0, err)
				}
			},
			issue: func() error { return s.link.RequestMTU(size) },
		})
	})
}

func (s *Session) requireConnected() error {
	if s.State() != StateConnected || s.link == nil {
		return device.NewError(device.CodeNotConnected)
	}
	return nil
}

func (s *Session) requireCharacteristic(method string, char device.Identity) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	if _, ok := s.findCharacteristic(char); !ok {
		return notDiscovered(method, "characteristic", char)
	}
	return nil
}

func (s *Session) requireDescriptor(method string, char, desc device.Identity) error {
	if err := s.requireCharacteristic(method, char); err != nil {
		return err
	}
	c, _ := s.findCharacteristic(char)
	if _, ok := c.Descriptor(desc); !ok {
		return notDiscovered(method, "descriptor", char, desc)
	}
	return nil
}

func (s *Session) findService(id device.Identity) (device.Service, bool) {
	for _, svc := range s.services {
		if svc.ID == id {
			return svc, true
		}
	}
	return device.Service{}, false
}

func (s *Session) findCharacteristic(id device.Identity) (device.Characteristic, bool) {
	for _, svc := range s.services {
		if c, ok := svc.Characteristic(id); ok {
			return c, true
		}
	}
	return device.Characteristic{}, false
}

func (s *Session) storeCharacteristics(service device.Identity, chars []device.Characteristic) {
	for i := range s.services {
		if s.services[i].ID == service {
			s.services[i].Characteristics = append([]device.Characteristic(nil), chars...)
			return
		}
	}
}

func (s *Session) serviceTimer(service device.Identity, b watchdog.Bucket) watchdog.ID {
	return watchdog.ForCharacteristic(s.Address(), service, b)
}

func (s *Session) charTimer(char device.Identity, b watchdog.Bucket) watchdog.ID {
	return watchdog.ForCharacteristic(s.Address(), char, b)
}

func (s *Session) descTimer(char, desc device.Identity, b watchdog.Bucket) watchdog.ID {
	return watchdog.ForDescriptor(s.Address(), char, desc, b)
}

func notDiscovered(method, resource string, ids ...device.Identity) *device.Error {
	e := device.OperationFailed(method)
	e.Cause = &device.NotFoundError{Resource: resource, IDs: ids}
	return e
}
