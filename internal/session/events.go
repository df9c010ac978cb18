package session

import (
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/watchdog"
)

// linkEvents routes radio callbacks onto the main queue. Each instance is bound
// to the connection epoch it was created for; events from an older epoch are
// dropped once they reach the queue.
type linkEvents struct {
	session *Session
	epoch   uint64
}

var _ device.LinkCallback = (*linkEvents)(nil)

func (e *linkEvents) post(name string, fn func(s *Session)) {
	s := e.session
	s.queue.Post(name, func() {
		if s.epoch != e.epoch {
			s.log(name).Debug("Dropping event from previous connection")
			return
		}
		fn(s)
	})
}

func (e *linkEvents) OnConnectionStateChange(status int, state device.LinkState) {
	e.post("onConnectionStateChange", func(s *Session) {
		s.log("onConnectionStateChange").WithField("status", status).WithField("link_state", state).Debug("Connection state changed")

		switch {
		case status == device.GattStatusSuccess && state == device.LinkConnected:
			s.notifyConnected()

		case state == device.LinkDisconnected:
			err := s.disconnectErr
			if err == nil {
				err = device.GattStatusError("onConnectionStateChange", status)
			}
			if err == nil {
				err = device.NewError(device.CodeDisconnected)
			}
			s.notifyDisconnected(err)

		case status == device.GattStatusHardFailure:
			st := s.State()
			if st != StateConnecting && st != StateConnected {
				return
			}
			s.log("reconnect").Warn("Hard GATT failure reported, reconnecting")
			if s.link == nil {
				return
			}
			if err := s.link.Reconnect(); err != nil {
				s.disconnect(issueError("reconnect", err))
			}
		}
	})
}

func (e *linkEvents) OnServicesDiscovered(services []device.Service, status int) {
	e.post("onServicesDiscovered", func(s *Session) {
		err := device.GattStatusError("onServicesDiscovered", status)
		if err == nil {
			s.services = append([]device.Service(nil), services...)
		}
		s.watchdogs.Cancel(s.peripheralTimer(watchdog.BucketDiscoverServices))
		if d := s.servicesDelegate; d != nil {
			s.servicesDelegate = nil
			d(services, err)
		}
	})
}

func (e *linkEvents) OnCharacteristicsDiscovered(service device.Identity, chars []device.Characteristic, status int) {
	e.post("onCharacteristicsDiscovered", func(s *Session) {
		err := device.GattStatusError("onCharacteristicsDiscovered", status)
		if err == nil {
			s.storeCharacteristics(service, chars)
		}
		s.watchdogs.Cancel(s.serviceTimer(service, watchdog.BucketDiscoverCharacteristics))
		if d, ok := take(s.charDiscoveryDelegates, service); ok {
			d(chars, err)
		}
	})
}

func (e *linkEvents) OnCharacteristicRead(char device.Identity, value []byte, status int) {
	e.post("onCharacteristicRead", func(s *Session) {
		s.watchdogs.Cancel(s.charTimer(char, watchdog.BucketReadCharacteristic))
		if d, ok := take(s.readDelegates, char); ok {
			d(value, device.GattStatusError("onCharacteristicRead", status))
		}
	})
}

func (e *linkEvents) OnCharacteristicWrite(char device.Identity, status int) {
	e.post("onCharacteristicWrite", func(s *Session) {
		s.watchdogs.Cancel(s.charTimer(char, watchdog.BucketWriteCharacteristic))
		if d, ok := take(s.writeDelegates, char); ok {
			d(device.GattStatusError("onCharacteristicWrite", status))
		}
	})
}

func (e *linkEvents) OnDescriptorRead(char, desc device.Identity, value []byte, status int) {
	e.post("onDescriptorRead", func(s *Session) {
		s.watchdogs.Cancel(s.descTimer(char, desc, watchdog.BucketReadDescriptor))
		if d, ok := take(s.descReadDelegates, descKey{char, desc}); ok {
			d(value, device.GattStatusError("onDescriptorRead", status))
		}
	})
}

func (e *linkEvents) OnDescriptorWrite(char, desc device.Identity, status int) {
	e.post("onDescriptorWrite", func(s *Session) {
		if desc == device.ClientCharacteristicConfig {
			if d, ok := take(s.notifyDelegates, char); ok {
				s.watchdogs.Cancel(s.charTimer(char, watchdog.BucketNotifyState))
				d(device.GattStatusError("setNotifyState", status))
				return
			}
		}
		s.watchdogs.Cancel(s.descTimer(char, desc, watchdog.BucketWriteDescriptor))
		if d, ok := take(s.descWriteDelegates, descKey{char, desc}); ok {
			d(device.GattStatusError("onDescriptorWrite", status))
		}
	})
}

func (e *linkEvents) OnCharacteristicChanged(char device.Identity, value []byte) {
	data := append([]byte(nil), value...)
	e.post("onCharacteristicChanged", func(s *Session) {
		if d, ok := s.changedDelegates[char]; ok {
			d(char, data, nil)
		}
	})
}

func (e *linkEvents) OnRSSIRead(rssi int, status int) {
	e.post("onRSSIRead", func(s *Session) {
		err := device.GattStatusError("onReadRemoteRssi", status)
		if err == nil {
			s.peripheral.UpdateRSSI(rssi, s.now())
		}
		s.watchdogs.Cancel(s.peripheralTimer(watchdog.BucketReadRSSI))
		if d := s.rssiDelegate; d != nil {
			s.rssiDelegate = nil
			d(rssi, err)
		}
	})
}

func (e *linkEvents) OnMTUChanged(mtu int, status int) {
	e.post("onMTUChanged", func(s *Session) {
		err := device.GattStatusError("onMtuChanged", status)
		if err == nil {
			s.peripheral.UpdateMTU(mtu)
		}
		s.watchdogs.Cancel(s.peripheralTimer(watchdog.BucketRequestMTU))
		if d := s.mtuDelegate; d != nil {
			s.mtuDelegate = nil
			d(mtu, err)
		}
	})
}

func take[K comparable, V any](m map[K]V, k K) (V, bool) {
	v, ok := m[k]
	if ok {
		delete(m, k)
	}
	return v, ok
}
