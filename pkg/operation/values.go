package operation

import (
	"encoding/binary"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/srg/gattkit/internal/device"
)

func parseError(char device.Identity, want, got int) *device.Error {
	return device.OperationFailed("parse").
		WithAttribute(device.AttrMessage, "characteristic "+char.Short()+": want "+strconv.Itoa(want)+" bytes, got "+strconv.Itoa(got))
}

// readFixed reads char and decodes its first size bytes.
func readFixed[T any](o *Orchestrator, char device.Identity, size int, decode func([]byte) T, cb func(T, error)) {
	o.ReadBytes(char, func(data []byte, err error) {
		var zero T
		switch {
		case err != nil:
			cb(zero, err)
		case len(data) < size:
			cb(zero, parseError(char, size, len(data)))
		default:
			cb(decode(data[:size]), nil)
		}
	})
}

// ReadBytes reads the raw value of char.
func (o *Orchestrator) ReadBytes(char device.Identity, cb func([]byte, error)) {
	o.session.ReadCharacteristic(char, o.cfg.Timeouts.Read, cb)
}

// ReadString reads char as UTF-8 text. A trailing NUL terminator is dropped.
func (o *Orchestrator) ReadString(char device.Identity, cb func(string, error)) {
	o.ReadBytes(char, func(data []byte, err error) {
		if err != nil {
			cb("", err)
			return
		}
		if n := len(data); n > 0 && data[n-1] == 0 {
			data = data[:n-1]
		}
		if !utf8.Valid(data) {
			cb("", device.OperationFailed("parse").WithAttribute(device.AttrMessage, "characteristic "+char.Short()+": invalid UTF-8"))
			return
		}
		cb(string(data), nil)
	})
}

func (o *Orchestrator) ReadUint8(char device.Identity, cb func(uint8, error)) {
	readFixed(o, char, 1, func(b []byte) uint8 { return b[0] }, cb)
}

func (o *Orchestrator) ReadInt8(char device.Identity, cb func(int8, error)) {
	readFixed(o, char, 1, func(b []byte) int8 { return int8(b[0]) }, cb)
}

func (o *Orchestrator) ReadUint16(char device.Identity, order binary.ByteOrder, cb func(uint16, error)) {
	readFixed(o, char, 2, order.Uint16, cb)
}

func (o *Orchestrator) ReadInt16(char device.Identity, order binary.ByteOrder, cb func(int16, error)) {
	readFixed(o, char, 2, func(b []byte) int16 { return int16(order.Uint16(b)) }, cb)
}

func (o *Orchestrator) ReadUint32(char device.Identity, order binary.ByteOrder, cb func(uint32, error)) {
	readFixed(o, char, 4, order.Uint32, cb)
}

func (o *Orchestrator) ReadInt32(char device.Identity, order binary.ByteOrder, cb func(int32, error)) {
	readFixed(o, char, 4, func(b []byte) int32 { return int32(order.Uint32(b)) }, cb)
}

func (o *Orchestrator) ReadUint64(char device.Identity, order binary.ByteOrder, cb func(uint64, error)) {
	readFixed(o, char, 8, order.Uint64, cb)
}

func (o *Orchestrator) ReadInt64(char device.Identity, order binary.ByteOrder, cb func(int64, error)) {
	readFixed(o, char, 8, func(b []byte) int64 { return int64(order.Uint64(b)) }, cb)
}

// WriteBytes writes data to char.
func (o *Orchestrator) WriteBytes(char device.Identity, data []byte, withResponse bool, cb func(error)) {
	o.session.WriteCharacteristic(char, data, withResponse, o.cfg.Timeouts.Write, cb)
}

// WriteString writes s as UTF-8 without a terminator.
func (o *Orchestrator) WriteString(char device.Identity, s string, withResponse bool, cb func(error)) {
	o.WriteBytes(char, []byte(s), withResponse, cb)
}

func (o *Orchestrator) WriteUint8(char device.Identity, v uint8, withResponse bool, cb func(error)) {
	o.WriteBytes(char, []byte{v}, withResponse, cb)
}

func (o *Orchestrator) WriteInt8(char device.Identity, v int8, withResponse bool, cb func(error)) {
	o.WriteBytes(char, []byte{byte(v)}, withResponse, cb)
}

func (o *Orchestrator) WriteUint16(char device.Identity, v uint16, order binary.ByteOrder, withResponse bool, cb func(error)) {
	buf := make([]byte, 2)
	order.PutUint16(buf, v)
	o.WriteBytes(char, buf, withResponse, cb)
}

func (o *Orchestrator) WriteInt16(char device.Identity, v int16, order binary.ByteOrder, withResponse bool, cb func(error)) {
	o.WriteUint16(char, uint16(v), order, withResponse, cb)
}

func (o *Orchestrator) WriteUint32(char device.Identity, v uint32, order binary.ByteOrder, withResponse bool, cb func(error)) {
	buf := make([]byte, 4)
	order.PutUint32(buf, v)
	o.WriteBytes(char, buf, withResponse, cb)
}

func (o *Orchestrator) WriteInt32(char device.Identity, v int32, order binary.ByteOrder, withResponse bool, cb func(error)) {
	o.WriteUint32(char, uint32(v), order, withResponse, cb)
}

func (o *Orchestrator) WriteUint64(char device.Identity, v uint64, order binary.ByteOrder, withResponse bool, cb func(error)) {
	buf := make([]byte, 8)
	order.PutUint64(buf, v)
	o.WriteBytes(char, buf, withResponse, cb)
}

func (o *Orchestrator) WriteInt64(char device.Identity, v int64, order binary.ByteOrder, withResponse bool, cb func(error)) {
	o.WriteUint64(char, uint64(v), order, withResponse, cb)
}

// ReadDescriptor reads the raw value of desc under char.
func (o *Orchestrator) ReadDescriptor(char, desc device.Identity, cb func([]byte, error)) {
	o.session.ReadDescriptor(char, desc, o.cfg.Timeouts.Read, cb)
}

// WriteDescriptor writes data to desc under char.
func (o *Orchestrator) WriteDescriptor(char, desc device.Identity, data []byte, cb func(error)) {
	o.session.WriteDescriptor(char, desc, data, o.cfg.Timeouts.Write, cb)
}

// Notify toggles value change delivery for char.
func (o *Orchestrator) Notify(char device.Identity, enabled bool, onValue func(device.Identity, []byte, error), cb func(error)) {
	o.session.SetNotifyState(char, enabled, o.cfg.Timeouts.Notify, onValue, cb)
}

// ReadRSSI reads the current signal strength.
func (o *Orchestrator) ReadRSSI(cb func(int, error)) {
	o.session.ReadRSSI(o.cfg.Timeouts.RSSI, cb)
}

// PollRSSI reads the signal strength every interval until StopRSSIPolling or
// the run ends. A zero interval uses the configured poll interval.
func (o *Orchestrator) PollRSSI(interval time.Duration, onUpdate func(int, error)) {
	if interval <= 0 {
		interval = o.cfg.RSSIPollInterval
	}
	o.session.StartRSSIPolling(interval, onUpdate)
}

func (o *Orchestrator) StopRSSIPolling() {
	o.session.StopRSSIPolling()
}

// RequestMTU negotiates the ATT MTU.
func (o *Orchestrator) RequestMTU(size int, cb func(int, error)) {
	o.session.RequestMTU(size, o.cfg.Timeouts.MTU, cb)
}

// Wait is a convenience for callers outside the main queue: it starts a run
// and blocks until it completes or timeout passes.
func (o *Orchestrator) Wait(execute ExecuteFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	o.Start(execute, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return device.Errorf(device.CodeTimeout, "operation did not complete within %s", timeout)
	}
}
