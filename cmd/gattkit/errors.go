package main

import (
	"errors"
	"strings"

	"github.com/srg/gattkit/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost while
	// streaming. Requests against a link that is already gone report
	// device.CodeNotConnected instead.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err for the terminal: taxonomy errors get a short
// hint instead of their attribute dump.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error() + " (run 'gattkit inspect <address>' to list attributes)"
	}
	if errors.Is(err, ErrConnectionLost) {
		return err.Error()
	}

	var e *device.Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	var b strings.Builder
	switch e.Code {
	case device.CodeTimeout:
		b.WriteString("timed out")
	case device.CodeConnectionFailed:
		b.WriteString("could not connect to the peripheral")
	case device.CodeNotConnected:
		b.WriteString("peripheral is not connected")
	case device.CodeDisconnected:
		b.WriteString("peripheral disconnected")
	case device.CodePreconditionFailed:
		b.WriteString("not possible right now")
	default:
		b.WriteString("operation failed")
	}
	if m := e.Attribute(device.AttrMethod); m != "" {
		b.WriteString(" during ")
		b.WriteString(m)
	}
	if msg := e.Attribute(device.AttrMessage); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	} else if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if st := e.Attribute(device.AttrGattStatus); st != "" {
		b.WriteString(" (GATT status ")
		b.WriteString(st)
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}
