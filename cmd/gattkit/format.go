package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/srg/gattkit/internal/device"
)

var (
	nameColor    = color.New(color.Bold)
	strongSignal = color.New(color.FgGreen)
	fairSignal   = color.New(color.FgYellow)
	weakSignal   = color.New(color.FgRed)
	errorColor   = color.New(color.FgRed)
)

// formatHex renders data as uppercase hex, e.g. "FF01".
func formatHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// formatValue renders data as spaced hex, followed by its text form when the
// bytes are printable UTF-8.
func formatValue(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	out := strings.Join(parts, " ")
	if isPrintable(data) {
		out += fmt.Sprintf(" %q", string(data))
	}
	return out
}

func isPrintable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// formatRSSI colors the signal strength by quality.
func formatRSSI(rssi int) string {
	s := fmt.Sprintf("%d dBm", rssi)
	switch {
	case rssi >= -60:
		return strongSignal.Sprint(s)
	case rssi >= -80:
		return fairSignal.Sprint(s)
	default:
		return weakSignal.Sprint(s)
	}
}

// formatIdentity renders id in short form with its assigned name when known.
func formatIdentity(id device.Identity) string {
	if name := id.Name(); name != "" {
		return fmt.Sprintf("%s (%s)", id.Short(), name)
	}
	return id.Short()
}
