package scanner

import (
	"strings"
	"time"

	"github.com/srg/gattkit/internal/device"
)

// FilterResult decides what happens to a single sighting.
type FilterResult int

const (
	// Discover accepts the sighting into the nearby set.
	Discover FilterResult = iota
	// IgnoreOnce drops this sighting only.
	IgnoreOnce
	// IgnoreForever adds the address to the ignore list until the next Start.
	IgnoreForever
)

func (r FilterResult) String() string {
	switch r {
	case Discover:
		return "discover"
	case IgnoreOnce:
		return "ignore_once"
	case IgnoreForever:
		return "ignore_forever"
	default:
		return "unknown"
	}
}

// Filter is consulted, in order, for every sighting. The first non-Discover
// result wins.
type Filter interface {
	ShouldDiscover(p *device.Peripheral) FilterResult
}

// RangeResult is the outcome of an OutOfRangeFilter.
type RangeResult int

const (
	InRange RangeResult = iota
	OutOfRange
)

// OutOfRangeFilter may additionally be implemented by a Filter. A peripheral
// reported OutOfRange leaves the nearby set but is not ignored, so it can come
// back with a later sighting.
type OutOfRangeFilter interface {
	CheckRange(p *device.Peripheral) RangeResult
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(p *device.Peripheral) FilterResult

func (f FilterFunc) ShouldDiscover(p *device.Peripheral) FilterResult { return f(p) }

// NamePrefix ignores, for the rest of the scan, peripherals that advertise a
// name not starting with prefix. Unnamed peripherals are skipped once since
// the name may arrive in a later scan response.
func NamePrefix(prefix string) Filter {
	return FilterFunc(func(p *device.Peripheral) FilterResult {
		name := p.Name()
		switch {
		case name == "":
			return IgnoreOnce
		case strings.HasPrefix(name, prefix):
			return Discover
		default:
			return IgnoreForever
		}
	})
}

// rssiFloor drops sightings weaker than min and evicts peripherals whose last
// reading fell below it.
type rssiFloor struct {
	min int
}

// MinRSSI keeps only peripherals at or above min dBm.
func MinRSSI(min int) Filter {
	return rssiFloor{min: min}
}

func (f rssiFloor) ShouldDiscover(p *device.Peripheral) FilterResult {
	if p.RSSI() < f.min {
		return IgnoreOnce
	}
	return Discover
}

func (f rssiFloor) CheckRange(p *device.Peripheral) RangeResult {
	if p.RSSI() < f.min {
		return OutOfRange
	}
	return InRange
}

// silence evicts peripherals that have not advertised for longer than max.
type silence struct {
	max time.Duration
	now func() time.Time
}

// MaxSilence reports a peripheral out of range once its last advertisement is
// older than max. now defaults to time.Now.
func MaxSilence(max time.Duration, now func() time.Time) Filter {
	if now == nil {
		now = time.Now
	}
	return silence{max: max, now: now}
}

func (f silence) ShouldDiscover(*device.Peripheral) FilterResult { return Discover }

func (f silence) CheckRange(p *device.Peripheral) RangeResult {
	if p.TimeSinceLastSeen(f.now()) > f.max {
		return OutOfRange
	}
	return InRange
}
