package session

import (
	"time"

	"github.com/srg/gattkit/internal/watchdog"
)

// State is the connection state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	DefaultConnectTimeout    = 60 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
)

// ConnectOptions configures a single connect cycle.
type ConnectOptions struct {
	AutoReconnect     bool
	ConnectTimeout    time.Duration // 0 = DefaultConnectTimeout
	DisconnectTimeout time.Duration // 0 = DefaultDisconnectTimeout
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	return o
}

// Policy controls how a session reacts to misbehaving requests.
type Policy struct {
	// DisconnectOnTimeout lists, per operation kind, whether a watchdog expiry
	// also tears the connection down. Kinds not listed follow the default:
	// everything except RSSI reads disconnects.
	DisconnectOnTimeout map[watchdog.Bucket]bool

	// Strict rejects a request on an identity that already has one in flight
	// with PreconditionFailed instead of superseding the earlier delegate.
	Strict bool
}

// DefaultPolicy returns the policy sessions use when none is supplied.
func DefaultPolicy() Policy {
	return Policy{
		DisconnectOnTimeout: map[watchdog.Bucket]bool{
			watchdog.BucketConnect:                 true,
			watchdog.BucketDiscoverServices:        true,
			watchdog.BucketDiscoverCharacteristics: true,
			watchdog.BucketReadCharacteristic:      true,
			watchdog.BucketWriteCharacteristic:     true,
			watchdog.BucketNotifyState:             true,
			watchdog.BucketReadDescriptor:          true,
			watchdog.BucketWriteDescriptor:         true,
			watchdog.BucketReadRSSI:                false,
			watchdog.BucketRequestMTU:              true,
		},
	}
}

// DisconnectsOn reports whether a timeout of the given kind forces a disconnect.
func (p Policy) DisconnectsOn(b watchdog.Bucket) bool {
	if v, ok := p.DisconnectOnTimeout[b]; ok {
		return v
	}
	return b != watchdog.BucketReadRSSI && b != watchdog.BucketPollRSSI
}
