package device

import (
	"context"
	"strings"
)

// Raw platform status codes reported through LinkCallback.
const (
	GattStatusSuccess = 0
	// GattStatusHardFailure is the vendor "GATT_ERROR" some radio stacks report
	// for a dropped link while connecting; it is answered with a reconnect.
	GattStatusHardFailure = 133
	GattStatusFailure     = 257
)

// LinkState is the connection state a Link reports to its callback.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Advertisement is a single parsed advertising report handed over by the radio.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []Identity
	TxPowerLevel() int
	// Flags is the AD flags byte, or 0 when the platform does not report it.
	Flags() byte
	Connectable() bool
	RSSI() int
	Addr() string
}

// Property is the GATT characteristic property bit set.
type Property uint8

const (
	PropBroadcast   Property = 0x01
	PropRead        Property = 0x02
	PropWriteNR     Property = 0x04
	PropWrite       Property = 0x08
	PropNotify      Property = 0x10
	PropIndicate    Property = 0x20
	PropSignedWrite Property = 0x40
	PropExtended    Property = 0x80
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNR, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether every bit of q is set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

func (p Property) String() string {
	parts := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, ",")
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	ID             Identity
	Characteristic Identity
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	ID          Identity
	Service     Identity
	Properties  Property
	Descriptors []Descriptor
}

// Descriptor looks up a descriptor of this characteristic by identity.
func (c Characteristic) Descriptor(id Identity) (Descriptor, bool) {
	for _, d := range c.Descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Service is a discovered GATT service. Characteristics stay empty until
// characteristic discovery has run for it.
type Service struct {
	ID              Identity
	Primary         bool
	Characteristics []Characteristic
}

// Characteristic looks up a characteristic of this service by identity.
func (s Service) Characteristic(id Identity) (Characteristic, bool) {
	for _, c := range s.Characteristics {
		if c.ID == id {
			return c, true
		}
	}
	return Characteristic{}, false
}

// Radio is the low-level transport the session layer drives.
type Radio interface {
	// Scan blocks delivering advertisements until ctx is done. A non-empty
	// services list restricts reports to peripherals advertising one of them.
	Scan(ctx context.Context, services []Identity, handler func(Advertisement)) error

	// Connect issues an asynchronous connect. Every later event for the
	// returned link is reported through cb. An error means the call could not
	// be issued at all.
	Connect(address string, autoReconnect bool, cb LinkCallback) (Link, error)
}

// Link is a single connection attempt to a peripheral. All methods issue an
// asynchronous primitive and return immediately; an error means the primitive
// was refused and no completion event will follow.
type Link interface {
	Disconnect() error
	Reconnect() error
	Close()

	DiscoverServices() error
	DiscoverCharacteristics(service Identity) error

	ReadCharacteristic(char Identity) error
	WriteCharacteristic(char Identity, data []byte, withResponse bool) error
	ReadDescriptor(char, desc Identity) error
	WriteDescriptor(char, desc Identity, data []byte) error

	// SetNotification toggles local delivery of value changes for char.
	SetNotification(char Identity, enabled bool) bool

	ReadRSSI() error
	RequestMTU(size int) error
}

// LinkCallback receives completion events for a Link. Implementations must not block.
type LinkCallback interface {
	OnConnectionStateChange(status int, state LinkState)
	OnServicesDiscovered(services []Service, status int)
	OnCharacteristicsDiscovered(service Identity, chars []Characteristic, status int)
	OnCharacteristicRead(char Identity, value []byte, status int)
	OnCharacteristicWrite(char Identity, status int)
	OnDescriptorRead(char, desc Identity, value []byte, status int)
	OnDescriptorWrite(char, desc Identity, status int)
	OnCharacteristicChanged(char Identity, value []byte)
	OnRSSIRead(rssi int, status int)
	OnMTUChanged(mtu int, status int)
}

// Unbonder is an optional Radio capability for dropping a stored bond.
type Unbonder interface {
	RemoveBond(address string) error
}

// RemoveBond removes the bond for address if the radio supports it, and
// reports ErrUnsupported otherwise.
func RemoveBond(r Radio, address string) error {
	u, ok := r.(Unbonder)
	if !ok {
		return ErrUnsupported
	}
	return u.RemoveBond(address)
}
