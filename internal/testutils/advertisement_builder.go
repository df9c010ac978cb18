package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/gattkit/internal/device"
)

// AdvertisementBuilder builds device.Advertisement fixtures with a fluent API.
type AdvertisementBuilder struct {
	adv advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: advertisement{connectable: true}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.services = append(b.adv.services, device.MustParseIdentity(u))
	}
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufacturerData = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.txPower = power
	return b
}

// WithFlags sets the AD flags byte.
func (b *AdvertisementBuilder) WithFlags(flags byte) *AdvertisementBuilder {
	b.adv.flags = flags
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string  `json:"name"`
		Address          *string  `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []byte   `json:"manufacturerData"`
		TxPower          *int     `json:"txPower"`
		Flags            *byte    `json:"flags"`
		Connectable      *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if len(data.Services) > 0 {
		b.WithServices(data.Services...)
	}
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Flags != nil {
		b.WithFlags(*data.Flags)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Build returns an immutable advertisement; the builder may be reused afterwards.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.services = append([]device.Identity(nil), b.adv.services...)
	adv.manufacturerData = append([]byte(nil), b.adv.manufacturerData...)
	return &adv
}

type advertisement struct {
	name             string
	address          string
	rssi             int
	services         []device.Identity
	manufacturerData []byte
	txPower          int
	flags            byte
	connectable      bool
}

func (a *advertisement) LocalName() string           { return a.name }
func (a *advertisement) ManufacturerData() []byte    { return a.manufacturerData }
func (a *advertisement) Services() []device.Identity { return a.services }
func (a *advertisement) TxPowerLevel() int           { return a.txPower }
func (a *advertisement) Flags() byte                 { return a.flags }
func (a *advertisement) Connectable() bool           { return a.connectable }
func (a *advertisement) RSSI() int                   { return a.rssi }
func (a *advertisement) Addr() string                { return a.address }
