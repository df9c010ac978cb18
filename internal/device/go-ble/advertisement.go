package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"
	"github.com/srg/gattkit/internal/device"
)

// txPowerUnavailable is what go-ble reports when the advertisement has no TX power.
const txPowerUnavailable = 127

// advertisement adapts ble.Advertisement to device.Advertisement. Service
// identities are converted once, on construction.
type advertisement struct {
	adv      ble.Advertisement
	services []device.Identity
}

func newAdvertisement(a ble.Advertisement) *advertisement {
	out := &advertisement{adv: a}
	for _, u := range a.Services() {
		if id, ok := identityOf(u); ok {
			out.services = append(out.services, id)
		}
	}
	return out
}

func (a *advertisement) LocalName() string           { return a.adv.LocalName() }
func (a *advertisement) ManufacturerData() []byte    { return a.adv.ManufacturerData() }
func (a *advertisement) Services() []device.Identity { return a.services }
func (a *advertisement) Connectable() bool           { return a.adv.Connectable() }
func (a *advertisement) RSSI() int                   { return a.adv.RSSI() }
func (a *advertisement) Addr() string                { return a.adv.Addr().String() }

func (a *advertisement) TxPowerLevel() int {
	if p := a.adv.TxPowerLevel(); p != txPowerUnavailable {
		return p
	}
	return 0
}

// rawAdvertisement is implemented by the HCI advertisement, which keeps the
// AD structures. CoreBluetooth does not expose flags.
type rawAdvertisement interface {
	Data() []byte
	ScanResponse() []byte
}

// adTypeFlags is the AD type of the flags structure. Packet.Flags indexes past
// the field value, so the field is read directly.
const adTypeFlags = 0x01

func (a *advertisement) Flags() byte {
	raw, ok := a.adv.(rawAdvertisement)
	if !ok {
		return 0
	}
	if f := adv.NewRawPacket(raw.Data(), raw.ScanResponse()).Field(adTypeFlags); len(f) > 0 {
		return f[0]
	}
	return 0
}

// identityOf converts a go-ble UUID, which is stored little-endian.
func identityOf(u ble.UUID) (device.Identity, bool) {
	id, err := device.ParseIdentity(u.String())
	if err != nil {
		return device.NilIdentity, false
	}
	return id, true
}
