package device

import (
	"sync"
	"time"
)

// PeripheralInfo is a point-in-time copy of a Peripheral's state.
type PeripheralInfo struct {
	Address            string     `json:"address"`
	Name               string     `json:"name"`
	RSSI               int        `json:"rssi"`
	RSSITime           time.Time  `json:"rssi_time"`
	FirstSeen          time.Time  `json:"first_seen"`
	LastSeen           time.Time  `json:"last_seen"`
	AdvertisementCount int        `json:"advertisement_count"`
	Services           []Identity `json:"services"`
	ManufacturerData   []byte     `json:"manufacturer_data"`
	TxPower            int        `json:"tx_power"`
	Flags              byte       `json:"flags"`
	Connectable        bool       `json:"connectable"`
	MTU                int        `json:"mtu"`
}

// Peripheral is a remote device as seen by this central. The address is its
// identity: key maps by Address(), never by value comparison of snapshots.
type Peripheral struct {
	mu   sync.RWMutex
	info PeripheralInfo
}

// NewPeripheral creates a peripheral known only by address, e.g. for a direct connect.
func NewPeripheral(address string) *Peripheral {
	return &Peripheral{info: PeripheralInfo{Address: address}}
}

// NewPeripheralFromAdvertisement creates a peripheral from its first advertisement.
func NewPeripheralFromAdvertisement(adv Advertisement, now time.Time) *Peripheral {
	p := NewPeripheral(adv.Addr())
	p.UpdateFromAdvertisement(adv, now)
	return p
}

// UpdateFromAdvertisement folds a new advertisement into the peripheral state.
func (p *Peripheral) UpdateFromAdvertisement(adv Advertisement, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.info.FirstSeen.IsZero() {
		p.info.FirstSeen = now
	}
	p.info.LastSeen = now
	p.info.AdvertisementCount++

	if name := adv.LocalName(); name != "" {
		p.info.Name = name
	}
	if services := adv.Services(); len(services) > 0 {
		p.info.Services = append([]Identity(nil), services...)
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		p.info.ManufacturerData = append([]byte(nil), md...)
	}
	if flags := adv.Flags(); flags != 0 {
		p.info.Flags = flags
	}
	p.info.TxPower = adv.TxPowerLevel()
	p.info.Connectable = adv.Connectable()
	p.info.RSSI = adv.RSSI()
	p.info.RSSITime = now
}

// UpdateRSSI records a signal strength reading outside of advertising.
func (p *Peripheral) UpdateRSSI(rssi int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.RSSI = rssi
	p.info.RSSITime = now
}

// UpdateMTU records the negotiated MTU.
func (p *Peripheral) UpdateMTU(mtu int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.MTU = mtu
}

func (p *Peripheral) Address() string {
	return p.info.Address // immutable after construction
}

func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Name
}

func (p *Peripheral) RSSI() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.RSSI
}

func (p *Peripheral) MTU() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.MTU
}

// LastSeen returns the time of the most recent advertisement.
func (p *Peripheral) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.LastSeen
}

// TimeSinceLastSeen is measured against now so callers control the clock.
func (p *Peripheral) TimeSinceLastSeen(now time.Time) time.Duration {
	return now.Sub(p.LastSeen())
}

// Snapshot returns a copy of the current state.
func (p *Peripheral) Snapshot() PeripheralInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := p.info
	info.Services = append([]Identity(nil), p.info.Services...)
	info.ManufacturerData = append([]byte(nil), p.info.ManufacturerData...)
	return info
}

// Advertises reports whether any advertised service matches one of ids.
func (p *Peripheral) Advertises(ids ...Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, want := range ids {
		for _, have := range p.info.Services {
			if want == have {
				return true
			}
		}
	}
	return false
}
