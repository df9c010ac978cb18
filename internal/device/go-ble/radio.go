// Package goble implements device.Radio on top of github.com/go-ble/ble.
//
// go-ble exposes a blocking client API. The adapter turns every primitive into
// the asynchronous shape the session layer expects: a call returns at once and
// its outcome arrives later through the link's device.LinkCallback.
package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Radio is a device.Radio backed by a single go-ble HCI/CoreBluetooth device.
type Radio struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

var _ device.Radio = (*Radio)(nil)

// NewRadio creates a radio. The platform device is opened on first use.
func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger}
}

func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dev != nil {
		return r.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		r.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	r.dev = dev
	return dev, nil
}

// Scan reports advertisements until ctx is done. Cancellation is not an error.
func (r *Radio) Scan(ctx context.Context, services []device.Identity, handler func(device.Advertisement)) error {
	dev, err := r.device()
	if err != nil {
		return err
	}

	r.logger.WithField("services", len(services)).Debug("Starting BLE scan")
	err = dev.Scan(ctx, true, func(a ble.Advertisement) {
		adv := newAdvertisement(a)
		if len(services) > 0 && !advertisesAny(adv, services) {
			return
		}
		handler(adv)
	})
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil) {
		return nil
	}
	return NormalizeError(err)
}

// Connect starts dialing address and returns the link immediately.
func (r *Radio) Connect(address string, autoReconnect bool, cb device.LinkCallback) (device.Link, error) {
	dev, err := r.device()
	if err != nil {
		return nil, err
	}
	l := newLink(dev, address, autoReconnect, cb, r.logger)
	l.dial()
	return l, nil
}

// Stop releases the platform device.
func (r *Radio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		return nil
	}
	err := r.dev.Stop()
	r.dev = nil
	return NormalizeError(err)
}

func advertisesAny(adv device.Advertisement, ids []device.Identity) bool {
	for _, have := range adv.Services() {
		for _, want := range ids {
			if have == want {
				return true
			}
		}
	}
	return false
}
