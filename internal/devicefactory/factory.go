// Package devicefactory creates the radio the CLI drives.
package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/device/go-ble"
)

// RadioFactory creates the platform radio.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func(logger *logrus.Logger) (device.Radio, error) {
	return goble.NewRadio(logger), nil
}

// NewRadio returns a radio from RadioFactory.
func NewRadio(logger *logrus.Logger) (device.Radio, error) {
	if logger == nil {
		logger = logrus.New()
	}
	return RadioFactory(logger)
}
