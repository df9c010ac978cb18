package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

// BatteryProfile is a small GATT tree used across session and operation tests:
// battery service with a readable/notifying level, and a vendor service with a
// write-only control point and an indicate-only status characteristic.
func BatteryProfile() []device.Service {
	return []device.Service{
		NewServiceBuilder("180f").
			WithCharacteristic("2a19", device.PropRead|device.PropNotify, "2902").
			Build(),
		NewServiceBuilder("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
			WithCharacteristic("6e400002-b5a3-f393-e0a9-e50e24dcca9e", device.PropWrite|device.PropWriteNR).
			WithCharacteristic("6e400003-b5a3-f393-e0a9-e50e24dcca9e", device.PropIndicate, "2902", "2901").
			Build(),
	}
}

// ServiceBuilder builds discovered-service fixtures.
type ServiceBuilder struct {
	svc device.Service
}

func NewServiceBuilder(uuid string) *ServiceBuilder {
	return &ServiceBuilder{svc: device.Service{ID: device.MustParseIdentity(uuid), Primary: true}}
}

// WithCharacteristic adds a characteristic with the given properties and descriptor UUIDs.
func (b *ServiceBuilder) WithCharacteristic(uuid string, props device.Property, descriptors ...string) *ServiceBuilder {
	char := device.Characteristic{
		ID:         device.MustParseIdentity(uuid),
		Service:    b.svc.ID,
		Properties: props,
	}
	for _, d := range descriptors {
		char.Descriptors = append(char.Descriptors, device.Descriptor{
			ID:             device.MustParseIdentity(d),
			Characteristic: char.ID,
		})
	}
	b.svc.Characteristics = append(b.svc.Characteristics, char)
	return b
}

func (b *ServiceBuilder) Build() device.Service {
	return b.svc
}
