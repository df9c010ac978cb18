package main

import (
	"errors"
	"testing"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ambiguousServices has 2a37 in both 180d and 1800.
func ambiguousServices() []device.Service {
	return []device.Service{
		testutils.NewServiceBuilder("180d").
			WithCharacteristic("2a37", device.PropNotify, "2902").
			WithCharacteristic("2a38", device.PropRead).
			Build(),
		testutils.NewServiceBuilder("1800").
			WithCharacteristic("2a37", device.PropRead).
			WithCharacteristic("2a00", device.PropRead|device.PropWrite).
			Build(),
	}
}

func TestResolveCharacteristic(t *testing.T) {
	// GOAL: Verify characteristic lookup handles unique, scoped, missing, and ambiguous UUIDs
	//
	// TEST SCENARIO: resolve UUID with various inputs → matching characteristic or descriptive error

	id := device.MustParseIdentity
	tests := []struct {
		name        string
		service     device.Identity
		char        string
		wantProps   device.Property
		wantErr     string
		wantMissing string
	}{
		{name: "unique", char: "2a38", wantProps: device.PropRead},
		{name: "scoped", service: id("180d"), char: "2a37", wantProps: device.PropNotify},
		{name: "scoped other", service: id("1800"), char: "2a37", wantProps: device.PropRead},
		{name: "ambiguous", char: "2a37", wantErr: "found in multiple services, specify --service"},
		{name: "missing char", char: "2a19", wantMissing: "characteristic"},
		{name: "missing service", service: id("180f"), char: "2a37", wantMissing: "service"},
		{name: "outside scope", service: id("1800"), char: "2a38", wantMissing: "characteristic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := resolveCharacteristic(ambiguousServices(), tt.service, id(tt.char))
			switch {
			case tt.wantErr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			case tt.wantMissing != "":
				var nf *device.NotFoundError
				require.True(t, errors.As(err, &nf), "lookup MUST fail with NotFoundError")
				assert.Equal(t, tt.wantMissing, nf.Resource)
			default:
				require.NoError(t, err)
				assert.Equal(t, id(tt.char), c.ID)
				assert.Equal(t, tt.wantProps, c.Properties)
			}
		})
	}
}

func TestResolveCharacteristicsByService(t *testing.T) {
	chars, err := resolveCharacteristics(ambiguousServices(), device.MustParseIdentity("180d"), nil, device.PropNotify|device.PropIndicate)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "2a37", chars[0].ID.Short())

	_, err = resolveCharacteristics(ambiguousServices(), device.MustParseIdentity("1800"), nil, device.PropNotify)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no notify characteristics found in service 1800")

	_, err = resolveCharacteristics(ambiguousServices(), device.NilIdentity, nil, device.PropRead)
	assert.EqualError(t, err, "no UUIDs provided")
}

func TestResolveDescriptor(t *testing.T) {
	char, err := resolveCharacteristic(ambiguousServices(), device.MustParseIdentity("180d"), device.MustParseIdentity("2a37"))
	require.NoError(t, err)

	d, err := resolveDescriptor(char, device.MustParseIdentity("2902"))
	require.NoError(t, err)
	assert.Equal(t, "2902", d.ID.Short())

	_, err = resolveDescriptor(char, device.MustParseIdentity("2901"))
	var nf *device.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "descriptor", nf.Resource)
}

func TestParseCSVUUIDs(t *testing.T) {
	ids, err := parseCSVUUIDs(" 2a19, ,180F,")
	require.NoError(t, err)
	assert.Equal(t, []device.Identity{device.MustParseIdentity("2a19"), device.MustParseIdentity("180f")}, ids)

	_, err = parseCSVUUIDs(" , ")
	assert.EqualError(t, err, "no valid UUIDs provided")

	id, err := parseOptionalUUID("service", "")
	require.NoError(t, err)
	assert.True(t, id.IsNil())

	_, err = parseOptionalUUID("service", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --service")
}
