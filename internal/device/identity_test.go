package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name  string
		input string
		short string
	}{
		{name: "16-bit lowercase", input: "2902", short: "2902"},
		{name: "16-bit uppercase", input: "2A19", short: "2a19"},
		{name: "16-bit with 0x prefix", input: "0x180D", short: "180d"},
		{name: "32-bit", input: "0001180d", short: "0001180d"},
		{name: "full SIG form", input: "00002a19-0000-1000-8000-00805f9b34fb", short: "2a19"},
		{name: "full SIG form without dashes", input: "00002a1900001000800000805F9B34FB", short: "2a19"},
		{name: "vendor UUID stays long", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", short: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "surrounding whitespace", input: "  2901 ", short: "2901"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentity(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.short, id.Short())

			again, err := ParseIdentity(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, again, "canonical form MUST parse back to the same identity")
		})
	}
}

func TestParseIdentityRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "29", "2g02", "12345", "6e400001-b5a3-f393-e0a9", "zzzzzzzz"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseIdentity(input)
			assert.Error(t, err)
		})
	}
}

func TestIdentityEquality(t *testing.T) {
	a := MustParseIdentity("2a19")
	b := MustParseIdentity("00002A19-0000-1000-8000-00805F9B34FB")
	assert.Equal(t, a, b, "short and long forms MUST be the same key")
	assert.Equal(t, BatteryLevel, a)

	m := map[Identity]int{a: 1}
	assert.Equal(t, 1, m[b])
	assert.True(t, NilIdentity.IsNil())
	assert.False(t, a.IsNil())
}

func TestParseIdentities(t *testing.T) {
	ids, err := ParseIdentities("180f", "2a19")
	require.NoError(t, err)
	assert.Equal(t, []Identity{BatteryService, BatteryLevel}, ids)

	_, err = ParseIdentities("180f", "nope")
	assert.ErrorContains(t, err, "index 1")
}

func TestIdentityJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		IDs []Identity `json:"ids"`
	}{IDs: []Identity{BatteryService, MustParseIdentity("6e400001-b5a3-f393-e0a9-e50e24dcca9e")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["180f","6e400001-b5a3-f393-e0a9-e50e24dcca9e"]}`, string(data))

	var back struct {
		IDs []Identity `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, BatteryService, back.IDs[0])
}

func TestIdentityName(t *testing.T) {
	assert.Equal(t, "Battery Level", BatteryLevel.Name())
	assert.Equal(t, "Client Characteristic Configuration", ClientCharacteristicConfig.Name())
	assert.Empty(t, ShortIdentity(0xfff0).Name())
}
