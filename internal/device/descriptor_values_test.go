package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		data    []byte
		want    interface{}
		wantErr string
	}{
		{name: "empty value", id: DescriptorUserDescription, data: nil, want: nil},
		{name: "user description trims NUL", id: DescriptorUserDescription, data: []byte("Level\x00"), want: "Level"},
		{name: "user description rejects bad UTF-8", id: DescriptorUserDescription, data: []byte{0xff, 0xfe}, wantErr: "invalid UTF-8"},
		{name: "cccd notify", id: ClientCharacteristicConfig, data: []byte{0x01, 0x00}, want: &ClientConfig{Notifications: true}},
		{name: "cccd indicate", id: ClientCharacteristicConfig, data: []byte{0x02, 0x00}, want: &ClientConfig{Indications: true}},
		{name: "cccd wrong length", id: ClientCharacteristicConfig, data: []byte{0x01}, wantErr: "expected 2 bytes"},
		{name: "extended properties", id: DescriptorExtendedProperties, data: []byte{0x03, 0x00}, want: &ExtendedProperties{ReliableWrite: true, WritableAuxiliaries: true}},
		{name: "server config", id: DescriptorServerConfig, data: []byte{0x01, 0x00}, want: &ServerConfig{Broadcasts: true}},
		{
			name: "presentation format",
			id:   DescriptorPresentationFormat,
			data: []byte{0x04, 0xfe, 0xad, 0x27, 0x01, 0x00, 0x00},
			want: &PresentationFormat{Format: 0x04, Exponent: -2, Unit: 0x27ad, Namespace: 0x01},
		},
		{name: "presentation format wrong length", id: DescriptorPresentationFormat, data: []byte{0x04}, wantErr: "expected 7 bytes"},
		{name: "valid range odd length", id: DescriptorValidRange, data: []byte{0x00, 0x64, 0x00}, want: &ValidRange{Min: []byte{0x00}, Max: []byte{0x64, 0x00}}},
		{name: "unknown descriptor is raw", id: ShortIdentity(0x2a99), data: []byte{0xde, 0xad}, want: []byte{0xde, 0xad}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDescriptor(tt.id, tt.data)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
