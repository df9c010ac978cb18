package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Well-known descriptor identities.
var (
	DescriptorExtendedProperties = ShortIdentity(0x2900)
	DescriptorUserDescription    = ShortIdentity(0x2901)
	DescriptorServerConfig       = ShortIdentity(0x2903)
	DescriptorPresentationFormat = ShortIdentity(0x2904)
	DescriptorValidRange         = ShortIdentity(0x2906)
)

// ExtendedProperties is the decoded value of descriptor 0x2900.
type ExtendedProperties struct {
	ReliableWrite       bool `json:"reliable_write"`
	WritableAuxiliaries bool `json:"writable_auxiliaries"`
}

// ClientConfig is the decoded value of the CCCD (0x2902).
type ClientConfig struct {
	Notifications bool `json:"notifications"`
	Indications   bool `json:"indications"`
}

// ServerConfig is the decoded value of descriptor 0x2903.
type ServerConfig struct {
	Broadcasts bool `json:"broadcasts"`
}

// PresentationFormat is the decoded value of descriptor 0x2904.
type PresentationFormat struct {
	Format      uint8  `json:"format"`
	Exponent    int8   `json:"exponent"`
	Unit        uint16 `json:"unit"`
	Namespace   uint8  `json:"namespace"`
	Description uint16 `json:"description"`
}

// ValidRange is the decoded value of descriptor 0x2906. The bounds keep the
// characteristic's own encoding.
type ValidRange struct {
	Min []byte `json:"min"`
	Max []byte `json:"max"`
}

// DecodeDescriptor decodes a descriptor value read from the peripheral.
// Unknown descriptors are returned as raw bytes and empty values as nil.
func DecodeDescriptor(id Identity, data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch id {
	case DescriptorExtendedProperties:
		v, err := flags16(id, data)
		if err != nil {
			return nil, err
		}
		return &ExtendedProperties{ReliableWrite: v&0x1 != 0, WritableAuxiliaries: v&0x2 != 0}, nil

	case DescriptorUserDescription:
		s := strings.TrimRight(string(data), "\x00")
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("descriptor %s: invalid UTF-8", id.Short())
		}
		return s, nil

	case ClientCharacteristicConfig:
		v, err := flags16(id, data)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Notifications: v&0x1 != 0, Indications: v&0x2 != 0}, nil

	case DescriptorServerConfig:
		v, err := flags16(id, data)
		if err != nil {
			return nil, err
		}
		return &ServerConfig{Broadcasts: v&0x1 != 0}, nil

	case DescriptorPresentationFormat:
		if len(data) != 7 {
			return nil, fmt.Errorf("descriptor %s: expected 7 bytes, got %d", id.Short(), len(data))
		}
		return &PresentationFormat{
			Format:      data[0],
			Exponent:    int8(data[1]),
			Unit:        binary.LittleEndian.Uint16(data[2:4]),
			Namespace:   data[4],
			Description: binary.LittleEndian.Uint16(data[5:7]),
		}, nil

	case DescriptorValidRange:
		if len(data) < 2 {
			return nil, fmt.Errorf("descriptor %s: expected at least 2 bytes, got %d", id.Short(), len(data))
		}
		// odd lengths give the extra byte to the upper bound
		mid := len(data) / 2
		return &ValidRange{
			Min: append([]byte(nil), data[:mid]...),
			Max: append([]byte(nil), data[mid:]...),
		}, nil
	}

	return append([]byte(nil), data...), nil
}

func flags16(id Identity, data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("descriptor %s: expected 2 bytes, got %d", id.Short(), len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}
