package device

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identity is the canonical 128-bit identifier of a GATT service, characteristic
// or descriptor. Short 16/32-bit forms are expanded over the Bluetooth base UUID,
// so "2a19", "2A19" and "00002a19-0000-1000-8000-00805f9b34fb" are the same key.
type Identity uuid.UUID

// BaseUUID is the Bluetooth SIG base UUID used to expand short-form identifiers.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// Well-known identities used by the session layer.
var (
	// ClientCharacteristicConfig is the CCCD (0x2902) written to toggle notifications.
	ClientCharacteristicConfig = ShortIdentity(0x2902)
	GenericAccessService       = ShortIdentity(0x1800)
	BatteryService             = ShortIdentity(0x180f)
	BatteryLevel               = ShortIdentity(0x2a19)
)

// NilIdentity is the zero identity. It never matches a discovered attribute.
var NilIdentity Identity

// ShortIdentity expands a 16 or 32-bit assigned number over the base UUID.
func ShortIdentity(v uint32) Identity {
	id := Identity(BaseUUID)
	binary.BigEndian.PutUint32(id[0:4], v)
	return id
}

// ParseIdentity accepts short ("2a19", "0x2A19"), 32-bit and full 128-bit forms,
// with or without dashes and in any case.
func ParseIdentity(s string) (Identity, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, "0x")
	compact := strings.ReplaceAll(raw, "-", "")

	switch len(compact) {
	case 4, 8:
		v, err := strconv.ParseUint(compact, 16, 32)
		if err != nil {
			return NilIdentity, fmt.Errorf("invalid short UUID %q: %w", s, err)
		}
		return ShortIdentity(uint32(v)), nil
	case 32:
		u, err := uuid.Parse(compact)
		if err != nil {
			return NilIdentity, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return Identity(u), nil
	default:
		return NilIdentity, fmt.Errorf("invalid UUID %q: unexpected length %d", s, len(compact))
	}
}

// MustParseIdentity is like ParseIdentity but panics on malformed input.
func MustParseIdentity(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseIdentities parses every entry, failing on the first malformed one.
func ParseIdentities(values ...string) ([]Identity, error) {
	result := make([]Identity, 0, len(values))
	for i, v := range values {
		id, err := ParseIdentity(v)
		if err != nil {
			return nil, fmt.Errorf("UUID at index %d: %w", i, err)
		}
		result = append(result, id)
	}
	return result, nil
}

// IsShort reports whether the identity lies inside the Bluetooth base range.
func (id Identity) IsShort() bool {
	return [12]byte(id[4:]) == [12]byte(BaseUUID[4:])
}

// Short renders base-range identities in their assigned-number form ("2a19") and
// everything else in canonical dashed form.
func (id Identity) Short() string {
	if !id.IsShort() {
		return id.String()
	}
	v := binary.BigEndian.Uint32(id[0:4])
	if v <= 0xffff {
		return fmt.Sprintf("%04x", v)
	}
	return fmt.Sprintf("%08x", v)
}

// String renders the canonical lowercase dashed form.
func (id Identity) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether the identity is unset.
func (id Identity) IsNil() bool {
	return id == NilIdentity
}

// MarshalText implements encoding.TextMarshaler using the short form.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.Short()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
