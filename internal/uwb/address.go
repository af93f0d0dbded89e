package uwb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AddressKind tags which representation a UwbAddress holds.
type AddressKind uint8

const (
	// AddressShort is a 2-byte MAC-layer short address.
	AddressShort AddressKind = iota
	// AddressExtended is an 8-byte extended (EUI-64-shaped) address.
	AddressExtended
)

func (k AddressKind) String() string {
	switch k {
	case AddressShort:
		return "short"
	case AddressExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// UwbAddress is either a 2-byte short address or an 8-byte extended address.
// The zero value is the short address 0x0000. UwbAddress is comparable and
// safe to use as a map key.
type UwbAddress struct {
	kind  AddressKind
	short uint16
	ext   uint64
}

// ShortAddress constructs a 2-byte short UwbAddress.
func ShortAddress(v uint16) UwbAddress {
	return UwbAddress{kind: AddressShort, short: v}
}

// ExtendedAddress constructs an 8-byte extended UwbAddress.
func ExtendedAddress(v uint64) UwbAddress {
	return UwbAddress{kind: AddressExtended, ext: v}
}

// Kind reports which representation this address holds.
func (a UwbAddress) Kind() AddressKind { return a.kind }

// IsExtended reports whether this is an 8-byte address.
func (a UwbAddress) IsExtended() bool { return a.kind == AddressExtended }

// AsExtended returns the 64-bit value of this address. Short addresses are
// zero-extended in the six most-significant bytes: no bits of the original
// address are lost, and the round trip back through AsShort (for
// a value that originated as short) recovers the exact original value.
func (a UwbAddress) AsExtended() uint64 {
	if a.kind == AddressExtended {
		return a.ext
	}
	return uint64(a.short)
}

// AsShort returns the 16-bit value of this address. Calling AsShort on an
// extended address truncates to the low 16 bits; callers must check Kind
// first if truncation is not acceptable.
func (a UwbAddress) AsShort() uint16 {
	if a.kind == AddressShort {
		return a.short
	}
	return uint16(a.ext)
}

// Bytes serializes the address in big-endian, lexicographic order: 2 bytes
// for a short address, 8 bytes for an extended address.
func (a UwbAddress) Bytes() []byte {
	if a.kind == AddressShort {
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, a.short)
		return buf
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, a.ext)
	return buf
}

// ExtendedBytes always serializes as 8 bytes, zero-extending a short
// address's six high-order bytes. This is the form the Serializer passes
// to the native layer for send-data and controlee add/remove commands.
func (a UwbAddress) ExtendedBytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, a.AsExtended())
	return buf
}

func (a UwbAddress) String() string {
	if a.kind == AddressShort {
		return fmt.Sprintf("short:%04x", a.short)
	}
	return fmt.Sprintf("ext:%016x", a.ext)
}

// ParseUwbAddress parses the "short:%04x" / "ext:%016x" forms produced by
// String. Used by the admin API and CLI to accept addresses as text.
func ParseUwbAddress(s string) (UwbAddress, error) {
	switch {
	case strings.HasPrefix(s, "short:"):
		v, err := strconv.ParseUint(strings.TrimPrefix(s, "short:"), 16, 16)
		if err != nil {
			return UwbAddress{}, fmt.Errorf("parse short address %q: %w", s, err)
		}
		return ShortAddress(uint16(v)), nil
	case strings.HasPrefix(s, "ext:"):
		v, err := strconv.ParseUint(strings.TrimPrefix(s, "ext:"), 16, 64)
		if err != nil {
			return UwbAddress{}, fmt.Errorf("parse extended address %q: %w", s, err)
		}
		return ExtendedAddress(v), nil
	default:
		return UwbAddress{}, fmt.Errorf("address %q: %w", s, ErrMalformedAddress)
	}
}

// ErrMalformedAddress indicates a string did not match "short:" or "ext:" form.
var ErrMalformedAddress = errors.New("address must be prefixed with short: or ext:")

// ByteOrder reports the wire byte order the platform native layer expects
// for address fields. Historically this varied across OS releases; the only
// caller-visible knob is this function, everything else in the package
// treats addresses as opaque big-endian values internally.
func ByteOrder(osVersionAtLeast func() bool) binary.ByteOrder {
	if osVersionAtLeast != nil && osVersionAtLeast() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
