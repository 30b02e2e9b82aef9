// Package xor implements the 256-bit name space and prefix algebra.
// Names form a metric space under d(a,b) = a XOR b; sections own
// disjoint prefixes whose union covers the whole space.
package xor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"
)

// NameSize is the byte length of a Name (256 bits).
const NameSize = 32

// Name is a 256-bit identifier in the address space.
type Name [NameSize]byte

// NameFromBytes hashes arbitrary bytes into a uniformly distributed Name.
func NameFromBytes(data []byte) Name {
	return Name(blake3.Sum256(data))
}

// NameFromHex decodes a 64-character hex string into a Name.
func NameFromHex(s string) (Name, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Name{}, fmt.Errorf("decode name: %w", err)
	}

	if len(raw) != NameSize {
		return Name{}, fmt.Errorf("invalid name length: got %d, want %d", len(raw), NameSize)
	}

	var n Name
	copy(n[:], raw)

	return n, nil
}

// Hex returns the lowercase hex encoding of the name. It is also the
// on-disk key form used by the chunk store.
func (n Name) Hex() string {
	return hex.EncodeToString(n[:])
}

// String returns a short hex form for logging.
func (n Name) String() string {
	return hex.EncodeToString(n[:4])
}

// Distance returns the XOR distance between two names.
func Distance(a, b Name) Name {
	var d Name
	for i := 0; i < NameSize; i++ {
		d[i] = a[i] ^ b[i]
	}

	return d
}

// Cmp compares two names as big-endian unsigned integers.
// Returns -1, 0 or 1.
func Cmp(a, b Name) int {
	return bytes.Compare(a[:], b[:])
}

// CommonPrefixLen returns the number of leading bits shared by a and b,
// in the range [0, 256].
func CommonPrefixLen(a, b Name) int {
	for i := 0; i < NameSize; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}

	return NameSize * 8
}

// CloserTo reports whether a is closer to target than b by XOR distance.
// Equal distances are broken by unsigned order: the lower name wins.
func CloserTo(target, a, b Name) bool {
	for i := 0; i < NameSize; i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			return da < db
		}
	}

	// Equal distance: lower name wins for determinism.
	return Cmp(a, b) < 0
}

// SortByDistance orders names in place by ascending XOR distance to target,
// ties broken by unsigned order.
func SortByDistance(target Name, names []Name) {
	// Insertion sort: member lists are small and mostly sorted.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && CloserTo(target, names[j], names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}

// Bit returns the i-th bit of the name, counting from the most
// significant bit of the first byte.
func (n Name) Bit(i int) byte {
	return (n[i/8] >> (7 - i%8)) & 1
}

// WithBit returns a copy of the name with bit i set to the given value.
func (n Name) WithBit(i int, bit byte) Name {
	mask := byte(1) << (7 - i%8)
	if bit == 0 {
		n[i/8] &^= mask
	} else {
		n[i/8] |= mask
	}

	return n
}
