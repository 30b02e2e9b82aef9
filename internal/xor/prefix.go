package xor

import (
	"fmt"
	"strings"
)

// MaxPrefixLen is the maximum prefix length in bits.
const MaxPrefixLen = NameSize * 8

// Prefix is a variable-length bit string identifying a region of the
// address space. The zero value is the empty prefix covering everything.
type Prefix struct {
	name   Name // name carries the prefix bits; bits past bitLen are zero
	bitLen int  // bitLen is the number of significant bits
}

// NewPrefix returns the prefix made of the first bitLen bits of name.
func NewPrefix(name Name, bitLen int) Prefix {
	if bitLen < 0 {
		bitLen = 0
	}
	if bitLen > MaxPrefixLen {
		bitLen = MaxPrefixLen
	}

	return Prefix{name: truncate(name, bitLen), bitLen: bitLen}
}

// ParsePrefix parses a binary string such as "0110" into a prefix.
// The empty string is the empty prefix.
func ParsePrefix(s string) (Prefix, error) {
	if len(s) > MaxPrefixLen {
		return Prefix{}, fmt.Errorf("prefix too long: %d bits", len(s))
	}

	var name Name
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			name = name.WithBit(i, 1)
		default:
			return Prefix{}, fmt.Errorf("invalid prefix character %q", c)
		}
	}

	return Prefix{name: name, bitLen: len(s)}, nil
}

// BitLen returns the prefix length in bits.
func (p Prefix) BitLen() int {
	return p.bitLen
}

// Name returns the name carrying the prefix bits, zero-padded.
func (p Prefix) Name() Name {
	return p.name
}

// Matches reports whether the name lies inside the prefix's region.
func (p Prefix) Matches(n Name) bool {
	return CommonPrefixLen(p.name, n) >= p.bitLen
}

// Extend appends one bit to the prefix. It fails when the prefix is
// already at the maximum length.
func (p Prefix) Extend(bit byte) (Prefix, error) {
	if p.bitLen >= MaxPrefixLen {
		return Prefix{}, fmt.Errorf("cannot extend prefix of length %d", p.bitLen)
	}

	name := p.name
	if bit != 0 {
		name = name.WithBit(p.bitLen, 1)
	}

	return Prefix{name: name, bitLen: p.bitLen + 1}, nil
}

// Sibling returns the prefix with the last bit flipped. The sibling of
// the empty prefix is the empty prefix.
func (p Prefix) Sibling() Prefix {
	if p.bitLen == 0 {
		return p
	}

	i := p.bitLen - 1

	return Prefix{name: p.name.WithBit(i, 1^p.name.Bit(i)), bitLen: p.bitLen}
}

// Ancestor returns the prefix with the last bit dropped. The ancestor of
// the empty prefix is the empty prefix.
func (p Prefix) Ancestor() Prefix {
	if p.bitLen == 0 {
		return p
	}

	return Prefix{name: truncate(p.name, p.bitLen-1), bitLen: p.bitLen - 1}
}

// IsAncestorOf reports whether p is an ancestor of (or equal to) q.
func (p Prefix) IsAncestorOf(q Prefix) bool {
	return p.bitLen <= q.bitLen && p.Matches(q.name)
}

// Centre returns the name at the middle of the prefix's region: the
// prefix bits followed by a single 1 bit, then zeros. The full-length
// prefix is its own centre.
func (p Prefix) Centre() Name {
	if p.bitLen >= MaxPrefixLen {
		return p.name
	}

	return p.name.WithBit(p.bitLen, 1)
}

// Equal reports whether two prefixes are identical.
func (p Prefix) Equal(q Prefix) bool {
	return p.bitLen == q.bitLen && p.name == q.name
}

// String returns the prefix as a binary string. The empty prefix is "".
func (p Prefix) String() string {
	var b strings.Builder
	for i := 0; i < p.bitLen; i++ {
		b.WriteByte('0' + p.name.Bit(i))
	}

	return b.String()
}

// truncate zeroes all bits of the name past bitLen.
func truncate(n Name, bitLen int) Name {
	var out Name

	full := bitLen / 8
	copy(out[:full], n[:full])

	if rem := bitLen % 8; rem != 0 {
		out[full] = n[full] & (0xFF << (8 - rem))
	}

	return out
}
