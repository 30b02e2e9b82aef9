// Package chunk defines the data-plane value types: public and private
// blobs, sequenced and unsequenced maps, and append-only registers.
// Every variant derives its network address from content (immutable) or
// from owner and tag (mutable).
package chunk

import (
	"fmt"

	"github.com/zeebo/blake3"

	"safenet/internal/xor"
)

// Kind discriminates the chunk variants.
type Kind uint8

const (
	// BlobPublic is an immutable, publicly readable blob.
	BlobPublic Kind = iota + 1

	// BlobPrivate is an immutable blob scoped to its owner.
	BlobPrivate

	// MapSequenced is a mutable key-value map with per-key versions.
	MapSequenced

	// MapUnsequenced is a mutable key-value map without versioning.
	MapUnsequenced

	// RegisterKind is an append-only permissioned log.
	RegisterKind
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case BlobPublic:
		return "blob-public"
	case BlobPrivate:
		return "blob-private"
	case MapSequenced:
		return "map-sequenced"
	case MapUnsequenced:
		return "map-unsequenced"
	case RegisterKind:
		return "register"
	default:
		return "unknown"
	}
}

// Mutable reports whether the variant accepts in-place mutation.
// Blobs are immutable; maps and registers are mutable.
func (k Kind) Mutable() bool {
	switch k {
	case MapSequenced, MapUnsequenced, RegisterKind:
		return true
	default:
		return false
	}
}

// Dir returns the store subdirectory for the variant.
func (k Kind) Dir() string {
	switch k {
	case BlobPublic, BlobPrivate:
		return "blob"
	case MapSequenced, MapUnsequenced:
		return "map"
	case RegisterKind:
		return "register"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	return k >= BlobPublic && k <= RegisterKind
}

// Address locates a chunk in the network: the variant plus its name in
// the address space.
type Address struct {
	Kind Kind     `codec:"kind"` // Kind is the chunk variant
	Name xor.Name `codec:"name"` // Name is the 256-bit network address
}

// DBKey returns the hex-encoded name used as the on-disk key.
func (a Address) DBKey() string {
	return a.Name.Hex()
}

// String returns a short form for logging.
func (a Address) String() string {
	return fmt.Sprintf("%s/%s", a.Kind, a.Name)
}

// Chunk is a tagged variant value. Value carries the blob bytes for
// immutable kinds and the encoded map or register state for mutable
// kinds. Owner and Tag are set for mutable kinds only.
type Chunk struct {
	Kind  Kind   `codec:"kind"`  // Kind is the variant
	Owner []byte `codec:"owner"` // Owner is the owner public key (mutable and private kinds)
	Tag   string `codec:"tag"`   // Tag is the owner-scoped name (mutable kinds)
	Value []byte `codec:"value"` // Value is the content bytes
}

// Address derives the chunk's network address. Immutable variants hash
// their content; private blobs bind the owner into the hash; mutable
// variants hash kind, owner and tag so the address survives mutation.
func (c *Chunk) Address() Address {
	h := blake3.New()

	switch c.Kind {
	case BlobPublic:
		h.Write(c.Value)
	case BlobPrivate:
		h.Write(c.Value)
		h.Write(c.Owner)
	default:
		h.Write([]byte{byte(c.Kind)})
		h.Write(c.Owner)
		h.Write([]byte(c.Tag))
	}

	var name xor.Name
	h.Sum(name[:0])

	return Address{Kind: c.Kind, Name: name}
}

// Validate checks structural invariants of the chunk.
func (c *Chunk) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("invalid chunk kind %d", c.Kind)
	}

	if c.Kind.Mutable() || c.Kind == BlobPrivate {
		if len(c.Owner) == 0 {
			return fmt.Errorf("%s chunk requires an owner", c.Kind)
		}
	}

	if c.Kind.Mutable() && c.Tag == "" {
		return fmt.Errorf("%s chunk requires a tag", c.Kind)
	}

	return nil
}
