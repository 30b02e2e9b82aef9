package chunk

import (
	"bytes"
	"fmt"
)

// MaxRegisterEntrySize is the maximum size of a single register entry.
const MaxRegisterEntrySize = 1024

// Permission flags for register users.
const (
	PermRead uint8 = 1 << iota
	PermWrite
	PermManage
)

// User identifies a register user by public key.
type User []byte

// Register is an append-only log of entries with a per-user permission
// set. The owner always holds every permission.
type Register struct {
	Owner       []byte            `codec:"owner"`   // Owner is the register owner's public key
	Tag         string            `codec:"tag"`     // Tag is the owner-scoped name
	Entries     [][]byte          `codec:"entries"` // Entries is the append-only log
	Permissions map[string]uint8  `codec:"perms"`   // Permissions maps raw user key bytes to flags
}

// NewRegister creates an empty register owned by the given key.
func NewRegister(owner []byte, tag string) *Register {
	return &Register{
		Owner:       owner,
		Tag:         tag,
		Permissions: make(map[string]uint8),
	}
}

// permissionsOf returns the effective permission flags for a user.
func (r *Register) permissionsOf(user User) uint8 {
	if bytes.Equal(user, r.Owner) {
		return PermRead | PermWrite | PermManage
	}

	return r.Permissions[string(user)]
}

// CanRead reports whether the user may read entries.
func (r *Register) CanRead(user User) bool {
	return r.permissionsOf(user)&PermRead != 0
}

// Append adds an entry on behalf of the user. The entry must not exceed
// MaxRegisterEntrySize and the user must hold write permission.
func (r *Register) Append(user User, entry []byte) error {
	if len(entry) > MaxRegisterEntrySize {
		return fmt.Errorf("entry too large: %d > %d", len(entry), MaxRegisterEntrySize)
	}

	if r.permissionsOf(user)&PermWrite == 0 {
		return fmt.Errorf("user lacks write permission")
	}

	cp := make([]byte, len(entry))
	copy(cp, entry)
	r.Entries = append(r.Entries, cp)

	return nil
}

// SetPermissions grants the target user the given flags. The acting
// user must hold the manage permission.
func (r *Register) SetPermissions(actor, target User, flags uint8) error {
	if r.permissionsOf(actor)&PermManage == 0 {
		return fmt.Errorf("user lacks manage permission")
	}

	if r.Permissions == nil {
		r.Permissions = make(map[string]uint8)
	}

	r.Permissions[string(target)] = flags

	return nil
}

// Len returns the number of entries.
func (r *Register) Len() int {
	return len(r.Entries)
}

// Chunk wraps the register into its chunk form for storage and transit.
func (r *Register) Chunk() (*Chunk, error) {
	value, err := encode(r)
	if err != nil {
		return nil, fmt.Errorf("encode register: %w", err)
	}

	return &Chunk{Kind: RegisterKind, Owner: r.Owner, Tag: r.Tag, Value: value}, nil
}

// RegisterFromChunk decodes a register from its chunk form.
func RegisterFromChunk(c *Chunk) (*Register, error) {
	if c.Kind != RegisterKind {
		return nil, fmt.Errorf("not a register chunk: %s", c.Kind)
	}

	var r Register
	if err := decode(c.Value, &r); err != nil {
		return nil, fmt.Errorf("decode register: %w", err)
	}

	return &r, nil
}
