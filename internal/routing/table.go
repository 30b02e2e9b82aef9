// Package routing holds the node's network knowledge: our section, its
// members and keys, and references to every other known section. Reads
// are lock-free snapshots of a consistent state; all mutation arrives
// from the section state machine under a single-writer discipline.
package routing

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"safenet/internal/errs"
	"safenet/internal/xor"
)

// Role is a member's role within its section.
type Role uint8

const (
	// Adult members store data.
	Adult Role = iota

	// Elder members vote on section transitions.
	Elder
)

// String returns the role name for logging.
func (r Role) String() string {
	if r == Elder {
		return "elder"
	}

	return "adult"
}

// Member is one node of a section.
type Member struct {
	Name      xor.Name `codec:"name"` // Name is the node's network name
	PublicKey []byte   `codec:"pk"`   // PublicKey is the ed25519 identity key
	BLSKey    []byte   `codec:"bls"`  // BLSKey is the member's BLS share public key
	Addr      string   `codec:"addr"` // Addr is the current network address
	Age       uint8    `codec:"age"`  // Age drives relocation scheduling
	Role      Role     `codec:"role"` // Role is elder or adult
}

// SectionRef is a weak reference to a remote section: its prefix, its
// current public key and its elders. Never a direct pointer.
type SectionRef struct {
	Prefix xor.Prefix // Prefix is the section's region
	Key    []byte     // Key is the section's BLS public key
	Elders []Member   // Elders are the section's voting members
}

// SectionInfo is the full view of our own section.
type SectionInfo struct {
	Prefix    xor.Prefix // Prefix is our region
	Members   []Member   // Members is the bounded, ordered member list
	Key       []byte     // Key is the current section public key
	PrevKey   []byte     // PrevKey is the pre-rotation key, valid in the grace window
	RotatedAt time.Time  // RotatedAt is the time of the last key rotation
}

// Elders returns the elder subset of the member list.
func (s SectionInfo) Elders() []Member {
	var elders []Member
	for _, m := range s.Members {
		if m.Role == Elder {
			elders = append(elders, m)
		}
	}

	return elders
}

// Adults returns the adult subset of the member list.
func (s SectionInfo) Adults() []Member {
	var adults []Member
	for _, m := range s.Members {
		if m.Role == Adult {
			adults = append(adults, m)
		}
	}

	return adults
}

// FindMember returns the member with the given name, or false.
func (s SectionInfo) FindMember(name xor.Name) (Member, bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, true
		}
	}

	return Member{}, false
}

// Ref returns the weak-reference form of the section.
func (s SectionInfo) Ref() SectionRef {
	return SectionRef{Prefix: s.Prefix, Key: s.Key, Elders: s.Elders()}
}

// Table is the network knowledge structure. A single writer (the
// section state machine) mutates it; readers observe the state of one
// completed transition.
type Table struct {
	mu      sync.RWMutex
	ourName xor.Name              // ourName is this node's name
	our     SectionInfo           // our is this node's section
	remote  map[string]SectionRef // remote maps prefix string to section reference
}

// NewTable creates a table for the node with the given name. The
// initial section covers the whole space until the first transition.
func NewTable(ourName xor.Name) *Table {
	return &Table{
		ourName: ourName,
		remote:  make(map[string]SectionRef),
	}
}

// OurName returns this node's name.
func (t *Table) OurName() xor.Name {
	return t.ourName
}

// OurPrefix returns our section's prefix.
func (t *Table) OurPrefix() xor.Prefix {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.our.Prefix
}

// OurSection returns a copy of our section's state.
func (t *Table) OurSection() SectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return copySection(t.our)
}

// SiblingSection returns the known section at the given prefix's
// sibling, or false when none is known.
func (t *Table) SiblingSection(p xor.Prefix) (SectionRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sib := p.Sibling()

	ref, ok := t.remote[sib.String()]
	if !ok {
		return SectionRef{}, false
	}

	return copyRef(ref), true
}

// KnownSections returns references to every known section, ours first.
func (t *Table) KnownSections() []SectionRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SectionRef, 0, len(t.remote)+1)
	out = append(out, copyRef(t.our.Ref()))

	for _, ref := range t.remote {
		out = append(out, copyRef(ref))
	}

	return out
}

// SectionFor returns the section whose prefix matches the name.
func (t *Table) SectionFor(name xor.Name) (SectionRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.our.Prefix.Matches(name) {
		return copyRef(t.our.Ref()), nil
	}

	for _, ref := range t.remote {
		if ref.Prefix.Matches(name) {
			return copyRef(ref), nil
		}
	}

	return SectionRef{}, fmt.Errorf("no section for %s: %w", name, errs.ErrPrefixMismatch)
}

// AuthorityFor returns the section responsible for the name. It is the
// same lookup as SectionFor; the separate name marks responsibility
// decisions in the data plane.
func (t *Table) AuthorityFor(name xor.Name) (SectionRef, error) {
	return t.SectionFor(name)
}

// IsOurs reports whether the name lies in our prefix.
func (t *Table) IsOurs(name xor.Name) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.our.Prefix.Matches(name)
}

// AcceptsKey reports whether a section key is our current key, or the
// previous one still inside the grace window.
func (t *Table) AcceptsKey(key []byte, grace time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if bytes.Equal(key, t.our.Key) {
		return true
	}

	if bytes.Equal(key, t.our.PrevKey) && len(t.our.PrevKey) > 0 {
		return time.Since(t.our.RotatedAt) <= grace
	}

	return false
}

// SetOurSection installs a new state for our section. It rejects a
// prefix that overlaps any known remote section.
func (t *Table) SetOurSection(s SectionInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, ref := range t.remote {
		if s.Prefix.IsAncestorOf(ref.Prefix) || ref.Prefix.IsAncestorOf(s.Prefix) {
			return fmt.Errorf("prefix %q overlaps known section %q: %w", s.Prefix, key, errs.ErrPrefixMismatch)
		}
	}

	t.our = copySection(s)

	return nil
}

// UpsertRemote records or refreshes a remote section reference. A
// reference whose prefix is covered by a newer, longer prefix replaces
// the stale ancestor.
func (t *Table) UpsertRemote(ref SectionRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.our.Prefix.Equal(ref.Prefix) {
		return fmt.Errorf("remote reference for our own prefix %q", ref.Prefix)
	}

	// Drop stale ancestors and descendants replaced by this reference.
	for key, existing := range t.remote {
		if existing.Prefix.Equal(ref.Prefix) {
			continue
		}
		if existing.Prefix.IsAncestorOf(ref.Prefix) || ref.Prefix.IsAncestorOf(existing.Prefix) {
			delete(t.remote, key)
		}
	}

	t.remote[ref.Prefix.String()] = copyRef(ref)

	return nil
}

// RemoveRemote forgets a remote section, e.g. after it merged away.
func (t *Table) RemoveRemote(p xor.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.remote, p.String())
}

// copySection deep-copies a section info value.
func copySection(s SectionInfo) SectionInfo {
	out := s
	out.Members = append([]Member(nil), s.Members...)
	out.Key = append([]byte(nil), s.Key...)
	out.PrevKey = append([]byte(nil), s.PrevKey...)

	return out
}

// copyRef deep-copies a section reference.
func copyRef(r SectionRef) SectionRef {
	out := r
	out.Key = append([]byte(nil), r.Key...)
	out.Elders = append([]Member(nil), r.Elders...)

	return out
}
