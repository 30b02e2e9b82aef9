package chunk

import (
	"bytes"
	"testing"
)

func TestBlobAddressIsContentDerived(t *testing.T) {
	a := &Chunk{Kind: BlobPublic, Value: []byte("hello")}
	b := &Chunk{Kind: BlobPublic, Value: []byte("hello")}
	c := &Chunk{Kind: BlobPublic, Value: []byte("world")}

	if a.Address() != b.Address() {
		t.Errorf("equal content produced different addresses")
	}

	if a.Address() == c.Address() {
		t.Errorf("different content produced the same address")
	}
}

func TestPrivateBlobAddressBindsOwner(t *testing.T) {
	a := &Chunk{Kind: BlobPrivate, Owner: []byte("alice"), Value: []byte("secret")}
	b := &Chunk{Kind: BlobPrivate, Owner: []byte("bob"), Value: []byte("secret")}

	if a.Address() == b.Address() {
		t.Errorf("owner not bound into private blob address")
	}
}

func TestMutableAddressStableUnderMutation(t *testing.T) {
	m := NewMap([]byte("alice"), "contacts", true)

	before, err := m.Chunk()
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	if err := m.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	after, err := m.Chunk()
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	if before.Address() != after.Address() {
		t.Errorf("mutable address changed after mutation")
	}
}

func TestSequencedMapVersionCheck(t *testing.T) {
	m := NewMap([]byte("alice"), "contacts", true)

	if err := m.Set("k", []byte("v1"), 0); err != nil {
		t.Fatalf("initial Set failed: %v", err)
	}

	if err := m.Set("k", []byte("v2"), 0); err == nil {
		t.Errorf("stale version accepted")
	}

	if err := m.Set("k", []byte("v2"), 1); err != nil {
		t.Errorf("correct version rejected: %v", err)
	}

	if err := m.Delete("k", 1); err == nil {
		t.Errorf("stale delete accepted")
	}

	if err := m.Delete("k", 2); err != nil {
		t.Errorf("correct delete rejected: %v", err)
	}
}

func TestUnsequencedMapOverwrites(t *testing.T) {
	m := NewMap([]byte("alice"), "cache", false)

	if err := m.Set("k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Any expected version is accepted.
	if err := m.Set("k", []byte("v2"), 99); err != nil {
		t.Errorf("unsequenced Set rejected: %v", err)
	}
}

func TestMapChunkRoundTrip(t *testing.T) {
	m := NewMap([]byte("alice"), "contacts", true)
	m.Set("bob", []byte("address"), 0)

	c, err := m.Chunk()
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	back, err := MapFromChunk(c)
	if err != nil {
		t.Fatalf("MapFromChunk failed: %v", err)
	}

	v, ok := back.Get("bob")
	if !ok || !bytes.Equal(v.Data, []byte("address")) || v.Version != 1 {
		t.Errorf("round trip lost entry: %+v ok=%v", v, ok)
	}
}

func TestRegisterPermissions(t *testing.T) {
	owner := User("alice")
	writer := User("bob")
	stranger := User("mallory")

	r := NewRegister(owner, "log")

	if err := r.Append(owner, []byte("first")); err != nil {
		t.Fatalf("owner append failed: %v", err)
	}

	if err := r.Append(stranger, []byte("nope")); err == nil {
		t.Errorf("append without permission accepted")
	}

	if err := r.SetPermissions(stranger, writer, PermWrite); err == nil {
		t.Errorf("permission change without manage accepted")
	}

	if err := r.SetPermissions(owner, writer, PermRead|PermWrite); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}

	if err := r.Append(writer, []byte("second")); err != nil {
		t.Errorf("granted writer rejected: %v", err)
	}

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}

	if !r.CanRead(writer) || r.CanRead(stranger) {
		t.Errorf("read permissions wrong")
	}
}

func TestRegisterEntrySizeLimit(t *testing.T) {
	r := NewRegister(User("alice"), "log")

	big := make([]byte, MaxRegisterEntrySize+1)
	if err := r.Append(User("alice"), big); err == nil {
		t.Errorf("oversized entry accepted")
	}

	exact := make([]byte, MaxRegisterEntrySize)
	if err := r.Append(User("alice"), exact); err != nil {
		t.Errorf("entry at the limit rejected: %v", err)
	}
}

func TestRegisterChunkRoundTrip(t *testing.T) {
	r := NewRegister(User("alice"), "log")
	r.Append(User("alice"), []byte("entry-0"))

	c, err := r.Chunk()
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	if c.Address().Kind != RegisterKind {
		t.Errorf("wrong address kind: %s", c.Address().Kind)
	}

	back, err := RegisterFromChunk(c)
	if err != nil {
		t.Fatalf("RegisterFromChunk failed: %v", err)
	}

	if back.Len() != 1 || !bytes.Equal(back.Entries[0], []byte("entry-0")) {
		t.Errorf("round trip lost entries")
	}
}

func TestChunkValidate(t *testing.T) {
	tests := []struct {
		name    string
		chunk   Chunk
		wantErr bool
	}{
		{"public blob", Chunk{Kind: BlobPublic, Value: []byte("x")}, false},
		{"private blob without owner", Chunk{Kind: BlobPrivate, Value: []byte("x")}, true},
		{"map without tag", Chunk{Kind: MapSequenced, Owner: []byte("a")}, true},
		{"register ok", Chunk{Kind: RegisterKind, Owner: []byte("a"), Tag: "t"}, false},
		{"unknown kind", Chunk{Kind: 99}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chunk.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	c := &Chunk{Kind: BlobPublic, Value: []byte("payload")}

	raw, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	back, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if back.Kind != c.Kind || !bytes.Equal(back.Value, c.Value) {
		t.Errorf("round trip mismatch")
	}

	if back.Address() != c.Address() {
		t.Errorf("address changed across encode/decode")
	}
}
