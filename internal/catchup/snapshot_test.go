package catchup

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"safenet/internal/routing"
	"safenet/internal/xor"
)

func nameWithFirstByte(b byte) xor.Name {
	var n xor.Name
	n[0] = b
	return n
}

func testMember(b byte, role routing.Role) routing.Member {
	name := nameWithFirstByte(b)

	return routing.Member{
		Name:      name,
		PublicKey: bytes.Repeat([]byte{b}, 32),
		BLSKey:    bytes.Repeat([]byte{b ^ 0xFF}, 48),
		Addr:      "127.0.0.1:9000",
		Age:       3,
		Role:      role,
	}
}

func mustPrefix(t *testing.T, s string) xor.Prefix {
	t.Helper()

	p, err := xor.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}

	return p
}

// newElderTable builds a populated table in the state an elder of
// section "0" would hold.
func newElderTable(t *testing.T) *routing.Table {
	t.Helper()

	table := routing.NewTable(nameWithFirstByte(0x00))

	section := routing.SectionInfo{
		Prefix: mustPrefix(t, "0"),
		Members: []routing.Member{
			testMember(0x00, routing.Elder),
			testMember(0x10, routing.Elder),
			testMember(0x20, routing.Adult),
		},
		Key:       bytes.Repeat([]byte{0xAA}, 96),
		PrevKey:   bytes.Repeat([]byte{0xBB}, 96),
		RotatedAt: time.UnixMilli(1700000000000),
	}
	if err := table.SetOurSection(section); err != nil {
		t.Fatalf("set section: %v", err)
	}

	remote := routing.SectionRef{
		Prefix: mustPrefix(t, "1"),
		Key:    bytes.Repeat([]byte{0xCC}, 96),
		Elders: []routing.Member{testMember(0x80, routing.Elder)},
	}
	if err := table.UpsertRemote(remote); err != nil {
		t.Fatalf("upsert remote: %v", err)
	}

	return table
}

func TestSnapshotRoundTrip(t *testing.T) {
	source := newElderTable(t)

	data, err := Build(source)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	fresh := routing.NewTable(nameWithFirstByte(0x20))
	if err := Apply(fresh, data); err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := source.OurSection()
	got := fresh.OurSection()

	if !got.Prefix.Equal(want.Prefix) {
		t.Fatalf("prefix = %q, want %q", got.Prefix, want.Prefix)
	}
	if len(got.Members) != len(want.Members) {
		t.Fatalf("got %d members, want %d", len(got.Members), len(want.Members))
	}
	for i, m := range got.Members {
		if m.Name != want.Members[i].Name || m.Role != want.Members[i].Role {
			t.Fatalf("member %d = %v, want %v", i, m, want.Members[i])
		}
		if !bytes.Equal(m.BLSKey, want.Members[i].BLSKey) {
			t.Fatalf("member %d BLS key not preserved", i)
		}
	}
	if !bytes.Equal(got.Key, want.Key) || !bytes.Equal(got.PrevKey, want.PrevKey) {
		t.Fatal("section keys not preserved")
	}
	if !got.RotatedAt.Equal(want.RotatedAt) {
		t.Fatalf("rotated at = %v, want %v", got.RotatedAt, want.RotatedAt)
	}

	refs := fresh.KnownSections()
	var foundRemote bool
	for _, ref := range refs {
		if ref.Prefix.String() == "1" {
			foundRemote = true
		}
	}
	if !foundRemote {
		t.Fatal("remote section reference not preserved")
	}
}

func TestRosterReadsSnapshotWithoutApplying(t *testing.T) {
	source := newElderTable(t)

	data, err := Build(source)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	prefix, members, err := Roster(data)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}

	if !prefix.Equal(mustPrefix(t, "0")) {
		t.Errorf("prefix = %q, want %q", prefix, "0")
	}
	if len(members) != 3 {
		t.Fatalf("got %d members, want 3", len(members))
	}
	for i, b := range []byte{0x00, 0x10, 0x20} {
		if members[i].Name != nameWithFirstByte(b) {
			t.Errorf("member %d = %s, want first byte %#02x", i, members[i].Name, b)
		}
	}

	if _, _, err := Roster([]byte("not a snapshot")); err == nil {
		t.Error("undecodable data produced a roster")
	}
}

func TestSnapshotCompresses(t *testing.T) {
	source := newElderTable(t)

	data, err := Build(source)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, err := decompress(data)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	if len(raw) == 0 {
		t.Fatal("empty snapshot payload")
	}
}

func TestApplyRejectsCorruptData(t *testing.T) {
	fresh := routing.NewTable(nameWithFirstByte(0x20))

	if err := Apply(fresh, []byte("not a snapshot")); err == nil {
		t.Fatal("expected error for corrupt data")
	}
}

func TestApplyRejectsTamperedSnapshot(t *testing.T) {
	source := newElderTable(t)

	data, err := Build(source)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, err := decompress(data)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	// Flip a byte in the member region and recompress. The checksum no
	// longer matches the payload.
	tampered := append([]byte(nil), raw...)
	idx := bytes.Index(tampered, []byte("127.0.0.1:9000"))
	if idx < 0 {
		t.Fatal("member address not found in payload")
	}
	tampered[idx] ^= 0xFF

	packed, err := compress(tampered)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	fresh := routing.NewTable(nameWithFirstByte(0x20))
	err = Apply(fresh, packed)
	if err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestApplyDropsStaleOverlappingRemotes(t *testing.T) {
	// The elder's section merged back to the root prefix while this
	// node was away. Its stale reference to "1" overlaps the new
	// prefix and must give way.
	source := routing.NewTable(nameWithFirstByte(0x00))
	merged := routing.SectionInfo{
		Prefix: xor.Prefix{},
		Members: []routing.Member{
			testMember(0x00, routing.Elder),
			testMember(0x80, routing.Elder),
		},
		Key:       bytes.Repeat([]byte{0xAA}, 96),
		RotatedAt: time.UnixMilli(1700000000000),
	}
	if err := source.SetOurSection(merged); err != nil {
		t.Fatalf("set section: %v", err)
	}

	data, err := Build(source)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	stale := newElderTable(t)
	if err := Apply(stale, data); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got := stale.OurSection()
	if got.Prefix.BitLen() != 0 {
		t.Fatalf("prefix = %q, want root", got.Prefix)
	}
	if refs := stale.KnownSections(); len(refs) != 0 {
		t.Fatalf("got %d remote references, want 0", len(refs))
	}
}
