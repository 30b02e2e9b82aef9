// Package catchup builds and applies section snapshots. A member that
// fell behind, e.g. by missing a key rotation past the grace window,
// asks any elder for a snapshot and replaces its network knowledge with
// the elder's view in one step.
package catchup

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ugorji/go/codec"
	"github.com/zeebo/blake3"

	"safenet/internal/routing"
	"safenet/internal/xor"
)

// snapshotVersion is the current snapshot format version.
const snapshotVersion = 1

// snapshot is the wire form of an elder's section view. Prefixes travel
// as binary strings, matching the persisted table format.
type snapshot struct {
	Version   uint32           `codec:"version"`  // Version is the format version
	Prefix    string           `codec:"prefix"`   // Prefix is our section's binary prefix
	Members   []routing.Member `codec:"members"`  // Members is the full member list
	Key       []byte           `codec:"key"`      // Key is the current section key
	PrevKey   []byte           `codec:"prev"`     // PrevKey is the pre-rotation key
	RotatedAt int64            `codec:"rotated"`  // RotatedAt is the rotation unix time in ms
	Remotes   []refRecord      `codec:"remotes"`  // Remotes are the known remote sections
	Checksum  []byte           `codec:"checksum"` // Checksum is blake3 over the payload fields
	CreatedAt int64            `codec:"at"`       // CreatedAt is the build unix time in ms
}

// refRecord is the wire form of a remote section reference.
type refRecord struct {
	Prefix string           `codec:"prefix"`
	Key    []byte           `codec:"key"`
	Elders []routing.Member `codec:"elders"`
}

// cborHandle is the snapshot CBOR configuration.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// Build creates a compressed snapshot of the table's current view.
func Build(table *routing.Table) ([]byte, error) {
	section := table.OurSection()

	snap := snapshot{
		Version:   snapshotVersion,
		Prefix:    section.Prefix.String(),
		Members:   section.Members,
		Key:       section.Key,
		PrevKey:   section.PrevKey,
		RotatedAt: section.RotatedAt.UnixMilli(),
		CreatedAt: time.Now().UnixMilli(),
	}

	for _, ref := range table.KnownSections() {
		if ref.Prefix.Equal(section.Prefix) {
			continue
		}

		snap.Remotes = append(snap.Remotes, refRecord{
			Prefix: ref.Prefix.String(),
			Key:    ref.Key,
			Elders: ref.Elders,
		})
	}

	snap.Checksum = checksum(&snap)

	var raw []byte
	if err := codec.NewEncoderBytes(&raw, cborHandle).Encode(&snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	return compress(raw)
}

// decode decompresses and validates a snapshot.
func decode(data []byte) (*snapshot, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := codec.NewDecoderBytes(raw, cborHandle).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	if !bytes.Equal(snap.Checksum, checksum(&snap)) {
		return nil, fmt.Errorf("snapshot checksum mismatch")
	}

	return &snap, nil
}

// Roster decodes a snapshot and returns the sender's section prefix
// and member list without touching local state. Merge orchestration
// reads a sibling's roster this way.
func Roster(data []byte) (xor.Prefix, []routing.Member, error) {
	snap, err := decode(data)
	if err != nil {
		return xor.Prefix{}, nil, err
	}

	prefix, err := xor.ParsePrefix(snap.Prefix)
	if err != nil {
		return xor.Prefix{}, nil, fmt.Errorf("parse snapshot prefix: %w", err)
	}

	return prefix, snap.Members, nil
}

// Apply decodes a compressed snapshot and replaces the table's view
// with it. The table ends on exactly the elder's completed transition.
func Apply(table *routing.Table, data []byte) error {
	snap, err := decode(data)
	if err != nil {
		return err
	}

	prefix, err := xor.ParsePrefix(snap.Prefix)
	if err != nil {
		return fmt.Errorf("parse snapshot prefix: %w", err)
	}

	section := routing.SectionInfo{
		Prefix:    prefix,
		Members:   snap.Members,
		Key:       snap.Key,
		PrevKey:   snap.PrevKey,
		RotatedAt: time.UnixMilli(snap.RotatedAt),
	}

	// Stale remote references overlapping the new prefix would block the
	// installation. The snapshot's remote list replaces them anyway.
	for _, ref := range table.KnownSections() {
		if ref.Prefix.IsAncestorOf(prefix) || prefix.IsAncestorOf(ref.Prefix) {
			table.RemoveRemote(ref.Prefix)
		}
	}

	if err := table.SetOurSection(section); err != nil {
		return fmt.Errorf("install snapshot section: %w", err)
	}

	for _, rec := range snap.Remotes {
		p, err := xor.ParsePrefix(rec.Prefix)
		if err != nil {
			return fmt.Errorf("parse remote prefix: %w", err)
		}

		ref := routing.SectionRef{Prefix: p, Key: rec.Key, Elders: rec.Elders}
		if err := table.UpsertRemote(ref); err != nil {
			return fmt.Errorf("install remote %q: %w", rec.Prefix, err)
		}
	}

	return nil
}

// checksum hashes the snapshot's payload fields in a fixed order. The
// Checksum field itself is excluded.
func checksum(s *snapshot) []byte {
	h := blake3.New()

	var version [4]byte
	version[3] = byte(s.Version)
	h.Write(version[:])

	h.Write([]byte(s.Prefix))
	h.Write(s.Key)
	h.Write(s.PrevKey)

	for _, m := range s.Members {
		hashMember(h, m)
	}

	for _, ref := range s.Remotes {
		h.Write([]byte(ref.Prefix))
		h.Write(ref.Key)

		for _, e := range ref.Elders {
			hashMember(h, e)
		}
	}

	return h.Sum(nil)
}

// hashMember feeds one member's identifying fields into the checksum.
func hashMember(h *blake3.Hasher, m routing.Member) {
	h.Write(m.Name[:])
	h.Write(m.PublicKey)
	h.Write(m.BLSKey)
	h.Write([]byte(m.Addr))
	h.Write([]byte{m.Age, byte(m.Role)})
}

// compress applies zstd at the default speed level.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
