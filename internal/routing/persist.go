package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/ugorji/go/codec"

	"safenet/internal/xor"
)

// snapshotFile is the section snapshot path under the state root.
const snapshotFile = "section.cbor"

// cborHandle is the CBOR configuration for persisted snapshots.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// snapshot is the persisted form of the table. Prefixes are stored as
// binary strings so the snapshot stays readable with generic tools.
type snapshot struct {
	OurName   xor.Name      `codec:"our_name"`
	Prefix    string        `codec:"prefix"`
	Members   []Member      `codec:"members"`
	Key       []byte        `codec:"key"`
	PrevKey   []byte        `codec:"prev_key"`
	RotatedAt int64         `codec:"rotated_at"`
	Remote    []refSnapshot `codec:"remote"`
}

// refSnapshot is the persisted form of a remote section reference.
type refSnapshot struct {
	Prefix string   `codec:"prefix"`
	Key    []byte   `codec:"key"`
	Elders []Member `codec:"elders"`
}

// Save writes the table snapshot to <stateDir>/section.cbor with the
// write-temp-then-rename pattern.
func (t *Table) Save(stateDir string) error {
	t.mu.RLock()

	snap := snapshot{
		OurName:   t.ourName,
		Prefix:    t.our.Prefix.String(),
		Members:   append([]Member(nil), t.our.Members...),
		Key:       append([]byte(nil), t.our.Key...),
		PrevKey:   append([]byte(nil), t.our.PrevKey...),
		RotatedAt: t.our.RotatedAt.UnixNano(),
	}

	for _, ref := range t.remote {
		snap.Remote = append(snap.Remote, refSnapshot{
			Prefix: ref.Prefix.String(),
			Key:    append([]byte(nil), ref.Key...),
			Elders: append([]Member(nil), ref.Elders...),
		})
	}

	t.mu.RUnlock()

	var raw []byte
	if err := codec.NewEncoderBytes(&raw, cborHandle).Encode(snap); err != nil {
		return fmt.Errorf("encode section snapshot: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(stateDir, snapshotFile)
	if err := renameio.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write section snapshot: %w", err)
	}

	return nil
}

// Load restores a table from <stateDir>/section.cbor. It returns
// os.ErrNotExist when no snapshot was ever written.
func Load(stateDir string) (*Table, error) {
	raw, err := os.ReadFile(filepath.Join(stateDir, snapshotFile))
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := codec.NewDecoderBytes(raw, cborHandle).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode section snapshot: %w", err)
	}

	prefix, err := xor.ParsePrefix(snap.Prefix)
	if err != nil {
		return nil, fmt.Errorf("parse section prefix: %w", err)
	}

	t := NewTable(snap.OurName)
	t.our = SectionInfo{
		Prefix:    prefix,
		Members:   snap.Members,
		Key:       snap.Key,
		PrevKey:   snap.PrevKey,
		RotatedAt: time.Unix(0, snap.RotatedAt),
	}

	for _, ref := range snap.Remote {
		p, err := xor.ParsePrefix(ref.Prefix)
		if err != nil {
			return nil, fmt.Errorf("parse remote prefix: %w", err)
		}

		t.remote[p.String()] = SectionRef{Prefix: p, Key: ref.Key, Elders: ref.Elders}
	}

	return t, nil
}
