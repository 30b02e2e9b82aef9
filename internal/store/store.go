// Package store is the node-local persistent chunk store. Immutable
// blobs live as files written with the temp-then-rename pattern;
// mutable maps and registers live in a pebble database with synced
// writes. A meta record per chunk feeds used-space accounting and the
// replication repair walk.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/google/renameio"
	"github.com/ugorji/go/codec"

	"safenet/internal/chunk"
	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/xor"
)

const (
	// DefaultFullThreshold marks the node full at 90% of capacity.
	DefaultFullThreshold = 0.90

	// DefaultHysteresis re-admits the node 5% of capacity below the
	// full threshold.
	DefaultHysteresis = 0.05

	// lockStripes is the size of the per-address lock table.
	lockStripes = 256
)

// metaPrefix keys the per-chunk meta records in pebble.
var metaPrefix = []byte("meta/")

// Config holds the store configuration.
type Config struct {
	Root          string  // Root is the storage root directory
	CapacityBytes uint64  // CapacityBytes is the configured capacity
	FullThreshold float64 // FullThreshold is the full fraction (default 0.90)
	Hysteresis    float64 // Hysteresis is the re-admission margin (default 0.05)
}

// meta is the per-chunk sidecar record.
type meta struct {
	Kind chunk.Kind `codec:"kind"` // Kind is the chunk variant
	Size uint64     `codec:"size"` // Size is the stored byte size
}

// cborHandle is the CBOR configuration for meta records.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// Store is the local chunk store with used-space accounting.
type Store struct {
	root      string        // root is the storage root
	db        *pebble.DB    // db holds mutable chunks and meta records
	capacity  uint64        // capacity is the configured byte capacity
	threshold float64       // threshold is the full fraction
	hyst      float64       // hyst is the re-admission margin
	used      atomic.Uint64 // used is the current stored bytes
	full      atomic.Bool   // full reports threshold crossed, with hysteresis
	closed    atomic.Bool   // closed guards against a second Close

	locks [lockStripes]sync.Mutex // locks serialise writes per address stripe
}

// Open creates or reopens a store under cfg.Root. Used space is rebuilt
// from the meta records.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}

	if cfg.FullThreshold == 0 {
		cfg.FullThreshold = DefaultFullThreshold
	}

	if cfg.Hysteresis == 0 {
		cfg.Hysteresis = DefaultHysteresis
	}

	for _, dir := range []string{"blob", "map", "register"} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, "chunks", dir), 0700); err != nil {
			return nil, fmt.Errorf("create chunk dir: %w", err)
		}
	}

	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(filepath.Join(cfg.Root, "chunks", "db"), opts)
	if err != nil {
		return nil, fmt.Errorf("open chunk db: %w", err)
	}

	s := &Store{
		root:      cfg.Root,
		db:        db,
		capacity:  cfg.CapacityBytes,
		threshold: cfg.FullThreshold,
		hyst:      cfg.Hysteresis,
	}

	if err := s.rebuildUsedSpace(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild used space: %w", err)
	}

	return s, nil
}

// Put stores a chunk. For immutable variants the write is idempotent:
// rewriting equal bytes is a no-op and different bytes fail with
// ErrConflict. Mutable variants overwrite with a synced write.
func (s *Store) Put(c *chunk.Chunk) error {
	if err := c.Validate(); err != nil {
		return err
	}

	addr := c.Address()

	raw, err := chunk.Encode(c)
	if err != nil {
		return err
	}

	lock := &s.locks[addr.Name[0]]
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.read(addr)
	if err != nil {
		return fmt.Errorf("read existing %s: %w", addr, err)
	}

	if existing != nil && !c.Kind.Mutable() {
		if bytes.Equal(existing, raw) {
			return nil
		}

		return fmt.Errorf("immutable chunk %s: %w", addr, errs.ErrConflict)
	}

	if c.Kind.Mutable() {
		if err := s.db.Set(s.mutableKey(addr), raw, pebble.Sync); err != nil {
			return fmt.Errorf("write %s: %w: %v", addr, errs.ErrIo, err)
		}
	} else {
		if err := renameio.WriteFile(s.blobPath(addr), raw, 0600); err != nil {
			return fmt.Errorf("write %s: %w: %v", addr, errs.ErrIo, err)
		}
	}

	if err := s.putMeta(addr, uint64(len(raw))); err != nil {
		return err
	}

	s.accountDelta(int64(len(raw)) - existingLen(existing))

	return nil
}

// Get returns a chunk by address, or ErrNotFound.
func (s *Store) Get(addr chunk.Address) (*chunk.Chunk, error) {
	raw, err := s.read(addr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", addr, err)
	}

	if raw == nil {
		return nil, fmt.Errorf("chunk %s: %w", addr, errs.ErrNotFound)
	}

	return chunk.Decode(raw)
}

// Has reports whether the chunk exists locally.
func (s *Store) Has(addr chunk.Address) bool {
	raw, err := s.read(addr)
	return err == nil && raw != nil
}

// Delete removes a mutable chunk. Immutable chunks cannot be deleted.
func (s *Store) Delete(addr chunk.Address) error {
	if !addr.Kind.Mutable() {
		return fmt.Errorf("chunk %s is immutable", addr)
	}

	lock := &s.locks[addr.Name[0]]
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.read(addr)
	if err != nil {
		return fmt.Errorf("read %s: %w", addr, err)
	}
	if existing == nil {
		return fmt.Errorf("chunk %s: %w", addr, errs.ErrNotFound)
	}

	if err := s.db.Delete(s.mutableKey(addr), pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w: %v", addr, errs.ErrIo, err)
	}

	if err := s.db.Delete(s.metaKey(addr), pebble.Sync); err != nil {
		return fmt.Errorf("delete meta %s: %w: %v", addr, errs.ErrIo, err)
	}

	s.accountDelta(-int64(len(existing)))

	return nil
}

// Evict removes a chunk of any variant. The section layer uses it to
// drop chunks whose address left our prefix after a split; it is never
// exposed to clients.
func (s *Store) Evict(addr chunk.Address) error {
	lock := &s.locks[addr.Name[0]]
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.read(addr)
	if err != nil {
		return fmt.Errorf("read %s: %w", addr, err)
	}
	if existing == nil {
		return fmt.Errorf("chunk %s: %w", addr, errs.ErrNotFound)
	}

	if addr.Kind.Mutable() {
		if err := s.db.Delete(s.mutableKey(addr), pebble.Sync); err != nil {
			return fmt.Errorf("evict %s: %w: %v", addr, errs.ErrIo, err)
		}
	} else {
		if err := os.Remove(s.blobPath(addr)); err != nil {
			return fmt.Errorf("evict %s: %w: %v", addr, errs.ErrIo, err)
		}
	}

	if err := s.db.Delete(s.metaKey(addr), pebble.Sync); err != nil {
		return fmt.Errorf("evict meta %s: %w: %v", addr, errs.ErrIo, err)
	}

	s.accountDelta(-int64(len(existing)))

	return nil
}

// Addresses returns every stored chunk address. The replication engine
// walks this on churn to re-establish the closest-N invariant.
func (s *Store) Addresses() ([]chunk.Address, error) {
	var out []chunk.Address

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: metaPrefix,
		UpperBound: []byte("meta0"), // '0' is '/'+1
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var m meta
		if err := codec.NewDecoderBytes(value, cborHandle).Decode(&m); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}

		name, err := xor.NameFromHex(string(iter.Key()[len(metaPrefix):]))
		if err != nil {
			return nil, fmt.Errorf("decode meta key: %w", err)
		}

		out = append(out, chunk.Address{Kind: m.Kind, Name: name})
	}

	return out, iter.Error()
}

// UsedSpace returns the stored byte count and the full flag.
func (s *Store) UsedSpace() (uint64, bool) {
	return s.used.Load(), s.full.Load()
}

// Capacity returns the configured byte capacity.
func (s *Store) Capacity() uint64 {
	return s.capacity
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	return s.db.Close()
}

// read returns the encoded chunk bytes, or nil when absent.
func (s *Store) read(addr chunk.Address) ([]byte, error) {
	if addr.Kind.Mutable() {
		value, closer, err := s.db.Get(s.mutableKey(addr))
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrIo, err)
		}
		defer closer.Close()

		out := make([]byte, len(value))
		copy(out, value)

		return out, nil
	}

	raw, err := os.ReadFile(s.blobPath(addr))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIo, err)
	}

	return raw, nil
}

// blobPath returns the file path for an immutable chunk.
func (s *Store) blobPath(addr chunk.Address) string {
	return filepath.Join(s.root, "chunks", addr.Kind.Dir(), addr.DBKey())
}

// mutableKey returns the pebble key for a mutable chunk.
func (s *Store) mutableKey(addr chunk.Address) []byte {
	return []byte(addr.Kind.Dir() + "/" + addr.DBKey())
}

// metaKey returns the pebble key for a chunk's meta record.
func (s *Store) metaKey(addr chunk.Address) []byte {
	return append(append([]byte(nil), metaPrefix...), addr.DBKey()...)
}

// putMeta writes the chunk's meta record.
func (s *Store) putMeta(addr chunk.Address, size uint64) error {
	var raw []byte
	if err := codec.NewEncoderBytes(&raw, cborHandle).Encode(meta{Kind: addr.Kind, Size: size}); err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	if err := s.db.Set(s.metaKey(addr), raw, pebble.Sync); err != nil {
		return fmt.Errorf("write meta %s: %w: %v", addr, errs.ErrIo, err)
	}

	return nil
}

// rebuildUsedSpace recomputes the used counter from meta records.
func (s *Store) rebuildUsedSpace() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: metaPrefix,
		UpperBound: []byte("meta0"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var total uint64

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		var m meta
		if err := codec.NewDecoderBytes(value, cborHandle).Decode(&m); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}

		total += m.Size
	}

	if err := iter.Error(); err != nil {
		return err
	}

	s.used.Store(total)
	s.updateFullFlag()

	return nil
}

// accountDelta adjusts the used counter and the full flag.
func (s *Store) accountDelta(delta int64) {
	if delta >= 0 {
		s.used.Add(uint64(delta))
	} else {
		s.used.Add(^uint64(-delta - 1))
	}

	s.updateFullFlag()
}

// updateFullFlag applies the threshold with hysteresis: full at
// threshold*capacity, not-full again below (threshold-hyst)*capacity.
func (s *Store) updateFullFlag() {
	if s.capacity == 0 {
		return
	}

	used := float64(s.used.Load())
	capacity := float64(s.capacity)

	if used >= s.threshold*capacity {
		if !s.full.Swap(true) {
			logger.Warn("store is full", "used", s.used.Load(), "capacity", s.capacity)
		}
	} else if used < (s.threshold-s.hyst)*capacity {
		if s.full.Swap(false) {
			logger.Info("store below full threshold", "used", s.used.Load())
		}
	}
}

// existingLen returns the length of the previous version, or 0.
func existingLen(existing []byte) int64 {
	if existing == nil {
		return 0
	}

	return int64(len(existing))
}
