// Package dispatch validates, dedupes and routes typed messages to the
// handlers registered by the section, store, placement and client
// layers. Delivery is at-most-once per message id, in source order per
// (source, destination) pair.
package dispatch

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"safenet/internal/wire"
)

// DefaultDedupeSize is the default capacity of the seen-id LRU.
const DefaultDedupeSize = 10_000

// Dedup tracks recently seen message ids in a bounded LRU. Old ids are
// evicted by capacity, so the at-most-once guarantee holds for the last
// DedupeSize messages.
type Dedup struct {
	seen *lru.Cache[wire.MessageID, struct{}]
}

// NewDedup creates a dedupe tracker with the given capacity.
func NewDedup(size int) (*Dedup, error) {
	if size <= 0 {
		size = DefaultDedupeSize
	}

	seen, err := lru.New[wire.MessageID, struct{}](size)
	if err != nil {
		return nil, err
	}

	return &Dedup{seen: seen}, nil
}

// Check returns true if the id is new and records it. A second call
// with the same id returns false until the entry is evicted.
func (d *Dedup) Check(id wire.MessageID) bool {
	if _, seen := d.seen.Get(id); seen {
		return false
	}

	d.seen.Add(id, struct{}{})

	return true
}

// Len returns the number of tracked ids.
func (d *Dedup) Len() int {
	return d.seen.Len()
}
