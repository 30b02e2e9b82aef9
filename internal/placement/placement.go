// Package placement decides which adults hold each chunk and keeps the
// replication factor intact under churn. Holder choice is the
// replication-factor closest adults to the chunk address, skipping
// adults that reported full.
package placement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"safenet/internal/chunk"
	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/routing"
	"safenet/internal/xor"
)

const (
	// DefaultReplFactor is the number of adults holding each chunk.
	DefaultReplFactor = 4

	// DefaultStoreTimeout bounds a replicated store round.
	DefaultStoreTimeout = 30 * time.Second
)

// Sender delivers a signed store or replicate message to one member
// and reports the ack. Implementations sit on the transport layer.
type Sender interface {
	// StoreChunk sends the chunk to the member and waits for its ack.
	StoreChunk(ctx context.Context, m routing.Member, c *chunk.Chunk) error
}

// Config tunes the engine.
type Config struct {
	ReplFactor   int           // ReplFactor is the target holder count (default 4)
	StoreTimeout time.Duration // StoreTimeout bounds a store round (default 30s)
}

// Engine selects holders and maintains replication.
type Engine struct {
	table  *routing.Table // table provides the adult list
	sender Sender         // sender delivers store messages

	replFactor   int           // replFactor is the target holder count
	storeTimeout time.Duration // storeTimeout bounds a store round

	fullMu     sync.RWMutex          // fullMu protects fullAdults
	fullAdults map[xor.Name]struct{} // fullAdults is the set of full adults
}

// New creates a placement engine.
func New(table *routing.Table, sender Sender, cfg Config) *Engine {
	if cfg.ReplFactor == 0 {
		cfg.ReplFactor = DefaultReplFactor
	}

	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	return &Engine{
		table:        table,
		sender:       sender,
		replFactor:   cfg.ReplFactor,
		storeTimeout: cfg.StoreTimeout,
		fullAdults:   make(map[xor.Name]struct{}),
	}
}

// MarkFull records an adult as full. Full adults keep serving reads but
// receive no new chunks.
func (e *Engine) MarkFull(name xor.Name) {
	e.fullMu.Lock()
	_, known := e.fullAdults[name]
	e.fullAdults[name] = struct{}{}
	e.fullMu.Unlock()

	if !known {
		logger.Info("adult marked full", "name", name)
	}
}

// MarkNotFull removes an adult from the full set once its used space
// dropped below the hysteresis floor.
func (e *Engine) MarkNotFull(name xor.Name) {
	e.fullMu.Lock()
	delete(e.fullAdults, name)
	e.fullMu.Unlock()
}

// IsFull reports whether the adult is in the full set.
func (e *Engine) IsFull(name xor.Name) bool {
	e.fullMu.RLock()
	defer e.fullMu.RUnlock()

	_, ok := e.fullAdults[name]

	return ok
}

// Holders returns the replication-factor closest non-full adults to the
// address. It fails with ErrNoCapacity when the section cannot provide
// enough holders.
func (e *Engine) Holders(addr chunk.Address) ([]routing.Member, error) {
	candidates := e.rankedAdults(addr)

	if len(candidates) < e.replFactor {
		return nil, fmt.Errorf("%d of %d holders for %s: %w",
			len(candidates), e.replFactor, addr, errs.ErrNoCapacity)
	}

	return candidates[:e.replFactor], nil
}

// rankedAdults returns all non-full adults ordered by XOR distance to
// the address, closest first.
func (e *Engine) rankedAdults(addr chunk.Address) []routing.Member {
	section := e.table.OurSection()

	e.fullMu.RLock()
	var candidates []routing.Member
	for _, m := range section.Adults() {
		if _, full := e.fullAdults[m.Name]; !full {
			candidates = append(candidates, m)
		}
	}
	e.fullMu.RUnlock()

	names := make([]xor.Name, len(candidates))
	byName := make(map[xor.Name]routing.Member, len(candidates))

	for i, m := range candidates {
		names[i] = m.Name
		byName[m.Name] = m
	}

	xor.SortByDistance(addr.Name, names)

	out := make([]routing.Member, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}

	return out
}

// IsHolder reports whether the given member is among the closest
// replication-factor adults to the address, ignoring fullness. Adults
// use this to check the storage invariant for chunks they hold.
func (e *Engine) IsHolder(name xor.Name, addr chunk.Address) bool {
	section := e.table.OurSection()

	adults := section.Adults()
	names := make([]xor.Name, len(adults))
	for i, m := range adults {
		names[i] = m.Name
	}

	xor.SortByDistance(addr.Name, names)

	limit := e.replFactor
	if limit > len(names) {
		limit = len(names)
	}

	for _, n := range names[:limit] {
		if n == name {
			return true
		}
	}

	return false
}

// Replicate stores the chunk on its holders. It needs a majority of
// acks (ceil(R/2)+1) inside the store timeout, re-dispatching to the
// next-closest adults on partial acks until the factor is met or the
// section is exhausted.
func (e *Engine) Replicate(ctx context.Context, c *chunk.Chunk) error {
	addr := c.Address()

	ranked := e.rankedAdults(addr)
	if len(ranked) < e.replFactor {
		return fmt.Errorf("%d of %d holders for %s: %w",
			len(ranked), e.replFactor, addr, errs.ErrNoCapacity)
	}

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	needed := e.replFactor/2 + 1

	acks := make(chan error, len(ranked))
	inFlight := 0
	next := 0

	// Prime with the closest replication-factor adults.
	for ; next < e.replFactor; next++ {
		go e.sendStore(ctx, ranked[next], c, acks)
		inFlight++
	}

	got := 0

	for inFlight > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("store %s: %d of %d acks: %w", addr, got, needed, errs.ErrQuorumTimeout)
		case err := <-acks:
			inFlight--

			if err == nil {
				got++
				if got >= needed {
					return nil
				}
				continue
			}

			// Partial ack: re-dispatch to the next-closest adult.
			if next < len(ranked) {
				go e.sendStore(ctx, ranked[next], c, acks)
				next++
				inFlight++
			}
		}
	}

	return fmt.Errorf("store %s: %d of %d acks, section exhausted: %w", addr, got, needed, errs.ErrQuorumTimeout)
}

// sendStore delivers one store message and reports the result.
func (e *Engine) sendStore(ctx context.Context, m routing.Member, c *chunk.Chunk, acks chan<- error) {
	err := e.sender.StoreChunk(ctx, m, c)
	if err != nil {
		logger.Debug("store dispatch failed", "holder", m.Name, "error", err)
	}

	select {
	case acks <- err:
	case <-ctx.Done():
	}
}

// LocalLister walks the locally stored chunk addresses.
type LocalLister interface {
	// Addresses returns every locally stored chunk address.
	Addresses() ([]chunk.Address, error)

	// Get returns a locally stored chunk.
	Get(addr chunk.Address) (*chunk.Chunk, error)
}

// Repair walks the local chunks after churn and re-sends any chunk
// whose holder set changed. changed names the members that joined or
// left in the transition. It returns the number of chunks re-sent.
func (e *Engine) Repair(ctx context.Context, local LocalLister, ourName xor.Name, changed map[xor.Name]struct{}) (int, error) {
	addrs, err := local.Addresses()
	if err != nil {
		return 0, fmt.Errorf("walk local chunks: %w", err)
	}

	repaired := 0

	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return repaired, ctx.Err()
		default:
		}

		holders, err := e.Holders(addr)
		if err != nil {
			logger.Warn("repair skipped, no holders", "addr", addr, "error", err)
			continue
		}

		if !e.needsRepair(addr, holders, ourName, changed) {
			continue
		}

		c, err := local.Get(addr)
		if err != nil {
			logger.Warn("repair read failed", "addr", addr, "error", err)
			continue
		}

		if err := e.Replicate(ctx, c); err != nil {
			logger.Warn("repair replicate failed", "addr", addr, "error", err)
			continue
		}

		repaired++
	}

	return repaired, nil
}

// needsRepair reports whether a locally held chunk must be re-sent:
// the churn shifted its holder set, or pushed us out of it. A changed
// name closer to the address than the furthest current holder means
// the set shifted, whether the member joined or left.
func (e *Engine) needsRepair(addr chunk.Address, holders []routing.Member, ourName xor.Name, changed map[xor.Name]struct{}) bool {
	if !e.IsHolder(ourName, addr) {
		return true
	}

	if len(holders) == 0 {
		return false
	}

	furthest := holders[len(holders)-1].Name

	for name := range changed {
		if name == furthest || xor.CloserTo(addr.Name, name, furthest) {
			return true
		}
	}

	return false
}
