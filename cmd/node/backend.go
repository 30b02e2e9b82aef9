package main

import (
	"context"
	"errors"
	"fmt"

	"safenet/client"
	"safenet/internal/chunk"
	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/routing"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

// outbox delivers section transition messages over the transport.
type outbox struct {
	n *Node
}

func (o *outbox) Send(ctx context.Context, to routing.Member, kind wire.Kind, payload []byte) error {
	return o.n.sendTo(ctx, to, kind, payload)
}

// storeSender delivers chunk copies to holders. A copy addressed to
// this node short-circuits into the local store.
type storeSender struct {
	n *Node
}

func (s *storeSender) StoreChunk(ctx context.Context, m routing.Member, c *chunk.Chunk) error {
	if m.Name == s.n.name {
		return s.n.store.Put(c)
	}

	data, err := chunk.Encode(c)
	if err != nil {
		return err
	}

	_, err = s.n.request(ctx, m, wire.KindStoreChunk, data)
	if errors.Is(err, errs.ErrNoCapacity) {
		s.n.engine.MarkFull(m.Name)
	}

	return err
}

// nodeBackend serves client operations against this node's section.
type nodeBackend struct {
	n *Node
}

// ClientBackend returns the client-facing operation surface.
func (n *Node) ClientBackend() client.Backend {
	return &nodeBackend{n: n}
}

func (b *nodeBackend) StoreChunk(ctx context.Context, c *chunk.Chunk) (chunk.Address, error) {
	if err := c.Validate(); err != nil {
		return chunk.Address{}, err
	}

	if err := b.n.engine.Replicate(ctx, c); err != nil {
		return chunk.Address{}, fmt.Errorf("store %s: %w", c.Address(), err)
	}

	return c.Address(), nil
}

func (b *nodeBackend) FetchChunk(ctx context.Context, addr chunk.Address) (*chunk.Chunk, error) {
	if b.n.store.Has(addr) {
		return b.n.store.Get(addr)
	}

	payload, err := wire.EncodePayload(addr)
	if err != nil {
		return nil, err
	}

	for _, m := range rankedByDistance(b.n.table.OurSection().Adults(), addr.Name) {
		if m.Name == b.n.name {
			continue
		}

		raw, err := b.n.request(ctx, m, wire.KindGetChunk, payload)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				logger.Debug("fetch from holder failed", "holder", m.Name, "addr", addr, "error", err)
			}
			continue
		}

		return chunk.Decode(raw)
	}

	return nil, fmt.Errorf("chunk %s: %w", addr, errs.ErrNotFound)
}

func (b *nodeBackend) ApplyRegisterOp(ctx context.Context, addr chunk.Address, op chunk.RegisterOp) error {
	if addr.Kind != chunk.RegisterKind {
		return fmt.Errorf("%s is not a register: %w", addr, errs.ErrConflict)
	}

	c, err := b.FetchChunk(ctx, addr)
	if err != nil {
		return err
	}

	reg, err := chunk.RegisterFromChunk(c)
	if err != nil {
		return err
	}

	if err := op.Apply(reg); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidAuth, err)
	}

	updated, err := reg.Chunk()
	if err != nil {
		return err
	}

	return b.n.engine.Replicate(ctx, updated)
}

// rankedByDistance orders members by XOR distance to a name, closest
// first. Unlike the placement ranking it keeps full adults: a full
// store still serves reads.
func rankedByDistance(members []routing.Member, target xor.Name) []routing.Member {
	names := make([]xor.Name, len(members))
	byName := make(map[xor.Name]routing.Member, len(members))

	for i, m := range members {
		names[i] = m.Name
		byName[m.Name] = m
	}

	xor.SortByDistance(target, names)

	out := make([]routing.Member, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}

	return out
}
