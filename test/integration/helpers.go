// Package integration wires real stores, routing tables and placement
// engines into an in-process cluster and checks that replication and
// catch-up hold across churn.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"safenet/internal/chunk"
	"safenet/internal/errs"
	"safenet/internal/placement"
	"safenet/internal/routing"
	"safenet/internal/section"
	"safenet/internal/store"
	"safenet/internal/xor"
)

// simNode is one cluster member: its own table, store and engine.
type simNode struct {
	member routing.Member
	table  *routing.Table
	store  *store.Store
	engine *placement.Engine
}

// cluster is an in-process section. Every node sees the same member
// list; store messages are delivered by writing into the target's
// store directly.
type cluster struct {
	t     *testing.T
	nodes map[xor.Name]*simNode
	order []xor.Name // order keeps the member list iteration stable
}

// loopbackSender delivers store messages inside the process.
type loopbackSender struct {
	c *cluster
}

func (s *loopbackSender) StoreChunk(_ context.Context, m routing.Member, c *chunk.Chunk) error {
	node, ok := s.c.nodes[m.Name]
	if !ok {
		return fmt.Errorf("holder %s: %w", m.Name, errs.ErrNotFound)
	}

	return node.store.Put(c)
}

// newCluster builds a section of the given size rooted at the empty
// prefix. Elder roles follow age; the rest are adults.
func newCluster(t *testing.T, size, elderCount, replFactor int) *cluster {
	t.Helper()

	c := &cluster{t: t, nodes: make(map[xor.Name]*simNode)}

	members := make([]routing.Member, size)
	for i := range members {
		pub := bytes.Repeat([]byte{byte(i + 1)}, 32)
		members[i] = routing.Member{
			Name:      xor.NameFromBytes(pub),
			PublicKey: pub,
			BLSKey:    bytes.Repeat([]byte{byte(i + 1)}, 48),
			Addr:      fmt.Sprintf("127.0.0.1:%d", 9000+i),
			Age:       uint8(2 + i%5),
		}
	}

	members = section.ComputeElders(members, xor.Prefix{}, elderCount)

	root := t.TempDir()
	key := bytes.Repeat([]byte{0xAA}, 96)

	for i, m := range members {
		table := routing.NewTable(m.Name)
		info := routing.SectionInfo{
			Prefix:    xor.Prefix{},
			Members:   members,
			Key:       key,
			RotatedAt: time.Now(),
		}
		if err := table.SetOurSection(info); err != nil {
			t.Fatalf("SetOurSection for node %d: %v", i, err)
		}

		st, err := store.Open(store.Config{
			Root:          filepath.Join(root, fmt.Sprintf("node-%d", i)),
			CapacityBytes: 1 << 24,
		})
		if err != nil {
			t.Fatalf("open store for node %d: %v", i, err)
		}
		t.Cleanup(func() { st.Close() })

		engine := placement.New(table, &loopbackSender{c: c}, placement.Config{
			ReplFactor:   replFactor,
			StoreTimeout: 2 * time.Second,
		})

		c.nodes[m.Name] = &simNode{member: m, table: table, store: st, engine: engine}
		c.order = append(c.order, m.Name)
	}

	return c
}

// adults returns the cluster's adult members in stable order.
func (c *cluster) adults() []*simNode {
	var out []*simNode
	for _, name := range c.order {
		if n, ok := c.nodes[name]; ok && n.member.Role == routing.Adult {
			out = append(out, n)
		}
	}

	return out
}

// holdersOf returns the nodes whose stores hold the address.
func (c *cluster) holdersOf(addr chunk.Address) []*simNode {
	var out []*simNode
	for _, name := range c.order {
		if n, ok := c.nodes[name]; ok && n.store.Has(addr) {
			out = append(out, n)
		}
	}

	return out
}

// waitHolders polls until at least min nodes hold the address.
func (c *cluster) waitHolders(addr chunk.Address, min int) []*simNode {
	c.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		holders := c.holdersOf(addr)
		if len(holders) >= min {
			return holders
		}

		if time.Now().After(deadline) {
			c.t.Fatalf("%d of %d holders for %s", len(holders), min, addr)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

// remove drops a member from every surviving table and shuts its node
// down, as the section does after an expulsion.
func (c *cluster) remove(name xor.Name) {
	c.t.Helper()

	gone, ok := c.nodes[name]
	if !ok {
		c.t.Fatalf("remove: unknown member %s", name)
	}

	gone.store.Close()
	delete(c.nodes, name)

	var order []xor.Name
	for _, n := range c.order {
		if n != name {
			order = append(order, n)
		}
	}
	c.order = order

	for _, node := range c.nodes {
		info := node.table.OurSection()

		var survivors []routing.Member
		for _, m := range info.Members {
			if m.Name != name {
				survivors = append(survivors, m)
			}
		}

		info.Members = survivors
		if err := node.table.SetOurSection(info); err != nil {
			c.t.Fatalf("remove %s from %s: %v", name, node.member.Name, err)
		}
	}
}

// repairAll runs the post-churn repair on every surviving node.
func (c *cluster) repairAll(changed map[xor.Name]struct{}) {
	c.t.Helper()

	for _, name := range c.order {
		node := c.nodes[name]
		if _, err := node.engine.Repair(context.Background(), node.store, node.member.Name, changed); err != nil {
			c.t.Fatalf("repair on %s: %v", node.member.Name, err)
		}
	}
}
