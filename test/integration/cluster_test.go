package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"safenet/internal/catchup"
	"safenet/internal/chunk"
	"safenet/internal/routing"
	"safenet/internal/xor"
)

func TestClusterReplicatesToClosestAdults(t *testing.T) {
	c := newCluster(t, 12, 4, 4)

	origin := c.adults()[0]

	blob := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("replicated across the section")}
	addr := blob.Address()

	if err := origin.engine.Replicate(context.Background(), blob); err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	// Majority ack now, full factor shortly after.
	holders := c.waitHolders(addr, 4)

	for _, h := range holders {
		if !origin.engine.IsHolder(h.member.Name, addr) {
			t.Errorf("%s holds %s but is not among the closest adults", h.member.Name, addr)
		}
		if h.member.Role != routing.Adult {
			t.Errorf("%s holds %s but is not an adult", h.member.Name, addr)
		}
	}
}

func TestClusterRepairsAfterExpulsion(t *testing.T) {
	c := newCluster(t, 12, 4, 4)

	origin := c.adults()[0]

	var addrs []chunk.Address
	for i := 0; i < 8; i++ {
		blob := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte(fmt.Sprintf("chunk %d", i))}
		if err := origin.engine.Replicate(context.Background(), blob); err != nil {
			t.Fatalf("Replicate chunk %d: %v", i, err)
		}
		addrs = append(addrs, blob.Address())
	}

	for _, addr := range addrs {
		c.waitHolders(addr, 4)
	}

	// Expel one holder of the first chunk and repair everywhere.
	died := c.holdersOf(addrs[0])[0].member.Name
	c.remove(died)
	c.repairAll(map[xor.Name]struct{}{died: {}})

	for _, addr := range addrs {
		c.waitClosestHolders(addr, 3)
	}
}

// waitClosestHolders polls until at least min members of the current
// holder set hold the address.
func (c *cluster) waitClosestHolders(addr chunk.Address, min int) {
	c.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		count := 0
		for _, h := range c.holdersOf(addr) {
			if h.engine.IsHolder(h.member.Name, addr) {
				count++
			}
		}

		if count >= min {
			return
		}

		if time.Now().After(deadline) {
			c.t.Fatalf("%d of %d closest holders for %s", count, min, addr)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

func TestClusterCatchUp(t *testing.T) {
	c := newCluster(t, 12, 4, 4)

	source := c.nodes[c.order[0]]

	snap, err := catchup.Build(source.table)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	joiner := routing.NewTable(xor.NameFromBytes([]byte("late joiner")))
	if err := catchup.Apply(joiner, snap); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := joiner.OurSection()
	want := source.table.OurSection()

	if !got.Prefix.Equal(want.Prefix) {
		t.Errorf("prefix = %v, want %v", got.Prefix, want.Prefix)
	}
	if len(got.Members) != len(want.Members) {
		t.Errorf("members = %d, want %d", len(got.Members), len(want.Members))
	}
	if string(got.Key) != string(want.Key) {
		t.Errorf("section key mismatch after catch-up")
	}
}
