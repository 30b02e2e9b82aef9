package placement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"safenet/internal/chunk"
	"safenet/internal/errs"
	"safenet/internal/routing"
	"safenet/internal/xor"
)

// fakeSender records store deliveries and fails selected holders.
type fakeSender struct {
	mu     sync.Mutex
	stored map[xor.Name][]chunk.Address // stored maps holder to received chunks
	down   map[xor.Name]bool            // down holders reject every store
	slow   map[xor.Name]bool            // slow holders block until the context dies
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		stored: make(map[xor.Name][]chunk.Address),
		down:   make(map[xor.Name]bool),
		slow:   make(map[xor.Name]bool),
	}
}

func (f *fakeSender) StoreChunk(ctx context.Context, m routing.Member, c *chunk.Chunk) error {
	f.mu.Lock()
	down := f.down[m.Name]
	slow := f.slow[m.Name]
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return ctx.Err()
	}

	if down {
		return fmt.Errorf("holder unreachable")
	}

	f.mu.Lock()
	f.stored[m.Name] = append(f.stored[m.Name], c.Address())
	f.mu.Unlock()

	return nil
}

func (f *fakeSender) storedCount(name xor.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.stored[name])
}

// adultName returns a deterministic adult name keyed by index.
func adultName(i int) xor.Name {
	var n xor.Name
	n[0] = byte(i + 1)

	return n
}

// newTestEngine builds an engine over a section with the given number
// of adults plus one elder.
func newTestEngine(t *testing.T, adults int, cfg Config) (*Engine, *fakeSender, *routing.Table) {
	t.Helper()

	table := routing.NewTable(adultName(0))

	members := []routing.Member{{Name: xor.NameFromBytes([]byte("elder")), Role: routing.Elder}}
	for i := 0; i < adults; i++ {
		members = append(members, routing.Member{Name: adultName(i), Role: routing.Adult})
	}

	if err := table.SetOurSection(routing.SectionInfo{Members: members}); err != nil {
		t.Fatalf("SetOurSection: %v", err)
	}

	sender := newFakeSender()

	return New(table, sender, cfg), sender, table
}

func TestHoldersAreClosestAdults(t *testing.T) {
	e, _, _ := newTestEngine(t, 6, Config{ReplFactor: 3})

	// Address near adult 0 (first byte 0x01).
	addr := chunk.Address{Kind: chunk.BlobPublic, Name: adultName(0)}

	holders, err := e.Holders(addr)
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}

	if len(holders) != 3 {
		t.Fatalf("got %d holders, want 3", len(holders))
	}

	// Distances to 0x01..: adult 0 is 0x00, adult 2 is 0x02, adult 1
	// is 0x03.
	if holders[0].Name != adultName(0) {
		t.Errorf("closest holder wrong: %v", holders[0].Name)
	}

	if holders[1].Name != adultName(2) || holders[2].Name != adultName(1) {
		t.Errorf("holder order wrong: %v %v", holders[1].Name, holders[2].Name)
	}
}

func TestHoldersSkipFullAdults(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, Config{ReplFactor: 3})

	addr := chunk.Address{Kind: chunk.BlobPublic, Name: adultName(0)}

	e.MarkFull(adultName(0))

	holders, err := e.Holders(addr)
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}

	for _, h := range holders {
		if h.Name == adultName(0) {
			t.Errorf("full adult selected as holder")
		}
	}

	// Un-mark: the adult is eligible again.
	e.MarkNotFull(adultName(0))

	holders, err = e.Holders(addr)
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}

	if holders[0].Name != adultName(0) {
		t.Errorf("re-admitted adult not selected")
	}
}

func TestHoldersNoCapacity(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, Config{ReplFactor: 3})

	addr := chunk.Address{Kind: chunk.BlobPublic, Name: adultName(0)}

	if _, err := e.Holders(addr); !errors.Is(err, errs.ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestReplicateReachesMajority(t *testing.T) {
	e, sender, _ := newTestEngine(t, 5, Config{ReplFactor: 3, StoreTimeout: 5 * time.Second})

	c := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("replicate me")}

	if err := e.Replicate(context.Background(), c); err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}

	total := 0
	for i := 0; i < 5; i++ {
		total += sender.storedCount(adultName(i))
	}

	// Majority for R=3 is 2.
	if total < 2 {
		t.Errorf("only %d holders stored the chunk", total)
	}
}

func TestReplicateRedispatchesOnFailure(t *testing.T) {
	e, sender, _ := newTestEngine(t, 5, Config{ReplFactor: 3, StoreTimeout: 5 * time.Second})

	addr := chunk.Address{Kind: chunk.BlobPublic, Name: xor.Name{}}
	ranked := e.rankedAdults(addr)

	// The two closest holders are down; the engine must walk outward.
	sender.down[ranked[0].Name] = true
	sender.down[ranked[1].Name] = true

	c := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("stubborn")}

	if err := e.Replicate(context.Background(), c); err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}

	stored := 0
	for _, m := range ranked[2:] {
		stored += sender.storedCount(m.Name)
	}

	if stored < 2 {
		t.Errorf("re-dispatch did not reach further adults: %d", stored)
	}
}

func TestReplicateQuorumTimeout(t *testing.T) {
	e, sender, _ := newTestEngine(t, 3, Config{ReplFactor: 3, StoreTimeout: 300 * time.Millisecond})

	// Two of three holders hang: majority (2) is unreachable.
	sender.slow[adultName(0)] = true
	sender.slow[adultName(1)] = true

	c := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("doomed")}

	start := time.Now()
	err := e.Replicate(context.Background(), c)

	if !errors.Is(err, errs.ErrQuorumTimeout) {
		t.Errorf("expected ErrQuorumTimeout, got %v", err)
	}

	if time.Since(start) > time.Second {
		t.Errorf("timeout took too long: %v", time.Since(start))
	}
}

// memoryLister serves chunks from a map for repair tests.
type memoryLister struct {
	chunks map[chunk.Address]*chunk.Chunk
}

func (m *memoryLister) Addresses() ([]chunk.Address, error) {
	var out []chunk.Address
	for a := range m.chunks {
		out = append(out, a)
	}

	return out, nil
}

func (m *memoryLister) Get(addr chunk.Address) (*chunk.Chunk, error) {
	c, ok := m.chunks[addr]
	if !ok {
		return nil, errs.ErrNotFound
	}

	return c, nil
}

func TestRepairAfterChurn(t *testing.T) {
	e, _, table := newTestEngine(t, 4, Config{ReplFactor: 3, StoreTimeout: 5 * time.Second})

	c := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("survivor")}
	addr := c.Address()

	local := &memoryLister{chunks: map[chunk.Address]*chunk.Chunk{addr: c}}

	ourName := e.rankedAdults(addr)[1].Name // we are the second-closest holder

	// The closest holder dies: a new member replaces it in the section.
	died := e.rankedAdults(addr)[0].Name

	section := table.OurSection()
	var survivors []routing.Member
	for _, m := range section.Members {
		if m.Name != died {
			survivors = append(survivors, m)
		}
	}

	// The new adult lands exactly on the chunk's name, so it is
	// guaranteed to enter the holder set.
	joined := routing.Member{Name: addr.Name, Role: routing.Adult}
	survivors = append(survivors, joined)

	section.Members = survivors
	if err := table.SetOurSection(section); err != nil {
		t.Fatalf("SetOurSection: %v", err)
	}

	changed := map[xor.Name]struct{}{died: {}, joined.Name: {}}

	repaired, err := e.Repair(context.Background(), local, ourName, changed)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}

	if repaired != 1 {
		t.Errorf("repaired %d chunks, want 1", repaired)
	}
}

func TestRepairAfterHolderLoss(t *testing.T) {
	e, _, table := newTestEngine(t, 6, Config{ReplFactor: 3, StoreTimeout: 5 * time.Second})

	c := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("departed holder")}
	addr := c.Address()

	local := &memoryLister{chunks: map[chunk.Address]*chunk.Chunk{addr: c}}

	ourName := e.rankedAdults(addr)[1].Name

	// The closest holder leaves with no replacement: the member at rank
	// replication-factor moves into the holder set and needs the chunk.
	died := e.rankedAdults(addr)[0].Name

	section := table.OurSection()
	var survivors []routing.Member
	for _, m := range section.Members {
		if m.Name != died {
			survivors = append(survivors, m)
		}
	}

	section.Members = survivors
	if err := table.SetOurSection(section); err != nil {
		t.Fatalf("SetOurSection: %v", err)
	}

	repaired, err := e.Repair(context.Background(), local, ourName, map[xor.Name]struct{}{died: {}})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}

	if repaired != 1 {
		t.Errorf("repaired %d chunks, want 1", repaired)
	}
}

func TestRepairSkipsStableChunks(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, Config{ReplFactor: 3, StoreTimeout: time.Second})

	c := &chunk.Chunk{Kind: chunk.BlobPublic, Value: []byte("stable")}
	addr := c.Address()

	local := &memoryLister{chunks: map[chunk.Address]*chunk.Chunk{addr: c}}

	ourName := e.rankedAdults(addr)[0].Name

	// No churn touching the holder set: nothing to do.
	repaired, err := e.Repair(context.Background(), local, ourName, map[xor.Name]struct{}{})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}

	if repaired != 0 {
		t.Errorf("repaired %d chunks, want 0", repaired)
	}
}
