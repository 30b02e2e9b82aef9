package dispatch

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"safenet/internal/errs"
	"safenet/internal/routing"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

// testNet bundles a dispatcher over a two-section world split at bit 0.
type testNet struct {
	dispatcher *Dispatcher
	table      *routing.Table
	forwarded  atomic.Int32
	src        wire.NodeID
	key        ed25519.PrivateKey
}

// newTestNet builds a dispatcher whose section owns prefix "0" with
// section key "our-key", and which knows a remote section at "1".
func newTestNet(t *testing.T) *testNet {
	t.Helper()

	n := &testNet{}

	zero, err := xor.ParsePrefix("0")
	if err != nil {
		t.Fatalf("parse prefix: %v", err)
	}

	one, err := xor.ParsePrefix("1")
	if err != nil {
		t.Fatalf("parse prefix: %v", err)
	}

	n.table = routing.NewTable(zero.Centre())

	if err := n.table.SetOurSection(routing.SectionInfo{
		Prefix:    zero,
		Key:       []byte("our-key"),
		PrevKey:   []byte("old-key"),
		RotatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SetOurSection: %v", err)
	}

	if err := n.table.UpsertRemote(routing.SectionRef{Prefix: one, Key: []byte("their-key")}); err != nil {
		t.Fatalf("UpsertRemote: %v", err)
	}

	forward := func(_ routing.SectionRef, _ *wire.Envelope) error {
		n.forwarded.Add(1)
		return nil
	}

	n.dispatcher, err = New(n.table, Config{Grace: 10 * time.Second}, forward)
	if err != nil {
		t.Fatalf("create dispatcher: %v", err)
	}
	t.Cleanup(n.dispatcher.Close)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	n.src = wire.NodeID{Name: xor.NameFromBytes(pub), PublicKey: pub}
	n.key = priv

	return n
}

// envelope builds a signed message to the given destination name.
func (n *testNet) envelope(t *testing.T, dstName xor.Name, sectionKey []byte, payload []byte) *wire.Envelope {
	t.Helper()

	env, err := wire.NewEnvelope(n.src, wire.Dst{Name: dstName, SectionKey: sectionKey}, wire.KindHeartbeat, payload, n.key)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	return env
}

// localName returns a name inside our prefix "0".
func localName() xor.Name {
	return xor.Name{} // all zeros lies in prefix 0
}

// remoteName returns a name inside prefix "1".
func remoteName() xor.Name {
	var n xor.Name
	n[0] = 0x80

	return n
}

func TestInvalidAuthRejected(t *testing.T) {
	n := newTestNet(t)

	env := n.envelope(t, localName(), []byte("our-key"), []byte("payload"))
	env.Payload = []byte("tampered")

	err := n.dispatcher.Dispatch(env)
	if !errors.Is(err, errs.ErrInvalidAuth) {
		t.Errorf("expected ErrInvalidAuth, got %v", err)
	}
}

func TestLocalDelivery(t *testing.T) {
	n := newTestNet(t)

	delivered := make(chan *wire.Envelope, 1)
	n.dispatcher.Register(wire.KindHeartbeat, func(env *wire.Envelope) error {
		delivered <- env
		return nil
	})

	env := n.envelope(t, localName(), []byte("our-key"), []byte("payload"))

	if err := n.dispatcher.Dispatch(env); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case got := <-delivered:
		if got.ID != env.ID {
			t.Errorf("delivered wrong message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestDuplicateDroppedSilently(t *testing.T) {
	n := newTestNet(t)

	var count atomic.Int32
	n.dispatcher.Register(wire.KindHeartbeat, func(_ *wire.Envelope) error {
		count.Add(1)
		return nil
	})

	env := n.envelope(t, localName(), []byte("our-key"), []byte("payload"))

	// Same message id delivered twice: handler runs once.
	if err := n.dispatcher.Dispatch(env); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}

	if err := n.dispatcher.Dispatch(env); err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}
}

func TestGraceWindowKeys(t *testing.T) {
	n := newTestNet(t)

	n.dispatcher.Register(wire.KindHeartbeat, func(_ *wire.Envelope) error { return nil })

	// Previous key inside the grace window is accepted.
	if err := n.dispatcher.Dispatch(n.envelope(t, localName(), []byte("old-key"), []byte("a"))); err != nil {
		t.Errorf("grace-window key rejected: %v", err)
	}

	// A key we never held is stale.
	err := n.dispatcher.Dispatch(n.envelope(t, localName(), []byte("bogus-key"), []byte("b")))
	if !errors.Is(err, errs.ErrStaleSectionKey) {
		t.Errorf("expected ErrStaleSectionKey, got %v", err)
	}
}

func TestForwardNonLocal(t *testing.T) {
	n := newTestNet(t)

	env := n.envelope(t, remoteName(), []byte("their-key"), []byte("payload"))

	if err := n.dispatcher.Dispatch(env); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if n.forwarded.Load() != 1 {
		t.Errorf("message not forwarded")
	}
}

func TestTTLExhaustedNotForwarded(t *testing.T) {
	n := newTestNet(t)

	env := n.envelope(t, remoteName(), []byte("their-key"), []byte("payload"))
	env.TTL = 0

	if err := n.dispatcher.Dispatch(env); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if n.forwarded.Load() != 0 {
		t.Errorf("TTL-exhausted message was forwarded")
	}
}

func TestPerPairOrdering(t *testing.T) {
	n := newTestNet(t)

	const count = 100

	var mu sync.Mutex
	var got []byte

	done := make(chan struct{})
	n.dispatcher.Register(wire.KindHeartbeat, func(env *wire.Envelope) error {
		mu.Lock()
		got = append(got, env.Payload[0])
		if len(got) == count {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < count; i++ {
		if err := n.dispatcher.Dispatch(n.envelope(t, localName(), []byte("our-key"), []byte{byte(i)})); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < count; i++ {
		if got[i] != byte(i) {
			t.Fatalf("position %d: got %d, want %d (order violated)", i, got[i], i)
		}
	}
}

func TestDedupEvictionBounded(t *testing.T) {
	d, err := NewDedup(8)
	if err != nil {
		t.Fatalf("NewDedup failed: %v", err)
	}

	for i := 0; i < 32; i++ {
		var id wire.MessageID
		id[0] = byte(i)

		if !d.Check(id) {
			t.Errorf("fresh id %d reported as duplicate", i)
		}
	}

	if d.Len() > 8 {
		t.Errorf("dedupe grew past capacity: %d", d.Len())
	}
}
