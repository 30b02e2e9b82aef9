// Package client is the application-facing surface of a node. Store,
// Get and RegisterApply return immediately with a pending handle;
// completions arrive asynchronously on a bounded event channel. When
// the consumer falls behind, the oldest events are dropped and a
// back-pressure notice takes their place.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"safenet/internal/chunk"
)

// DefaultEventBuffer is the event channel capacity.
const DefaultEventBuffer = 64

// DefaultTimeout bounds each operation.
const DefaultTimeout = 30 * time.Second

// Backend executes client operations. The node implements it over its
// placement engine and local store.
type Backend interface {
	// StoreChunk places a chunk with its holder set and returns its
	// network address.
	StoreChunk(ctx context.Context, c *chunk.Chunk) (chunk.Address, error)

	// FetchChunk retrieves a chunk by address.
	FetchChunk(ctx context.Context, addr chunk.Address) (*chunk.Chunk, error)

	// ApplyRegisterOp mutates the register at the address.
	ApplyRegisterOp(ctx context.Context, addr chunk.Address, op chunk.RegisterOp) error
}

// Pending is the immediate result of an operation: the correlation id
// its completion event will carry.
type Pending struct {
	Corr uint64 // Corr matches the eventual Event.Corr
	Op   Op     // Op is the submitted operation
}

// Config holds the session configuration.
type Config struct {
	EventBuffer int           // EventBuffer is the event channel capacity
	Timeout     time.Duration // Timeout bounds each operation
}

// Session is one client's connection to the node. A single consumer
// reads Events; any number of goroutines may submit operations.
type Session struct {
	backend Backend
	timeout time.Duration

	corr   atomic.Uint64
	events chan Event
	mu     sync.Mutex // mu serialises overflow handling on the channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session over the given backend.
func NewSession(backend Backend, cfg Config) *Session {
	if cfg.EventBuffer < 2 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		backend: backend,
		timeout: cfg.Timeout,
		events:  make(chan Event, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events returns the completion channel. It is closed by Close after
// every in-flight operation has delivered its event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close cancels in-flight operations, waits for their completion
// events and closes the event channel.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
	close(s.events)
}

// Store submits a chunk for placement and returns its pending handle.
func (s *Session) Store(c *chunk.Chunk) Pending {
	p := s.newPending(OpStore)

	s.run(func(ctx context.Context) Event {
		addr, err := s.backend.StoreChunk(ctx, c)

		return Event{Type: EventCompleted, Corr: p.Corr, Op: OpStore, Status: statusOf(err), Addr: addr}
	})

	return p
}

// Get submits a fetch for the address and returns its pending handle.
// The completion event carries the chunk on success.
func (s *Session) Get(addr chunk.Address) Pending {
	p := s.newPending(OpGet)

	s.run(func(ctx context.Context) Event {
		c, err := s.backend.FetchChunk(ctx, addr)

		return Event{Type: EventCompleted, Corr: p.Corr, Op: OpGet, Status: statusOf(err), Addr: addr, Chunk: c}
	})

	return p
}

// RegisterApply submits a register operation and returns its pending
// handle.
func (s *Session) RegisterApply(addr chunk.Address, op chunk.RegisterOp) Pending {
	p := s.newPending(OpRegisterApply)

	s.run(func(ctx context.Context) Event {
		err := s.backend.ApplyRegisterOp(ctx, addr, op)

		return Event{Type: EventCompleted, Corr: p.Corr, Op: OpRegisterApply, Status: statusOf(err), Addr: addr}
	})

	return p
}

// newPending allocates the next correlation id.
func (s *Session) newPending(op Op) Pending {
	return Pending{Corr: s.corr.Add(1), Op: op}
}

// run executes one operation under the session timeout and emits its
// completion event.
func (s *Session) run(fn func(ctx context.Context) Event) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		s.emit(fn(ctx))
	}()
}

// emit delivers an event without blocking the producer. On overflow
// the oldest events give way so a back-pressure notice and the new
// event both fit.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.events <- ev:
		return
	default:
	}

	dropped := 0
	for len(s.events) > cap(s.events)-2 {
		<-s.events
		dropped++
	}

	if dropped > 0 {
		s.events <- Event{Type: EventBackPressure, Dropped: dropped}
	}
	s.events <- ev
}
