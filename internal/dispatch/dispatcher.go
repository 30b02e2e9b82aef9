package dispatch

import (
	"fmt"
	"sync"
	"time"

	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/routing"
	"safenet/internal/wire"
)

const (
	// pairQueueSize bounds the per-(src,dst) delivery queue.
	pairQueueSize = 256

	// defaultGrace is the key-rotation grace window when unset.
	defaultGrace = 30 * time.Second
)

// Handler consumes a locally delivered message.
type Handler func(env *wire.Envelope) error

// ForwardFunc relays a message towards the section responsible for its
// destination. Forwarding is best-effort.
type ForwardFunc func(ref routing.SectionRef, env *wire.Envelope) error

// Config tunes the dispatcher.
type Config struct {
	DedupeSize int           // DedupeSize is the seen-id LRU capacity (default 10^4)
	Grace      time.Duration // Grace is the key-rotation grace window
}

// Dispatcher classifies incoming messages, forwards the ones we are not
// responsible for, and delivers local ones to registered handlers.
type Dispatcher struct {
	table   *routing.Table // table resolves destination authority
	dedup   *Dedup         // dedup enforces at-most-once delivery
	forward ForwardFunc    // forward relays non-local messages
	grace   time.Duration  // grace accepts the previous section key

	handlers   map[wire.Kind]Handler // handlers maps kind to consumer
	handlersMu sync.RWMutex          // handlersMu protects handlers

	queues   map[pairKey]chan *wire.Envelope // queues serialise per (src,dst) pair
	queuesMu sync.Mutex                      // queuesMu protects queues

	stop chan struct{}  // stop terminates the queue workers
	wg   sync.WaitGroup // wg waits for workers
	once sync.Once      // once guards Close
}

// pairKey identifies a (source, destination) ordering domain.
type pairKey struct {
	src [32]byte
	dst [32]byte
}

// New creates a dispatcher over the given routing table.
func New(table *routing.Table, cfg Config, forward ForwardFunc) (*Dispatcher, error) {
	dedup, err := NewDedup(cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe: %w", err)
	}

	grace := cfg.Grace
	if grace == 0 {
		grace = defaultGrace
	}

	return &Dispatcher{
		table:    table,
		dedup:    dedup,
		forward:  forward,
		grace:    grace,
		handlers: make(map[wire.Kind]Handler),
		queues:   make(map[pairKey]chan *wire.Envelope),
		stop:     make(chan struct{}),
	}, nil
}

// Register installs the handler for a message kind. A second Register
// for the same kind replaces the previous handler.
func (d *Dispatcher) Register(kind wire.Kind, h Handler) {
	d.handlersMu.Lock()
	d.handlers[kind] = h
	d.handlersMu.Unlock()
}

// Dispatch runs the full pipeline on one incoming message: signature
// verification, locality decision, dedupe and ordered delivery.
func (d *Dispatcher) Dispatch(env *wire.Envelope) error {
	if !env.VerifyAuth() {
		return fmt.Errorf("message %s from %s: %w", env.ID, env.Src.Name, errs.ErrInvalidAuth)
	}

	if !d.table.IsOurs(env.Dst.Name) {
		return d.forwardOn(env)
	}

	if len(env.Dst.SectionKey) > 0 && !d.table.AcceptsKey(env.Dst.SectionKey, d.grace) {
		return fmt.Errorf("message %s: %w", env.ID, errs.ErrStaleSectionKey)
	}

	// At-most-once: a repeated id is dropped silently.
	if !d.dedup.Check(env.ID) {
		logger.Debug("duplicate message dropped", "id", env.ID, "src", env.Src.Name)
		return nil
	}

	d.enqueue(env)

	return nil
}

// forwardOn relays a non-local message, decrementing the TTL.
func (d *Dispatcher) forwardOn(env *wire.Envelope) error {
	if env.TTL == 0 {
		logger.Warn("message TTL exhausted", "id", env.ID, "dst", env.Dst.Name)
		return nil
	}

	ref, err := d.table.SectionFor(env.Dst.Name)
	if err != nil {
		return fmt.Errorf("forward %s: %w", env.ID, err)
	}

	fwd := *env
	fwd.TTL--

	if d.forward == nil {
		return fmt.Errorf("forward %s: no forwarder configured", env.ID)
	}

	return d.forward(ref, &fwd)
}

// enqueue hands the message to its (src,dst) queue, creating the queue
// worker on first use. Overflow drops the message; the sender retries.
func (d *Dispatcher) enqueue(env *wire.Envelope) {
	key := pairKey{src: env.Src.Name, dst: env.Dst.Name}

	d.queuesMu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = make(chan *wire.Envelope, pairQueueSize)
		d.queues[key] = q

		d.wg.Add(1)
		go d.pairWorker(q)
	}
	d.queuesMu.Unlock()

	select {
	case q <- env:
	default:
		logger.Warn("pair queue full, message dropped", "id", env.ID, "src", env.Src.Name)
	}
}

// pairWorker delivers one pair's messages in arrival order.
func (d *Dispatcher) pairWorker(q chan *wire.Envelope) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		case env := <-q:
			d.deliver(env)
		}
	}
}

// deliver invokes the handler registered for the message kind.
func (d *Dispatcher) deliver(env *wire.Envelope) {
	d.handlersMu.RLock()
	h, ok := d.handlers[env.Kind]
	d.handlersMu.RUnlock()

	if !ok {
		logger.Warn("no handler for message kind", "kind", env.Kind, "id", env.ID)
		return
	}

	if err := h(env); err != nil {
		logger.Error("handler failed", "kind", env.Kind, "id", env.ID, "error", err)
	}
}

// Close stops the queue workers.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.stop)
	})

	d.wg.Wait()
}
