package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"safenet/internal/errs"
	"safenet/internal/logger"
)

// defaultRequestTimeout bounds Request calls without a context deadline.
const defaultRequestTimeout = 30 * time.Second

// Peer is a connection to a remote node. Sends on a peer are serialised
// so frames from one sender arrive in source order.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote identity key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	endpoint  *Endpoint         // endpoint is the owning endpoint
	closed    atomic.Bool       // closed marks the peer as gone
	mu        sync.Mutex        // mu serialises send operations
}

// PublicKey returns the remote identity key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes one framed message on a new unidirectional stream.
// Sends to the same peer are serialised, preserving source order.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("send to %s: %w", p.address, errs.ErrTransportClosed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the reply.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("request to %s: %w", p.address, errs.ErrTransportClosed)
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams until the connection dies.
func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams(context.Background())

	for {
		stream, err := p.conn.AcceptUniStream(context.Background())
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request/response streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream serves a single request/response exchange.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	response, err := p.endpoint.callOnRequest(p, data)
	if err != nil {
		return
	}

	writeFrame(stream, response)
}

// handleUniStream reads one framed message and hands it up.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	p.endpoint.callOnMessage(p, data)
}

// handleDisconnect reports the lost connection to the endpoint.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.endpoint.handlePeerDisconnect(p)
}
