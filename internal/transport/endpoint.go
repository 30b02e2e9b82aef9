// Package transport carries opaque framed messages between nodes over
// QUIC. Peers are authenticated by the ed25519 key embedded in their
// self-signed certificate; a peer unreachable past the idle window
// surfaces as a disconnect event for the section layer.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"safenet/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "safenet/1"

	// defaultIdleTimeout applies when the config leaves it zero.
	defaultIdleTimeout = 120 * time.Second

	// defaultKeepAlive applies when the config leaves it zero.
	defaultKeepAlive = 10 * time.Second

	// reconnectBase is the initial delay between reconnection attempts.
	reconnectBase = 1 * time.Second

	// reconnectCap is the maximum delay between reconnection attempts.
	reconnectCap = 60 * time.Second
)

// Options configures the QUIC endpoint per the node config.
type Options struct {
	IdleTimeout          time.Duration // IdleTimeout closes silent connections (default 120s)
	MaxConcurrentStreams int64         // MaxConcurrentStreams bounds streams per connection
	KeepAlive            time.Duration // KeepAlive is the ping period (default 10s)
}

// Config holds the configuration for an Endpoint.
type Config struct {
	PrivateKey ed25519.PrivateKey // PrivateKey is the node's ed25519 identity key
	ListenAddr string             // ListenAddr is the address to listen on
	Options    Options            // Options tunes the QUIC layer
}

// Endpoint accepts and initiates QUIC connections and delivers framed
// messages to the registered handlers.
type Endpoint struct {
	privateKey ed25519.PrivateKey // privateKey is the node's identity key
	publicKey  ed25519.PublicKey  // publicKey is the derived public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers

	knownAddrs   map[string]string // knownAddrs maps public key hex to address
	knownAddrsMu sync.RWMutex      // knownAddrsMu protects knownAddrs

	onMessage  func(*Peer, []byte)                 // onMessage handles one-way frames
	onRequest  func(*Peer, []byte) ([]byte, error) // onRequest handles request/response streams
	handlersMu sync.RWMutex                        // handlersMu protects handlers

	disconnects chan DisconnectEvent // disconnects feeds the section layer

	ctx    context.Context    // ctx is the endpoint's context
	cancel context.CancelFunc // cancel cancels the endpoint's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// DisconnectEvent reports a peer lost past the idle window.
type DisconnectEvent struct {
	PublicKey ed25519.PublicKey // PublicKey identifies the lost peer
	Addr      string            // Addr is the peer's last known address
}

// New creates a QUIC endpoint from the given config.
func New(cfg Config) (*Endpoint, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the embedded ed25519 key is verified instead
		NextProtos:         []string{alpnProtocol},
	}

	idle := cfg.Options.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}

	keepAlive := cfg.Options.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlive,
	}

	if cfg.Options.MaxConcurrentStreams > 0 {
		quicConfig.MaxIncomingStreams = cfg.Options.MaxConcurrentStreams
		quicConfig.MaxIncomingUniStreams = cfg.Options.MaxConcurrentStreams
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		privateKey:  cfg.PrivateKey,
		publicKey:   cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:  cfg.ListenAddr,
		tlsConfig:   tlsConfig,
		quicConfig:  quicConfig,
		peers:       make(map[string]*Peer),
		knownAddrs:  make(map[string]string),
		disconnects: make(chan DisconnectEvent, 64),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// PublicKey returns the endpoint's identity public key.
func (e *Endpoint) PublicKey() ed25519.PublicKey {
	return e.publicKey
}

// Addr returns the listener's address, or "" before Start.
func (e *Endpoint) Addr() string {
	if e.listener == nil {
		return ""
	}

	return e.listener.Addr().String()
}

// Disconnects returns the channel of peer-loss events.
func (e *Endpoint) Disconnects() <-chan DisconnectEvent {
	return e.disconnects
}

// Start begins accepting connections.
func (e *Endpoint) Start() error {
	listener, err := quic.ListenAddr(e.listenAddr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	e.listener = listener

	e.wg.Add(1)
	go e.acceptLoop()

	return nil
}

// Connect dials a remote node at the given address.
func (e *Endpoint) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(e.ctx, addr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	peer, err := e.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns all connected peers.
func (e *Endpoint) Peers() []*Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}

	return peers
}

// PeerFor returns the connected peer with the given key, or nil.
func (e *Endpoint) PeerFor(pubkey ed25519.PublicKey) *Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()

	return e.peers[hex.EncodeToString(pubkey)]
}

// OnMessage sets the handler for one-way frames.
func (e *Endpoint) OnMessage(fn func(*Peer, []byte)) {
	e.handlersMu.Lock()
	e.onMessage = fn
	e.handlersMu.Unlock()
}

// OnRequest sets the handler for request/response streams.
func (e *Endpoint) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	e.handlersMu.Lock()
	e.onRequest = fn
	e.handlersMu.Unlock()
}

// Close stops the endpoint and closes all connections.
func (e *Endpoint) Close() error {
	e.cancel()

	if e.listener != nil {
		e.listener.Close()
	}

	e.peersMu.Lock()
	for _, p := range e.peers {
		p.Close()
	}
	e.peers = make(map[string]*Peer)
	e.peersMu.Unlock()

	e.wg.Wait()
	close(e.disconnects)

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			return
		}

		go func() {
			if _, err := e.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
				logger.Debug("incoming peer rejected", "error", err)
				conn.CloseWithError(1, "setup failed")
			}
		}()
	}
}

// setupPeer registers a peer from an established QUIC connection.
func (e *Endpoint) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		endpoint:  e,
	}

	e.peersMu.Lock()
	e.peers[keyHex] = peer
	e.peersMu.Unlock()

	e.knownAddrsMu.Lock()
	e.knownAddrs[keyHex] = addr
	e.knownAddrsMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect drops a lost peer, publishes the disconnect
// event and schedules reconnection with exponential backoff.
func (e *Endpoint) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	e.peersMu.Lock()
	delete(e.peers, keyHex)
	e.peersMu.Unlock()

	select {
	case e.disconnects <- DisconnectEvent{PublicKey: p.publicKey, Addr: p.address}:
	default:
		logger.Warn("disconnect event dropped", "peer", p.address)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconnectPeer(keyHex)
	}()
}

// Forget removes a peer from the reconnection set, e.g. after it was
// relocated out of the section.
func (e *Endpoint) Forget(pubkey ed25519.PublicKey) {
	keyHex := hex.EncodeToString(pubkey)

	e.knownAddrsMu.Lock()
	delete(e.knownAddrs, keyHex)
	e.knownAddrsMu.Unlock()
}

// reconnectPeer retries a known peer with exponential backoff.
func (e *Endpoint) reconnectPeer(keyHex string) {
	delay := reconnectBase

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}

		e.knownAddrsMu.RLock()
		addr, ok := e.knownAddrs[keyHex]
		e.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		e.peersMu.RLock()
		_, exists := e.peers[keyHex]
		e.peersMu.RUnlock()

		if exists {
			return
		}

		if _, err := e.Connect(addr); err == nil {
			return
		}

		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

// callOnMessage invokes the message handler if set.
func (e *Endpoint) callOnMessage(p *Peer, data []byte) {
	e.handlersMu.RLock()
	fn := e.onMessage
	e.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnRequest invokes the request handler if set.
func (e *Endpoint) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	e.handlersMu.RLock()
	fn := e.onRequest
	e.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
