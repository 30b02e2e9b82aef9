// Package wire defines the typed message envelope exchanged between
// nodes: message ids, source identity, destination authority, kind tags
// and signatures. Envelopes are CBOR-encoded inside the transport's
// length-prefixed frames.
package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/ugorji/go/codec"
	"github.com/zeebo/blake3"

	"safenet/internal/xor"
)

// DefaultTTL bounds cross-section forwarding hops.
const DefaultTTL = 8

// Kind tags the message payload type.
type Kind uint16

const (
	// KindJoinRequest carries a candidate's identity and resource proof.
	KindJoinRequest Kind = iota + 1

	// KindJoinVote carries an elder's signature share over an admission.
	KindJoinVote

	// KindJoinDecision carries the quorum-signed admission.
	KindJoinDecision

	// KindRelocateRequest asks a destination section to accept a member.
	KindRelocateRequest

	// KindRelocateAck carries the destination's signed handover.
	KindRelocateAck

	// KindStoreChunk asks an adult to store a chunk.
	KindStoreChunk

	// KindStoreAck confirms a chunk was stored.
	KindStoreAck

	// KindGetChunk asks a holder for a chunk.
	KindGetChunk

	// KindGetResponse returns chunk bytes.
	KindGetResponse

	// KindRegisterOp applies an operation to a register or map.
	KindRegisterOp

	// KindReplicate copies a chunk to a new holder after churn.
	KindReplicate

	// KindKeyRotation announces a new section key.
	KindKeyRotation

	// KindCatchUpRequest asks an elder for the current section snapshot.
	KindCatchUpRequest

	// KindCatchUpResponse carries a compressed section snapshot.
	KindCatchUpResponse

	// KindFailureAck is a signed failure notice returned to the origin.
	KindFailureAck

	// KindHeartbeat is the periodic liveness probe between members.
	KindHeartbeat

	// KindClientStore is a client store request.
	KindClientStore

	// KindClientGet is a client get request.
	KindClientGet
)

// MessageID identifies a message for at-most-once delivery.
type MessageID [32]byte

// String returns a short hex form for logging.
func (id MessageID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// NodeID is a node identity on the wire: name, long-term public key and
// current network address.
type NodeID struct {
	Name      xor.Name `codec:"name"` // Name is the node's 256-bit name
	PublicKey []byte   `codec:"pk"`   // PublicKey is the ed25519 public key
	Addr      string   `codec:"addr"` // Addr is the current network address
}

// Dst names the destination authority: a name in the address space and
// the section key the sender believed current.
type Dst struct {
	Name       xor.Name `codec:"name"` // Name is the destination name
	SectionKey []byte   `codec:"key"`  // SectionKey is the believed section public key
}

// Envelope is a signed, typed network message.
type Envelope struct {
	ID      MessageID `codec:"id"`      // ID is the dedupe identifier
	Src     NodeID    `codec:"src"`     // Src is the sender identity
	Dst     Dst       `codec:"dst"`     // Dst is the destination authority
	Kind    Kind      `codec:"kind"`    // Kind tags the payload
	TTL     uint8     `codec:"ttl"`     // TTL bounds cross-section hops
	Payload []byte    `codec:"payload"` // Payload is the kind-specific body
	Auth    []byte    `codec:"auth"`    // Auth is the sender's ed25519 signature
}

// cborHandle is the shared CBOR configuration for wire messages.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// NewEnvelope builds and signs a message from src to dst. The message
// id is blake3(payload || source name || nonce) with a fresh nonce, so
// retransmissions of the same logical message keep their id while
// distinct messages never collide.
func NewEnvelope(src NodeID, dst Dst, kind Kind, payload []byte, key ed25519.PrivateKey) (*Envelope, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	e := &Envelope{
		ID:      newMessageID(payload, src.Name, nonce[:]),
		Src:     src,
		Dst:     dst,
		Kind:    kind,
		TTL:     DefaultTTL,
		Payload: payload,
	}

	e.Auth = ed25519.Sign(key, e.signingBytes())

	return e, nil
}

// newMessageID derives the dedupe id from payload, source and nonce.
func newMessageID(payload []byte, src xor.Name, nonce []byte) MessageID {
	h := blake3.New()
	h.Write(payload)
	h.Write(src[:])
	h.Write(nonce)

	var id MessageID
	h.Sum(id[:0])

	return id
}

// signingBytes returns the canonical byte string covered by Auth.
// The TTL is excluded: it is decremented in flight.
func (e *Envelope) signingBytes() []byte {
	var buf bytes.Buffer

	buf.Write(e.ID[:])
	buf.Write(e.Src.Name[:])
	buf.Write(e.Src.PublicKey)
	buf.Write(e.Dst.Name[:])
	buf.Write(e.Dst.SectionKey)

	var kind [2]byte
	binary.BigEndian.PutUint16(kind[:], uint16(e.Kind))
	buf.Write(kind[:])

	buf.Write(e.Payload)

	return buf.Bytes()
}

// VerifyAuth checks the envelope signature against the source's key.
// The source name must be the hash of that key, so a valid signature
// also authenticates the claimed identity.
func (e *Envelope) VerifyAuth() bool {
	if len(e.Src.PublicKey) != ed25519.PublicKeySize {
		return false
	}

	if e.Src.Name != xor.NameFromBytes(e.Src.PublicKey) {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(e.Src.PublicKey), e.signingBytes(), e.Auth)
}

// Encode serialises the envelope to CBOR.
func (e *Envelope) Encode() ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, cborHandle).Encode(e); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return out, nil
}

// Decode deserialises an envelope from CBOR.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	return &e, nil
}

// EncodePayload serialises a payload body to canonical CBOR.
func EncodePayload(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, cborHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return out, nil
}

// DecodePayload deserialises a payload body.
func DecodePayload(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	return nil
}
