package chunk

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// cborHandle is the shared CBOR configuration. Canonical ordering keeps
// encodings stable so content addresses do not drift.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// encode serialises a value to canonical CBOR.
func encode(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, cborHandle).Encode(v); err != nil {
		return nil, err
	}

	return out, nil
}

// decode deserialises canonical CBOR into v.
func decode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, cborHandle).Decode(v)
}

// Encode serialises a chunk for storage or transit.
func Encode(c *Chunk) ([]byte, error) {
	out, err := encode(c)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}

	return out, nil
}

// Decode deserialises a chunk.
func Decode(data []byte) (*Chunk, error) {
	var c Chunk
	if err := decode(data, &c); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}

	return &c, nil
}
