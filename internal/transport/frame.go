package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"safenet/internal/errs"
)

// maxFrameSize bounds a single wire frame at 16 MB. The largest
// legitimate payload is a chunk envelope, well below this.
const maxFrameSize = 16 << 20

// writeFrame sends one frame: a 4-byte big-endian length followed by
// the payload, in a single write.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes: %w", len(data), errs.ErrOversizeFrame)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// readFrame receives one frame. A length past the cap is peer
// misbehavior; the stream cannot be resynchronized after it, so the
// caller drops the peer.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes announced: %w", length, errs.ErrOversizeFrame)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return data, nil
}
