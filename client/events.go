package client

import (
	"context"
	"errors"

	"safenet/internal/chunk"
	"safenet/internal/errs"
)

// Status is the client-visible outcome of an operation. The node's
// internal error kinds collapse onto these five.
type Status uint8

const (
	// Ok is a successful completion.
	Ok Status = iota + 1

	// NotFound is a missing chunk.
	NotFound

	// NoCapacity is a section with too few adults able to store.
	NoCapacity

	// Timeout is an operation that ran out of time or lost its peer.
	Timeout

	// Denied is a rejected operation: bad auth, conflicting write,
	// stale key or wrong section.
	Denied
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case NotFound:
		return "not-found"
	case NoCapacity:
		return "no-capacity"
	case Timeout:
		return "timeout"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Op identifies the operation an event completes.
type Op uint8

const (
	// OpStore is a chunk store.
	OpStore Op = iota + 1

	// OpGet is a chunk fetch.
	OpGet

	// OpRegisterApply is a register mutation.
	OpRegisterApply
)

// String returns the operation name for logging.
func (o Op) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpGet:
		return "get"
	case OpRegisterApply:
		return "register-apply"
	default:
		return "unknown"
	}
}

// EventType separates operation completions from channel-overflow
// notices.
type EventType uint8

const (
	// EventCompleted carries an operation result.
	EventCompleted EventType = iota + 1

	// EventBackPressure reports events lost to a full channel.
	EventBackPressure
)

// Event is one delivery on the session's event channel.
type Event struct {
	Type    EventType     // Type separates completions from notices
	Corr    uint64        // Corr is the correlation id, zero on notices
	Op      Op            // Op is the completed operation
	Status  Status        // Status is the client-visible outcome
	Addr    chunk.Address // Addr is the operation's chunk address
	Chunk   *chunk.Chunk  // Chunk is the fetched chunk on a successful get
	Dropped int           // Dropped counts lost events on a notice
}

// statusOf maps an internal error onto the client-visible status.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return Ok
	case errors.Is(err, errs.ErrNotFound):
		return NotFound
	case errors.Is(err, errs.ErrNoCapacity):
		return NoCapacity
	case errors.Is(err, errs.ErrQuorumTimeout),
		errors.Is(err, errs.ErrTransportClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Timeout
	default:
		return Denied
	}
}
