// Package errs defines the error kinds shared across the node.
// Callers match them with errors.Is; wrapping with fmt.Errorf and %w
// preserves the kind across layers.
package errs

import "errors"

var (
	// ErrInvalidAuth indicates a message signature that does not verify
	// against the sender's known public key.
	ErrInvalidAuth = errors.New("invalid authentication")

	// ErrNotFound indicates a chunk or record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an overwrite of immutable data with different bytes.
	ErrConflict = errors.New("conflicting write")

	// ErrNoCapacity indicates too few non-full adults to satisfy the
	// replication factor.
	ErrNoCapacity = errors.New("no capacity")

	// ErrQuorumTimeout indicates a transition or store that failed to
	// collect enough signatures or acks in time.
	ErrQuorumTimeout = errors.New("quorum timeout")

	// ErrTransportClosed indicates a peer unreachable past the idle window.
	ErrTransportClosed = errors.New("transport closed")

	// ErrOversizeFrame indicates a wire frame past the transport cap,
	// outgoing or announced by a peer.
	ErrOversizeFrame = errors.New("oversize frame")

	// ErrStaleSectionKey indicates a message signed under a section key
	// older than the grace window.
	ErrStaleSectionKey = errors.New("stale section key")

	// ErrPrefixMismatch indicates a destination name outside our prefix.
	ErrPrefixMismatch = errors.New("prefix mismatch")

	// ErrIo indicates a failed disk read or write under the chunk store.
	ErrIo = errors.New("storage i/o failure")

	// ErrBackPressure indicates a full client event channel.
	ErrBackPressure = errors.New("back pressure")

	// ErrConfig indicates an invalid node configuration.
	ErrConfig = errors.New("configuration error")
)
