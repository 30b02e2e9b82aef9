package section

import (
	"fmt"
	"sync/atomic"
)

// State captures the lifecycle of a node within its section: Joining,
// Synchronising, Active, Splitting, Merging, Relocating, or Terminated.
type State uint32

const (
	// Joining is the initial state: the node has solved its resource
	// proof and awaits a quorum-signed admission.
	Joining State = iota

	// Synchronising is catching up on the section snapshot.
	Synchronising

	// Active is the steady state.
	Active

	// Splitting is a split transition in flight.
	Splitting

	// Merging is a merge transition in flight.
	Merging

	// Relocating is this node moving to another section.
	Relocating

	// Terminated is the final state after shutdown or expulsion.
	Terminated
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Joining:
		return "Joining"
	case Synchronising:
		return "Synchronising"
	case Active:
		return "Active"
	case Splitting:
		return "Splitting"
	case Merging:
		return "Merging"
	case Relocating:
		return "Relocating"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// transitions lists the legal successor states.
var transitions = map[State][]State{
	Joining:       {Synchronising, Terminated},
	Synchronising: {Active, Terminated},
	Active:        {Splitting, Merging, Relocating, Terminated},
	Splitting:     {Active, Terminated},
	Merging:       {Active, Terminated},
	Relocating:    {Synchronising, Active, Terminated},
	Terminated:    {},
}

// nodeState holds the machine state behind an atomic load, so readers
// on other goroutines never block on a transition in flight.
type nodeState struct {
	v atomic.Uint32
}

func (n *nodeState) get() State {
	return State(n.v.Load())
}

// set moves to the target state, rejecting illegal transitions.
func (n *nodeState) set(to State) error {
	from := n.get()

	for _, legal := range transitions[from] {
		if legal == to {
			n.v.Store(uint32(to))
			return nil
		}
	}

	return fmt.Errorf("illegal state transition %s -> %s", from, to)
}
