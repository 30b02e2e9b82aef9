package chunk

import "fmt"

// RegisterOpKind discriminates the register operations accepted from
// clients and carried between nodes.
type RegisterOpKind uint8

const (
	// RegisterAppend appends an entry to the log.
	RegisterAppend RegisterOpKind = iota + 1

	// RegisterGrant sets a target user's permission flags.
	RegisterGrant
)

// RegisterOp is a single operation against a register. User is the
// acting user; Entry applies to appends, Target and Flags to grants.
type RegisterOp struct {
	Kind   RegisterOpKind `codec:"kind"`   // Kind selects the operation
	User   []byte         `codec:"user"`   // User is the acting user's public key
	Entry  []byte         `codec:"entry"`  // Entry is the appended payload
	Target []byte         `codec:"target"` // Target is the grant recipient
	Flags  uint8          `codec:"flags"`  // Flags are the granted permissions
}

// Apply runs the operation against a register, enforcing its
// permission checks.
func (op RegisterOp) Apply(r *Register) error {
	switch op.Kind {
	case RegisterAppend:
		return r.Append(op.User, op.Entry)
	case RegisterGrant:
		return r.SetPermissions(op.User, op.Target, op.Flags)
	default:
		return fmt.Errorf("unknown register operation %d", op.Kind)
	}
}
