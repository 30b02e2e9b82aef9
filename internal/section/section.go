// Package section implements the section state machine: node lifecycle,
// membership transitions (join, relocate, split, merge), deterministic
// elder election and section key rotation. All membership mutation runs
// under a single-writer discipline and lands in the routing table as one
// completed transition.
package section

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"safenet/internal/chunk"
	"safenet/internal/logger"
	"safenet/internal/quorum"
	"safenet/internal/routing"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

const (
	// DefaultElderCount is the voting member count per section.
	DefaultElderCount = 7

	// DefaultMinSection is the member floor before a merge starts.
	DefaultMinSection = 8

	// DefaultMaxSection is the member cap before a split starts.
	DefaultMaxSection = 16

	// DefaultJoinDifficulty is the leading zero bits a join proof needs.
	DefaultJoinDifficulty = 8

	// DefaultAgePulse is the churn-free heartbeats per age increment.
	DefaultAgePulse = 16
)

// Config tunes the section state machine.
type Config struct {
	ElderCount     int           // ElderCount is the elder set size (default 7)
	MinSection     int           // MinSection is the merge floor (default 8)
	MaxSection     int           // MaxSection is the split cap (default 16)
	QuorumTimeout  time.Duration // QuorumTimeout bounds one vote round (default 10s)
	JoinTimeout    time.Duration // JoinTimeout bounds a full join (default 120s)
	Heartbeat      time.Duration // Heartbeat is the liveness probe period (default 10s)
	GraceWindow    time.Duration // GraceWindow keeps the previous key valid (default 3 heartbeats)
	JoinDifficulty int           // JoinDifficulty is the resource-proof hardness in bits
	AgePulse       int           // AgePulse is churn-free heartbeats per age increment
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.ElderCount == 0 {
		c.ElderCount = DefaultElderCount
	}
	if c.MinSection == 0 {
		c.MinSection = DefaultMinSection
	}
	if c.MaxSection == 0 {
		c.MaxSection = DefaultMaxSection
	}
	if c.QuorumTimeout == 0 {
		c.QuorumTimeout = 10 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 120 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = 3 * c.Heartbeat
	}
	if c.JoinDifficulty == 0 {
		c.JoinDifficulty = DefaultJoinDifficulty
	}
	if c.AgePulse == 0 {
		c.AgePulse = DefaultAgePulse
	}

	return c
}

// Outbox delivers a signed section message to one member.
type Outbox interface {
	Send(ctx context.Context, to routing.Member, kind wire.Kind, payload []byte) error
}

// ChunkMover exposes the local store operations a split needs: walking
// the stored addresses and evicting chunks that left our half.
type ChunkMover interface {
	Addresses() ([]chunk.Address, error)
	Evict(addr chunk.Address) error
}

// Churn describes one completed membership transition. The replication
// engine consumes Changed to restore the closest-N holder invariant.
type Churn struct {
	Changed       map[xor.Name]struct{} // Changed names the members that joined or left
	EldersRotated bool                  // EldersRotated reports a section key rotation
	Split         bool                  // Split reports that the section divided
	Merged        bool                  // Merged reports that the section absorbed its sibling
	MergeNeeded   bool                  // MergeNeeded asks the orchestrator to fetch the sibling roster
	Overflow      []routing.Member      // Overflow holds post-merge members pending relocation
}

// Machine is the section state machine. One transition is in flight at
// a time; the routing table only ever sees completed transitions.
type Machine struct {
	cfg    Config
	table  *routing.Table  // table is the network knowledge this machine writes
	signer *quorum.KeyPair // signer is this node's BLS share key
	out    Outbox          // out delivers transition messages
	mover  ChunkMover      // mover redistributes chunks on split, may be nil

	st      nodeState  // st is the lifecycle state
	transMu sync.Mutex // transMu serialises transitions

	keyMu    sync.Mutex      // keyMu protects groupKey
	groupKey *quorum.KeyPair // groupKey is the current section key epoch

	votes *voteBox // votes collects elder signature shares
}

// New creates a machine in the Joining state. groupKey is the current
// section key epoch; a fresh network seeds it from the genesis seed.
func New(cfg Config, table *routing.Table, signer, groupKey *quorum.KeyPair, out Outbox, mover ChunkMover) *Machine {
	return &Machine{
		cfg:      cfg.withDefaults(),
		table:    table,
		signer:   signer,
		out:      out,
		mover:    mover,
		groupKey: groupKey,
		votes:    newVoteBox(),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	return m.st.get()
}

// BeginSync moves the node into catch-up after admission.
func (m *Machine) BeginSync() error {
	return m.st.set(Synchronising)
}

// Activate moves the node into the steady state.
func (m *Machine) Activate() error {
	return m.st.set(Active)
}

// Terminate moves the node into its final state.
func (m *Machine) Terminate() error {
	return m.st.set(Terminated)
}

// GraceWindow returns the configured key-rotation grace window.
func (m *Machine) GraceWindow() time.Duration {
	return m.cfg.GraceWindow
}

// SectionKeyBytes returns the current section public key.
func (m *Machine) SectionKeyBytes() []byte {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	return m.groupKey.PublicKeyBytes()
}

// SignShare signs a transition message with this node's BLS share key.
func (m *Machine) SignShare(message []byte) []byte {
	return m.signer.Sign(message)
}

// Admit applies a quorum-approved admission: the candidate joins as an
// adult, elders are recomputed, and a key rotation starts when the
// elder set changed. A section grown past the cap splits.
func (m *Machine) Admit(ctx context.Context, member routing.Member) (*Churn, error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	section := m.table.OurSection()

	if _, ok := section.FindMember(member.Name); ok {
		return nil, fmt.Errorf("member %s already admitted", member.Name)
	}

	member.Role = routing.Adult

	before := section.Members
	section.Members = ComputeElders(append(section.Members, member), section.Prefix, m.cfg.ElderCount)

	churn := &Churn{Changed: map[xor.Name]struct{}{member.Name: {}}}

	if err := m.commit(ctx, section, before, churn); err != nil {
		return nil, err
	}

	logger.Info("member admitted", "name", member.Name, "size", len(section.Members))

	return churn, m.maybeSplit(ctx, churn)
}

// RemoveMember applies a member loss: disconnect, expulsion, or a
// completed relocation away. A section shrunk below the floor merges.
func (m *Machine) RemoveMember(ctx context.Context, name xor.Name) (*Churn, error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	section := m.table.OurSection()

	if _, ok := section.FindMember(name); !ok {
		return nil, fmt.Errorf("member %s not in section", name)
	}

	before := section.Members

	var kept []routing.Member
	for _, existing := range section.Members {
		if existing.Name != name {
			kept = append(kept, existing)
		}
	}

	section.Members = ComputeElders(kept, section.Prefix, m.cfg.ElderCount)

	churn := &Churn{Changed: map[xor.Name]struct{}{name: {}}}

	if err := m.commit(ctx, section, before, churn); err != nil {
		return nil, err
	}

	logger.Info("member removed", "name", name, "size", len(section.Members))

	return churn, m.maybeMerge(ctx, churn)
}

// commit installs the new section state, rotating the key first when
// the elder set changed so the table carries the new key atomically
// with the membership it belongs to.
func (m *Machine) commit(ctx context.Context, section routing.SectionInfo, before []routing.Member, churn *Churn) error {
	if eldersChanged(before, section.Members) {
		if err := m.rotateKey(ctx, &section); err != nil {
			return fmt.Errorf("rotate section key: %w", err)
		}

		churn.EldersRotated = true
	}

	if err := m.table.SetOurSection(section); err != nil {
		return fmt.Errorf("install section state: %w", err)
	}

	return nil
}

// transitionMessage derives the canonical byte string elders sign for a
// transition: blake3 over a tag and the transition's identifying parts.
func transitionMessage(tag string, parts ...[]byte) []byte {
	h := blake3.New()
	h.Write([]byte(tag))

	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}
