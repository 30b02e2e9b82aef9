package section

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"safenet/internal/errs"
	"safenet/internal/quorum"
)

// voteSubject identifies one transition vote: the hash of the message
// the elders sign.
type voteSubject [32]byte

// voteRound accumulates signature shares for one subject.
type voteRound struct {
	shares map[int][]byte // shares maps elder index to signature share
	poke   chan struct{}  // poke wakes the waiter after each new share
}

// voteBox collects elder signature shares until a quorum is reached.
// Shares arrive from the network handler; the transition owner waits.
type voteBox struct {
	mu     sync.Mutex
	rounds map[voteSubject]*voteRound
}

func newVoteBox() *voteBox {
	return &voteBox{rounds: make(map[voteSubject]*voteRound)}
}

// round returns the vote round for a subject, creating it on first use.
func (b *voteBox) round(subject voteSubject) *voteRound {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rounds[subject]
	if !ok {
		r = &voteRound{
			shares: make(map[int][]byte),
			poke:   make(chan struct{}, 1),
		}
		b.rounds[subject] = r
	}

	return r
}

// add records one elder's share. A repeated index is ignored.
func (b *voteBox) add(subject voteSubject, elderIndex int, share []byte) {
	r := b.round(subject)

	b.mu.Lock()
	if _, seen := r.shares[elderIndex]; !seen {
		r.shares[elderIndex] = share
	}
	b.mu.Unlock()

	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// collected returns the shares and indices gathered so far.
func (b *voteBox) collected(subject voteSubject) ([][]byte, []int) {
	r := b.round(subject)

	b.mu.Lock()
	defer b.mu.Unlock()

	shares := make([][]byte, 0, len(r.shares))
	indices := make([]int, 0, len(r.shares))

	for idx, share := range r.shares {
		indices = append(indices, idx)
		shares = append(shares, share)
	}

	return shares, indices
}

// drop forgets a finished round.
func (b *voteBox) drop(subject voteSubject) {
	b.mu.Lock()
	delete(b.rounds, subject)
	b.mu.Unlock()
}

// subjectOf hashes a transition message into its vote subject.
func subjectOf(message []byte) voteSubject {
	return voteSubject(blake3.Sum256(message))
}

// OfferShare records an elder's signature share over a transition
// message. The share is verified against the elder's BLS key before it
// counts.
func (m *Machine) OfferShare(message []byte, elderIndex int, share []byte) error {
	section := m.table.OurSection()

	keys := elderBLSKeys(section.Members)
	if elderIndex < 0 || elderIndex >= len(keys) {
		return fmt.Errorf("elder index %d out of range: %w", elderIndex, errs.ErrInvalidAuth)
	}

	if !quorum.Verify(share, message, keys[elderIndex]) {
		return fmt.Errorf("share from elder %d: %w", elderIndex, errs.ErrInvalidAuth)
	}

	m.votes.add(subjectOf(message), elderIndex, share)

	return nil
}

// AwaitProof blocks until a quorum of shares is collected over the
// message, then aggregates them into a proof under the current section
// key. It fails with ErrQuorumTimeout when the quorum deadline passes.
func (m *Machine) AwaitProof(ctx context.Context, message []byte) (*quorum.Proof, error) {
	subject := subjectOf(message)

	section := m.table.OurSection()
	elderCount := len(section.Elders())
	needed := quorum.Size(elderCount)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.QuorumTimeout)
	defer cancel()

	r := m.votes.round(subject)

	for {
		shares, indices := m.votes.collected(subject)

		if len(shares) >= needed {
			proof, err := quorum.NewProof(m.SectionKeyBytes(), shares, indices, elderCount)
			if err != nil {
				return nil, fmt.Errorf("aggregate transition proof: %w", err)
			}

			m.votes.drop(subject)

			return proof, nil
		}

		// The round survives a timeout so shares arriving late still
		// count towards the backoff retry.
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%d of %d shares: %w", len(shares), needed, errs.ErrQuorumTimeout)
		case <-r.poke:
		}
	}
}
