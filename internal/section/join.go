package section

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"

	"safenet/internal/errs"
	"safenet/internal/quorum"
	"safenet/internal/routing"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

// JoinRequest is a candidate's admission request: its identity, its BLS
// share key and the resource-proof nonce.
type JoinRequest struct {
	Candidate wire.NodeID `codec:"candidate"` // Candidate is the joining identity
	BLSKey    []byte      `codec:"bls"`       // BLSKey is the candidate's BLS share public key
	Nonce     uint64      `codec:"nonce"`     // Nonce solves the resource proof
}

// JoinVote carries one elder's signature share over an admission.
type JoinVote struct {
	Candidate  xor.Name `codec:"candidate"` // Candidate names the admission subject
	ElderIndex int      `codec:"elder"`     // ElderIndex positions the signer in the elder ordering
	Share      []byte   `codec:"share"`     // Share is the BLS signature share
}

// JoinDecision is the quorum-signed admission broadcast to the section
// and returned to the candidate.
type JoinDecision struct {
	Member routing.Member `codec:"member"` // Member is the admitted node
	Proof  quorum.Proof   `codec:"proof"`  // Proof is the elders' aggregate signature
}

// SolveJoinProof searches for a nonce whose hash with the name clears
// the difficulty. It is the candidate-side resource proof; cost grows
// exponentially with difficulty.
func SolveJoinProof(name xor.Name, difficulty int) uint64 {
	for nonce := uint64(0); ; nonce++ {
		if VerifyJoinProof(name, nonce, difficulty) {
			return nonce
		}
	}
}

// VerifyJoinProof checks that blake3(name || nonce) carries at least
// difficulty leading zero bits.
func VerifyJoinProof(name xor.Name, nonce uint64, difficulty int) bool {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)

	h := blake3.New()
	h.Write(name[:])
	h.Write(buf[:])

	digest := h.Sum(nil)

	zeros := 0
	for _, b := range digest {
		if b == 0 {
			zeros += 8
			continue
		}

		zeros += bits.LeadingZeros8(b)
		break
	}

	return zeros >= difficulty
}

// EvaluateJoin applies the admission rules to a candidate: the resource
// proof must clear the difficulty, and the candidate is admitted when
// the section is below the floor, or when it is not full and the
// candidate sits closer to the section centre than the farthest current
// member.
func (m *Machine) EvaluateJoin(req JoinRequest) error {
	if !VerifyJoinProof(req.Candidate.Name, req.Nonce, m.cfg.JoinDifficulty) {
		return fmt.Errorf("resource proof for %s: %w", req.Candidate.Name, errs.ErrInvalidAuth)
	}

	section := m.table.OurSection()

	if !section.Prefix.Matches(req.Candidate.Name) {
		return fmt.Errorf("candidate %s outside prefix %q: %w",
			req.Candidate.Name, section.Prefix, errs.ErrPrefixMismatch)
	}

	if len(section.Members) < m.cfg.MinSection {
		return nil
	}

	if len(section.Members) >= m.cfg.MaxSection {
		return fmt.Errorf("section full at %d members: %w", len(section.Members), errs.ErrNoCapacity)
	}

	centre := section.Prefix.Centre()

	farthest := section.Members[0].Name
	for _, member := range section.Members[1:] {
		if xor.CloserTo(centre, farthest, member.Name) {
			farthest = member.Name
		}
	}

	if !xor.CloserTo(centre, req.Candidate.Name, farthest) {
		return fmt.Errorf("candidate %s farther than every member: %w", req.Candidate.Name, errs.ErrNoCapacity)
	}

	return nil
}

// JoinMessage is the canonical byte string elders sign to admit a
// candidate under the current section key.
func (m *Machine) JoinMessage(candidate xor.Name) []byte {
	return transitionMessage("join", candidate[:], m.SectionKeyBytes())
}

// ProposeJoin runs the elder side of an admission: evaluate the rules,
// contribute our own share, gather the quorum and apply the membership
// change. The caller relays JoinVote messages from the other elders
// into OfferShare while this blocks.
func (m *Machine) ProposeJoin(ctx context.Context, req JoinRequest) (*JoinDecision, *Churn, error) {
	if err := m.EvaluateJoin(req); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	message := m.JoinMessage(req.Candidate.Name)

	section := m.table.OurSection()

	if idx := elderIndex(section.Members, m.table.OurName()); idx >= 0 {
		m.votes.add(subjectOf(message), idx, m.signer.Sign(message))
	}

	var proof *quorum.Proof

	err := withRetry(ctx, 5, func() error {
		p, err := m.AwaitProof(ctx, message)
		if err != nil {
			return err
		}

		proof = p

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("admission quorum for %s: %w", req.Candidate.Name, err)
	}

	member := routing.Member{
		Name:      req.Candidate.Name,
		PublicKey: req.Candidate.PublicKey,
		BLSKey:    req.BLSKey,
		Addr:      req.Candidate.Addr,
		Age:       1,
		Role:      routing.Adult,
	}

	churn, err := m.Admit(ctx, member)
	if err != nil {
		return nil, nil, err
	}

	return &JoinDecision{Member: member, Proof: *proof}, churn, nil
}

// VerifyAdmission checks a join decision against the elder keys of the
// section that issued it.
func VerifyAdmission(decision *JoinDecision, sectionKey []byte, elderKeys [][]byte) bool {
	message := transitionMessage("join", decision.Member.Name[:], sectionKey)

	return decision.Proof.Verify(message, elderKeys)
}
