package section

import (
	"context"
	"fmt"

	"github.com/zeebo/blake3"

	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/quorum"
	"safenet/internal/routing"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

// RelocateRequest asks a destination section to accept a member. The
// member record already carries its post-relocation name; the source
// section's quorum proof over the rename authorises the handover.
type RelocateRequest struct {
	Member  routing.Member `codec:"member"` // Member is the relocating node under its new name
	OldName xor.Name       `codec:"old"`    // OldName is the name in the source section
	SrcKey  []byte         `codec:"src"`    // SrcKey is the source section key
	Proof   quorum.Proof   `codec:"proof"`  // Proof is the source elders' signature
}

// RelocateAck is the destination's signed handover. The source removes
// the member only after verifying it.
type RelocateAck struct {
	OldName xor.Name     `codec:"old"`   // OldName names the member in the source section
	NewName xor.Name     `codec:"new"`   // NewName is the member's name at the destination
	DstKey  []byte       `codec:"dst"`   // DstKey is the destination section key
	Proof   quorum.Proof `codec:"proof"` // Proof is the destination elders' signature
}

// RelocationDest derives where a member moves: its new name is
// blake3(old name || current section key), and the destination is the
// section whose prefix matches it. The new name lies inside the
// destination prefix by construction, and the derivation shifts every
// key epoch, so destinations are unpredictable ahead of a rotation.
func (m *Machine) RelocationDest(member xor.Name) (routing.SectionRef, xor.Name, error) {
	h := blake3.New()
	h.Write(member[:])
	h.Write(m.SectionKeyBytes())

	var newName xor.Name
	h.Sum(newName[:0])

	ref, err := m.table.SectionFor(newName)
	if err != nil {
		return routing.SectionRef{}, xor.Name{}, fmt.Errorf("relocation destination for %s: %w", member, err)
	}

	return ref, newName, nil
}

// relocateMessage is the canonical byte string elders sign over a
// handover: the rename bound to the signing section's key.
func relocateMessage(oldName, newName xor.Name, sectionKey []byte) []byte {
	return transitionMessage("relocate", oldName[:], newName[:], sectionKey)
}

// StartRelocation runs the source side of a relocation: gather the
// source quorum over the handover and send the request to the
// destination's elders. The member stays in the section until the
// destination's RelocateAck arrives and CompleteRelocation runs.
func (m *Machine) StartRelocation(ctx context.Context, member routing.Member) error {
	dest, newName, err := m.RelocationDest(member.Name)
	if err != nil {
		return err
	}

	if dest.Prefix.Equal(m.table.OurPrefix()) {
		logger.Debug("relocation destination is home section", "member", member.Name)
		return nil
	}

	message := relocateMessage(member.Name, newName, m.SectionKeyBytes())

	section := m.table.OurSection()
	if idx := elderIndex(section.Members, m.table.OurName()); idx >= 0 {
		m.votes.add(subjectOf(message), idx, m.signer.Sign(message))
	}

	proof, err := m.AwaitProof(ctx, message)
	if err != nil {
		return fmt.Errorf("relocation quorum for %s: %w", member.Name, err)
	}

	oldName := member.Name
	member.Name = newName

	payload, err := wire.EncodePayload(RelocateRequest{
		Member:  member,
		OldName: oldName,
		SrcKey:  m.SectionKeyBytes(),
		Proof:   *proof,
	})
	if err != nil {
		return fmt.Errorf("encode relocation request: %w", err)
	}

	for _, elder := range dest.Elders {
		if err := m.out.Send(ctx, elder, wire.KindRelocateRequest, payload); err != nil {
			logger.Warn("relocation request failed", "elder", elder.Name, "error", err)
		}
	}

	logger.Info("relocation started", "member", oldName, "dest", dest.Prefix)

	return nil
}

// AcceptRelocation runs the destination side: verify the source proof,
// admit the member under its new name with its age incremented, and
// return the signed handover ack for the source section.
func (m *Machine) AcceptRelocation(ctx context.Context, req RelocateRequest, srcElderKeys [][]byte) (*RelocateAck, *Churn, error) {
	message := relocateMessage(req.OldName, req.Member.Name, req.SrcKey)

	if !req.Proof.Verify(message, srcElderKeys) {
		return nil, nil, fmt.Errorf("handover proof for %s: %w", req.OldName, errs.ErrInvalidAuth)
	}

	if !m.table.OurPrefix().Matches(req.Member.Name) {
		return nil, nil, fmt.Errorf("relocated name %s outside prefix %q: %w",
			req.Member.Name, m.table.OurPrefix(), errs.ErrPrefixMismatch)
	}

	member := req.Member
	member.Age++

	churn, err := m.Admit(ctx, member)
	if err != nil {
		return nil, nil, err
	}

	ackMessage := relocateMessage(req.OldName, member.Name, m.SectionKeyBytes())

	section := m.table.OurSection()
	if idx := elderIndex(section.Members, m.table.OurName()); idx >= 0 {
		m.votes.add(subjectOf(ackMessage), idx, m.signer.Sign(ackMessage))
	}

	proof, err := m.AwaitProof(ctx, ackMessage)
	if err != nil {
		return nil, churn, fmt.Errorf("handover ack quorum: %w", err)
	}

	return &RelocateAck{
		OldName: req.OldName,
		NewName: member.Name,
		DstKey:  m.SectionKeyBytes(),
		Proof:   *proof,
	}, churn, nil
}

// CompleteRelocation runs on the source after the destination's ack:
// verify the handover and remove the member. Removal is atomic at the
// section granularity; until this point the member is still ours.
func (m *Machine) CompleteRelocation(ctx context.Context, ack RelocateAck, dstElderKeys [][]byte) (*Churn, error) {
	message := relocateMessage(ack.OldName, ack.NewName, ack.DstKey)

	if !ack.Proof.Verify(message, dstElderKeys) {
		return nil, fmt.Errorf("handover ack for %s: %w", ack.OldName, errs.ErrInvalidAuth)
	}

	return m.RemoveMember(ctx, ack.OldName)
}
