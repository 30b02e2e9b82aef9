package section

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/quorum"
	"safenet/internal/routing"
	"safenet/internal/wire"
)

// KeyRotation announces a new section key epoch to the members. Each
// outgoing elder signs the announcement with its own BLS share key; a
// receiver installs the epoch only after a quorum of elder shares.
type KeyRotation struct {
	NewKey     []byte `codec:"new"`   // NewKey is the new section public key
	PrevKey    []byte `codec:"prev"`  // PrevKey stays valid inside the grace window
	RotatedAt  int64  `codec:"at"`    // RotatedAt is the rotation unix time in ms
	ElderIndex int    `codec:"idx"`   // ElderIndex is the announcer's position in the elder ordering
	Share      []byte `codec:"share"` // Share is the announcer's signature over the epoch change
}

// rotationMessage is the byte string every elder signs for an epoch
// change. RotatedAt is excluded: the elders commit the transition at
// slightly different wall times, and the shares must aggregate over one
// message.
func rotationMessage(rot KeyRotation) []byte {
	return transitionMessage("key-rotation", rot.NewKey, rot.PrevKey)
}

// rotateKey derives the next section key epoch for the section's new
// elder set and installs it into the pending section state. Derivation
// is deterministic from the previous key and the elder names, so every
// elder lands on the same key without extra rounds.
func (m *Machine) rotateKey(ctx context.Context, section *routing.SectionInfo) error {
	m.keyMu.Lock()

	elders := section.Elders()

	names := make([][]byte, len(elders))
	for i, e := range elders {
		names[i] = e.Name[:]
	}

	next, err := quorum.DeriveNextKey(m.groupKey, names)
	if err != nil {
		m.keyMu.Unlock()
		return fmt.Errorf("derive next key: %w", err)
	}

	section.PrevKey = section.Key
	section.Key = next.PublicKeyBytes()
	section.RotatedAt = time.Now()

	m.groupKey = next
	m.keyMu.Unlock()

	logger.Info("section key rotated", "elders", len(elders))

	m.announceRotation(ctx, section)

	return nil
}

// announceRotation tells every member about the new epoch, best-effort.
// Only members of the outgoing elder set vouch for it; everyone else
// derives the same key locally and stays silent. A member that misses
// the quorum falls back to catch-up once its messages are rejected as
// stale.
func (m *Machine) announceRotation(ctx context.Context, section *routing.SectionInfo) {
	if m.out == nil {
		return
	}

	// The table still holds the pre-transition state here, so this is
	// our index in the elder set the receivers currently trust.
	idx := elderIndex(m.table.OurSection().Members, m.table.OurName())
	if idx < 0 {
		return
	}

	rot := KeyRotation{
		NewKey:     section.Key,
		PrevKey:    section.PrevKey,
		RotatedAt:  section.RotatedAt.UnixMilli(),
		ElderIndex: idx,
	}
	rot.Share = m.signer.Sign(rotationMessage(rot))

	payload, err := wire.EncodePayload(rot)
	if err != nil {
		logger.Error("encode key rotation", "error", err)
		return
	}

	for _, member := range section.Members {
		if member.Name == m.table.OurName() {
			continue
		}

		if err := m.out.Send(ctx, member, wire.KindKeyRotation, payload); err != nil {
			logger.Warn("key rotation announce failed", "member", member.Name, "error", err)
		}
	}
}

// AcceptRotation feeds one elder's rotation announcement into the open
// epoch vote. The share is verified against the announcer's BLS key in
// the elder set we currently trust; the new key is installed once a
// quorum of elders vouched for it.
func (m *Machine) AcceptRotation(rot KeyRotation) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	section := m.table.OurSection()

	if bytes.Equal(rot.NewKey, section.Key) {
		// A later elder's announcement of an epoch we already hold.
		return nil
	}

	if !bytes.Equal(rot.PrevKey, section.Key) {
		return fmt.Errorf("rotation from an epoch we do not hold: %w", errs.ErrStaleSectionKey)
	}

	elders := section.Elders()
	if rot.ElderIndex < 0 || rot.ElderIndex >= len(elders) {
		return fmt.Errorf("rotation elder index %d out of range: %w", rot.ElderIndex, errs.ErrInvalidAuth)
	}

	message := rotationMessage(rot)

	if !quorum.Verify(rot.Share, message, elders[rot.ElderIndex].BLSKey) {
		return fmt.Errorf("rotation share from elder %d: %w", rot.ElderIndex, errs.ErrInvalidAuth)
	}

	subject := subjectOf(message)
	m.votes.add(subject, rot.ElderIndex, rot.Share)

	shares, _ := m.votes.collected(subject)
	if len(shares) < quorum.Size(len(elders)) {
		return nil
	}

	m.votes.drop(subject)

	section.PrevKey = rot.PrevKey
	section.Key = rot.NewKey
	section.RotatedAt = time.UnixMilli(rot.RotatedAt)

	if err := m.table.SetOurSection(section); err != nil {
		return fmt.Errorf("install rotated key: %w", err)
	}

	logger.Info("announced key rotation installed", "shares", len(shares))

	return nil
}
