package section

import (
	"context"
	"fmt"

	"safenet/internal/logger"
	"safenet/internal/quorum"
	"safenet/internal/routing"
	"safenet/internal/xor"
)

// during runs a transition under the given lifecycle state, returning
// to Active afterwards. A node that is not Active yet, e.g. during
// bootstrap, runs the transition without the state dance.
func (m *Machine) during(s State, fn func() error) error {
	moved := m.st.set(s) == nil

	err := fn()

	if moved {
		if back := m.st.set(Active); back != nil {
			logger.Error("state restore failed", "error", back)
		}
	}

	return err
}

// maybeSplit divides the section at the next prefix bit once the
// member count exceeds the cap and both halves satisfy the floor.
// Every node computes the same partition locally, so no extra message
// round is needed. Called with the transition lock held.
func (m *Machine) maybeSplit(ctx context.Context, churn *Churn) error {
	section := m.table.OurSection()

	if len(section.Members) <= m.cfg.MaxSection {
		return nil
	}

	bit := section.Prefix.BitLen()

	ourPrefix, err := section.Prefix.Extend(m.table.OurName().Bit(bit))
	if err != nil {
		return fmt.Errorf("extend prefix: %w", err)
	}

	sibPrefix := ourPrefix.Sibling()

	var ours, theirs []routing.Member
	for _, member := range section.Members {
		if ourPrefix.Matches(member.Name) {
			ours = append(ours, member)
		} else {
			theirs = append(theirs, member)
		}
	}

	if len(ours) < m.cfg.MinSection || len(theirs) < m.cfg.MinSection {
		logger.Debug("split deferred, a half would fall below the floor",
			"ours", len(ours), "theirs", len(theirs))
		return nil
	}

	return m.during(Splitting, func() error {
		ourHalf := section
		ourHalf.Prefix = ourPrefix
		ourHalf.Members = ComputeElders(ours, ourPrefix, m.cfg.ElderCount)

		sibMembers := ComputeElders(theirs, sibPrefix, m.cfg.ElderCount)

		// The sibling's new key is derivable from the shared previous
		// epoch, so we can reference it without hearing from them.
		sibKey, err := m.siblingKeyAfterSplit(sibMembers)
		if err != nil {
			return err
		}

		if err := m.rotateKey(ctx, &ourHalf); err != nil {
			return fmt.Errorf("rotate split key: %w", err)
		}

		if err := m.table.SetOurSection(ourHalf); err != nil {
			return fmt.Errorf("install split section: %w", err)
		}

		err = m.table.UpsertRemote(routing.SectionRef{
			Prefix: sibPrefix,
			Key:    sibKey,
			Elders: elderSubset(sibMembers),
		})
		if err != nil {
			return fmt.Errorf("record sibling section: %w", err)
		}

		for _, member := range theirs {
			churn.Changed[member.Name] = struct{}{}
		}

		churn.Split = true
		churn.EldersRotated = true

		if err := m.evictForeignChunks(ourPrefix); err != nil {
			logger.Warn("post-split chunk eviction incomplete", "error", err)
		}

		logger.Info("section split", "prefix", ourPrefix, "sibling", sibPrefix,
			"ours", len(ours), "theirs", len(theirs))

		return nil
	})
}

// siblingKeyAfterSplit derives the sibling half's first section key
// from the pre-split epoch and the sibling's elder names.
func (m *Machine) siblingKeyAfterSplit(sibMembers []routing.Member) ([]byte, error) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	var names [][]byte
	for _, member := range sibMembers {
		if member.Role == routing.Elder {
			names = append(names, member.Name[:])
		}
	}

	key, err := quorum.DeriveNextKey(m.groupKey, names)
	if err != nil {
		return nil, fmt.Errorf("derive sibling key: %w", err)
	}

	return key.PublicKeyBytes(), nil
}

// evictForeignChunks drops locally stored chunks whose address left our
// prefix after a split. The sibling half holds them now.
func (m *Machine) evictForeignChunks(prefix xor.Prefix) error {
	if m.mover == nil {
		return nil
	}

	addrs, err := m.mover.Addresses()
	if err != nil {
		return fmt.Errorf("walk chunks: %w", err)
	}

	for _, addr := range addrs {
		if prefix.Matches(addr.Name) {
			continue
		}

		if err := m.mover.Evict(addr); err != nil {
			logger.Warn("chunk eviction failed", "addr", addr, "error", err)
		}
	}

	return nil
}

// NeedsMerge reports whether the section fell below the floor.
func (m *Machine) NeedsMerge() bool {
	return len(m.table.OurSection().Members) < m.cfg.MinSection
}

// maybeMerge flags a section below the floor. The merge itself needs
// the sibling's roster, fetched via catch-up, so the orchestrator calls
// MergeWith once it has one. Called with the transition lock held.
func (m *Machine) maybeMerge(_ context.Context, churn *Churn) error {
	section := m.table.OurSection()

	if len(section.Members) >= m.cfg.MinSection {
		return nil
	}

	if section.Prefix.BitLen() == 0 {
		// The root section has no sibling to merge with.
		return nil
	}

	churn.MergeNeeded = true

	logger.Warn("section below floor, merge needed",
		"size", len(section.Members), "floor", m.cfg.MinSection)

	return nil
}

// MergeWith absorbs the sibling section: the member list is the
// concatenation capped at the section maximum, with the farthest
// members from the new centre queued for relocation. Both halves run
// the same computation and land on the same merged state.
func (m *Machine) MergeWith(ctx context.Context, siblingMembers []routing.Member) (*Churn, error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	section := m.table.OurSection()

	if section.Prefix.BitLen() == 0 {
		return nil, fmt.Errorf("root section cannot merge")
	}

	churn := &Churn{Changed: make(map[xor.Name]struct{})}

	err := m.during(Merging, func() error {
		merged := section
		merged.Prefix = section.Prefix.Ancestor()

		members := append([]routing.Member{}, section.Members...)

		seen := make(map[xor.Name]struct{}, len(members))
		for _, member := range members {
			seen[member.Name] = struct{}{}
		}

		for _, member := range siblingMembers {
			if _, dup := seen[member.Name]; dup {
				continue
			}

			members = append(members, member)
			churn.Changed[member.Name] = struct{}{}
		}

		members = ComputeElders(members, merged.Prefix, m.cfg.ElderCount)

		// ComputeElders orders closest-to-centre first, so the cap
		// overflow is the tail.
		if len(members) > m.cfg.MaxSection {
			churn.Overflow = append(churn.Overflow, members[m.cfg.MaxSection:]...)
			members = members[:m.cfg.MaxSection]

			for _, member := range churn.Overflow {
				churn.Changed[member.Name] = struct{}{}
			}
		}

		merged.Members = members

		if err := m.rotateKey(ctx, &merged); err != nil {
			return fmt.Errorf("rotate merged key: %w", err)
		}

		m.table.RemoveRemote(section.Prefix.Sibling())

		if err := m.table.SetOurSection(merged); err != nil {
			return fmt.Errorf("install merged section: %w", err)
		}

		churn.Merged = true
		churn.EldersRotated = true

		logger.Info("sections merged", "prefix", merged.Prefix,
			"size", len(members), "overflow", len(churn.Overflow))

		return nil
	})
	if err != nil {
		return nil, err
	}

	return churn, nil
}
