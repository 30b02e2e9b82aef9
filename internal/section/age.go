package section

import (
	"fmt"
	"math/bits"

	"safenet/internal/routing"
	"safenet/internal/xor"
)

// AgeTick increments every adult's age by one. The node loop invokes it
// after AgePulse churn-free heartbeats, so quiet sections still age and
// stay eligible for relocation.
func (m *Machine) AgeTick() error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	section := m.table.OurSection()

	for i := range section.Members {
		if section.Members[i].Role == routing.Adult && section.Members[i].Age < 255 {
			section.Members[i].Age++
		}
	}

	if err := m.table.SetOurSection(section); err != nil {
		return fmt.Errorf("install aged section: %w", err)
	}

	return nil
}

// RelocationCandidates selects the adults due for relocation after a
// churn event: those whose age equals the trailing zero bit count of
// the event id, ordered closest to the event id first. Older adults
// relocate exponentially less often.
func (m *Machine) RelocationCandidates(churnID xor.Name) []routing.Member {
	section := m.table.OurSection()

	targetAge := trailingZeroBits(churnID)

	var candidates []routing.Member
	for _, member := range section.Adults() {
		if int(member.Age) == targetAge {
			candidates = append(candidates, member)
		}
	}

	names := make([]xor.Name, len(candidates))
	byName := make(map[xor.Name]routing.Member, len(candidates))

	for i, member := range candidates {
		names[i] = member.Name
		byName[member.Name] = member
	}

	xor.SortByDistance(churnID, names)

	out := make([]routing.Member, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}

	return out
}

// trailingZeroBits counts trailing zero bits of a name, scanning from
// the least significant byte.
func trailingZeroBits(n xor.Name) int {
	zeros := 0

	for i := len(n) - 1; i >= 0; i-- {
		if n[i] == 0 {
			zeros += 8
			continue
		}

		zeros += bits.TrailingZeros8(n[i])
		break
	}

	return zeros
}
