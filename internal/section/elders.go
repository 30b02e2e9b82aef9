package section

import (
	"safenet/internal/routing"
	"safenet/internal/xor"
)

// ComputeElders assigns roles deterministically: the elderCount members
// closest to the prefix centre become elders, the rest adults. Distance
// ties break on unsigned name order, lower name first, so every member
// arrives at the same elder set from the same member list.
func ComputeElders(members []routing.Member, prefix xor.Prefix, elderCount int) []routing.Member {
	centre := prefix.Centre()

	names := make([]xor.Name, len(members))
	byName := make(map[xor.Name]routing.Member, len(members))

	for i, m := range members {
		names[i] = m.Name
		byName[m.Name] = m
	}

	xor.SortByDistance(centre, names)

	out := make([]routing.Member, len(names))

	for i, n := range names {
		m := byName[n]

		if i < elderCount {
			m.Role = routing.Elder
		} else {
			m.Role = routing.Adult
		}

		out[i] = m
	}

	return out
}

// eldersChanged reports whether the two member lists name different
// elder sets.
func eldersChanged(before, after []routing.Member) bool {
	old := make(map[xor.Name]struct{})

	for _, m := range before {
		if m.Role == routing.Elder {
			old[m.Name] = struct{}{}
		}
	}

	count := 0

	for _, m := range after {
		if m.Role != routing.Elder {
			continue
		}

		if _, ok := old[m.Name]; !ok {
			return true
		}

		count++
	}

	return count != len(old)
}

// elderIndex returns the position of the named elder in the
// deterministic elder ordering, or -1. The ordering is the sorted
// member list restricted to elders, which every member shares.
func elderIndex(members []routing.Member, name xor.Name) int {
	idx := 0

	for _, m := range members {
		if m.Role != routing.Elder {
			continue
		}

		if m.Name == name {
			return idx
		}

		idx++
	}

	return -1
}

// elderSubset returns the elder members of a member list.
func elderSubset(members []routing.Member) []routing.Member {
	var out []routing.Member

	for _, m := range members {
		if m.Role == routing.Elder {
			out = append(out, m)
		}
	}

	return out
}

// elderBLSKeys returns the elders' BLS public keys in the deterministic
// elder ordering, for proof verification.
func elderBLSKeys(members []routing.Member) [][]byte {
	var out [][]byte

	for _, m := range members {
		if m.Role == routing.Elder {
			out = append(out, m.BLSKey)
		}
	}

	return out
}
