package section

import (
	"testing"
	"time"

	"safenet/internal/routing"
	"safenet/internal/xor"
)

func TestAgeTickIncrementsAdults(t *testing.T) {
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 2}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90), nameWithFirstByte(0x00))

	if err := m.AgeTick(); err != nil {
		t.Fatalf("AgeTick: %v", err)
	}

	for _, member := range m.table.OurSection().Members {
		want := uint8(1)
		if member.Role == routing.Adult {
			want = 2
		}

		if member.Age != want {
			t.Errorf("member %s (%s) age %d, want %d", member.Name, member.Role, member.Age, want)
		}
	}
}

func TestTrailingZeroBits(t *testing.T) {
	tests := []struct {
		lastByte byte
		want     int
	}{
		{0x01, 0},
		{0x02, 1},
		{0x08, 3},
		{0x80, 7},
	}

	for _, tt := range tests {
		var n xor.Name
		n[0] = 0xFF
		n[len(n)-1] = tt.lastByte

		if got := trailingZeroBits(n); got != tt.want {
			t.Errorf("trailingZeroBits(..%#02x) = %d, want %d", tt.lastByte, got, tt.want)
		}
	}

	// A zero final byte counts into the next one.
	var n xor.Name
	n[0] = 0xFF
	n[len(n)-2] = 0x01

	if got := trailingZeroBits(n); got != 8 {
		t.Errorf("trailingZeroBits with zero tail byte = %d, want 8", got)
	}
}

func TestRelocationCandidatesMatchChurnAge(t *testing.T) {
	m, _, _ := newTestMachine(t, Config{ElderCount: 1, MinSection: 2}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x20), nameWithFirstByte(0x30), nameWithFirstByte(0x40))

	// Pin the adults' ages.
	section := m.table.OurSection()
	for i := range section.Members {
		switch section.Members[i].Name {
		case nameWithFirstByte(0x20):
			section.Members[i].Age = 3
		case nameWithFirstByte(0x30):
			section.Members[i].Age = 3
		case nameWithFirstByte(0x40):
			section.Members[i].Age = 5
		}
	}

	if err := m.table.SetOurSection(section); err != nil {
		t.Fatalf("SetOurSection: %v", err)
	}

	// A churn id with three trailing zero bits selects the age-3 adults.
	var churnID xor.Name
	churnID[0] = 0x27
	churnID[len(churnID)-1] = 0x08

	candidates := m.RelocationCandidates(churnID)

	if len(candidates) != 2 {
		t.Fatalf("candidate count %d, want 2", len(candidates))
	}

	// Ordered closest to the churn id: 0x20 before 0x30.
	if candidates[0].Name != nameWithFirstByte(0x20) || candidates[1].Name != nameWithFirstByte(0x30) {
		t.Errorf("candidate order wrong: %v, %v", candidates[0].Name, candidates[1].Name)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := backoffDelay(attempt)

		if d < time.Duration(float64(backoffBase)*(1-backoffJitter)) {
			t.Errorf("attempt %d: delay %v below jittered base", attempt, d)
		}

		if limit := time.Duration(float64(backoffCap) * (1 + backoffJitter)); d > limit {
			t.Errorf("attempt %d: delay %v above jittered cap", attempt, d)
		}
	}

	// The early attempts double.
	if d := backoffDelay(2); d < 3*time.Second || d > 5*time.Second {
		t.Errorf("attempt 2: delay %v outside the 4s jitter band", d)
	}
}
