package section

import (
	"context"
	"errors"
	"testing"
	"time"

	"safenet/internal/errs"
	"safenet/internal/quorum"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

func TestJoinProofSolveAndVerify(t *testing.T) {
	name := xor.NameFromBytes([]byte("join candidate"))

	nonce := SolveJoinProof(name, 8)

	if !VerifyJoinProof(name, nonce, 8) {
		t.Fatal("solved nonce does not verify")
	}

	// A harder proof implies every easier one.
	if !VerifyJoinProof(name, nonce, 4) {
		t.Error("proof not monotonic in difficulty")
	}

	if !VerifyJoinProof(name, 0, 0) {
		t.Error("difficulty 0 must accept any nonce")
	}
}

// failingNonce returns a nonce that does not clear the difficulty.
func failingNonce(t *testing.T, name xor.Name, difficulty int) uint64 {
	t.Helper()

	for nonce := uint64(0); nonce < 10_000; nonce++ {
		if !VerifyJoinProof(name, nonce, difficulty) {
			return nonce
		}
	}

	t.Fatal("no failing nonce in range")
	return 0
}

func TestEvaluateJoinRejectsBadProof(t *testing.T) {
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 4, JoinDifficulty: 8}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	candidate := nameWithFirstByte(0x20)

	err := m.EvaluateJoin(JoinRequest{
		Candidate: wire.NodeID{Name: candidate},
		Nonce:     failingNonce(t, candidate, 8),
	})

	if !errors.Is(err, errs.ErrInvalidAuth) {
		t.Errorf("expected ErrInvalidAuth, got %v", err)
	}
}

func TestEvaluateJoinBelowFloor(t *testing.T) {
	// Two members under a floor of four: any valid candidate enters,
	// however far from the centre.
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 4, JoinDifficulty: 4}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	candidate := nameWithFirstByte(0x01)

	err := m.EvaluateJoin(JoinRequest{
		Candidate: wire.NodeID{Name: candidate},
		Nonce:     SolveJoinProof(candidate, 4),
	})
	if err != nil {
		t.Errorf("candidate rejected below the floor: %v", err)
	}
}

func TestEvaluateJoinSectionFull(t *testing.T) {
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 2, MaxSection: 3, JoinDifficulty: 4}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x84), nameWithFirstByte(0x90))

	candidate := nameWithFirstByte(0x81)

	err := m.EvaluateJoin(JoinRequest{
		Candidate: wire.NodeID{Name: candidate},
		Nonce:     SolveJoinProof(candidate, 4),
	})

	if !errors.Is(err, errs.ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestEvaluateJoinCloserThanFarthest(t *testing.T) {
	// Centre is 0x80 00...; the farthest member is 0x00 at distance
	// 0x80. A candidate at 0x84 beats it; one at 0x05 does not.
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 2, MaxSection: 8, JoinDifficulty: 4}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90), nameWithFirstByte(0x00))

	closer := nameWithFirstByte(0x84)
	err := m.EvaluateJoin(JoinRequest{
		Candidate: wire.NodeID{Name: closer},
		Nonce:     SolveJoinProof(closer, 4),
	})
	if err != nil {
		t.Errorf("closer candidate rejected: %v", err)
	}

	farther := nameWithFirstByte(0x05)
	err = m.EvaluateJoin(JoinRequest{
		Candidate: wire.NodeID{Name: farther},
		Nonce:     SolveJoinProof(farther, 4),
	})
	if !errors.Is(err, errs.ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity for farther candidate, got %v", err)
	}
}

func TestEvaluateJoinPrefixMismatch(t *testing.T) {
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 4, JoinDifficulty: 4}, "1", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	// First bit 0: outside prefix "1".
	candidate := nameWithFirstByte(0x40)

	err := m.EvaluateJoin(JoinRequest{
		Candidate: wire.NodeID{Name: candidate},
		Nonce:     SolveJoinProof(candidate, 4),
	})

	if !errors.Is(err, errs.ErrPrefixMismatch) {
		t.Errorf("expected ErrPrefixMismatch, got %v", err)
	}
}

func TestOfferShareRejectsForgedShare(t *testing.T) {
	m, _, keys := newTestMachine(t, Config{ElderCount: 2, MinSection: 2}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	message := m.JoinMessage(nameWithFirstByte(0x81))

	// A share over a different message must not count.
	forged := keys[nameWithFirstByte(0x90)].Sign([]byte("another message"))

	if err := m.OfferShare(message, 1, forged); !errors.Is(err, errs.ErrInvalidAuth) {
		t.Errorf("expected ErrInvalidAuth, got %v", err)
	}

	if err := m.OfferShare(message, 9, keys[nameWithFirstByte(0x90)].Sign(message)); !errors.Is(err, errs.ErrInvalidAuth) {
		t.Errorf("expected ErrInvalidAuth for out-of-range index, got %v", err)
	}
}

func TestProposeJoinReachesQuorum(t *testing.T) {
	cfg := Config{ElderCount: 3, MinSection: 4, MaxSection: 16, JoinDifficulty: 4, QuorumTimeout: 5 * time.Second}

	names := []xor.Name{nameWithFirstByte(0x80), nameWithFirstByte(0x84), nameWithFirstByte(0x90)}

	m, _, keys := newTestMachine(t, cfg, "", nil, names...)

	section := m.table.OurSection()
	preKey := m.SectionKeyBytes()
	preElderKeys := elderBLSKeys(section.Members)

	candidate := nameWithFirstByte(0x03)
	candidateKey, err := quorum.KeyFromSeed(candidate[:])
	if err != nil {
		t.Fatalf("candidate key: %v", err)
	}

	req := JoinRequest{
		Candidate: wire.NodeID{Name: candidate},
		BLSKey:    candidateKey.PublicKeyBytes(),
		Nonce:     SolveJoinProof(candidate, 4),
	}

	// The other elders vote before we even start; the round persists.
	message := m.JoinMessage(candidate)
	for _, name := range names[1:] {
		idx := elderIndex(section.Members, name)
		if err := m.OfferShare(message, idx, keys[name].Sign(message)); err != nil {
			t.Fatalf("offer share from %s: %v", name, err)
		}
	}

	decision, churn, err := m.ProposeJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("ProposeJoin: %v", err)
	}

	if decision.Member.Name != candidate {
		t.Errorf("decision admits %s, want %s", decision.Member.Name, candidate)
	}

	if _, ok := churn.Changed[candidate]; !ok {
		t.Error("churn does not name the admitted member")
	}

	if _, ok := m.table.OurSection().FindMember(candidate); !ok {
		t.Error("admitted member missing from the section")
	}

	if !VerifyAdmission(decision, preKey, preElderKeys) {
		t.Error("admission proof does not verify against the issuing elders")
	}
}

func TestProposeJoinQuorumTimeout(t *testing.T) {
	cfg := Config{ElderCount: 3, MinSection: 4, JoinDifficulty: 4, QuorumTimeout: 100 * time.Millisecond, JoinTimeout: 300 * time.Millisecond}

	m, _, _ := newTestMachine(t, cfg, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x84), nameWithFirstByte(0x90))

	candidate := nameWithFirstByte(0x03)

	req := JoinRequest{
		Candidate: wire.NodeID{Name: candidate},
		Nonce:     SolveJoinProof(candidate, 4),
	}

	// No other elder votes: the quorum of 3 never forms.
	_, _, err := m.ProposeJoin(context.Background(), req)
	if err == nil {
		t.Fatal("ProposeJoin succeeded without a quorum")
	}

	if _, ok := m.table.OurSection().FindMember(candidate); ok {
		t.Error("member admitted without a quorum")
	}
}
