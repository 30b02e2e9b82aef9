package section

import (
	"context"
	"testing"
	"time"

	"safenet/internal/quorum"
	"safenet/internal/wire"
)

func TestRelocationDestDeterministic(t *testing.T) {
	m, _, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 2}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	ref1, name1, err := m.RelocationDest(nameWithFirstByte(0x80))
	if err != nil {
		t.Fatalf("RelocationDest: %v", err)
	}

	ref2, name2, err := m.RelocationDest(nameWithFirstByte(0x80))
	if err != nil {
		t.Fatalf("RelocationDest: %v", err)
	}

	if name1 != name2 || !ref1.Prefix.Equal(ref2.Prefix) {
		t.Error("relocation destination not deterministic")
	}

	if _, otherName, _ := m.RelocationDest(nameWithFirstByte(0x90)); otherName == name1 {
		t.Error("distinct members share a relocated name")
	}

	// The derived name lies in the destination prefix.
	if !ref1.Prefix.Matches(name1) {
		t.Error("relocated name outside destination prefix")
	}
}

func TestStartRelocationHomeSectionIsNoop(t *testing.T) {
	// A table covering the whole space always resolves the hash to our
	// own section, so nothing leaves.
	m, net, _ := newTestMachine(t, Config{ElderCount: 2, MinSection: 2}, "", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	member, _ := m.table.OurSection().FindMember(nameWithFirstByte(0x90))

	if err := m.StartRelocation(context.Background(), member); err != nil {
		t.Fatalf("StartRelocation: %v", err)
	}

	if got := net.count(wire.KindRelocateRequest); got != 0 {
		t.Errorf("home relocation sent %d requests", got)
	}
}

func TestRelocateHandshake(t *testing.T) {
	cfg := Config{ElderCount: 2, MinSection: 2, MaxSection: 16, QuorumTimeout: 5 * time.Second}

	src, _, srcKeys := newTestMachine(t, cfg, "0", nil,
		nameWithFirstByte(0x00), nameWithFirstByte(0x05), nameWithFirstByte(0x10))

	dst, _, dstKeys := newTestMachine(t, cfg, "1", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	oldName := nameWithFirstByte(0x05)
	newName := nameWithFirstByte(0xA0)

	moving := testMember(t, oldName)
	moving.Name = newName
	moving.Age = 3

	// The source elders authorise the rename.
	srcSection := src.table.OurSection()
	srcElderKeys := elderBLSKeys(srcSection.Members)

	message := relocateMessage(oldName, newName, src.SectionKeyBytes())

	var shares [][]byte
	var indices []int
	for _, elder := range elderSubset(srcSection.Members) {
		shares = append(shares, srcKeys[elder.Name].Sign(message))
		indices = append(indices, elderIndex(srcSection.Members, elder.Name))
	}

	proof, err := quorum.NewProof(src.SectionKeyBytes(), shares, indices, len(indices))
	if err != nil {
		t.Fatalf("source proof: %v", err)
	}

	req := RelocateRequest{
		Member:  moving,
		OldName: oldName,
		SrcKey:  src.SectionKeyBytes(),
		Proof:   *proof,
	}

	// The other destination elder votes on the handover ack up front;
	// the admission leaves the destination elder set unchanged, so the
	// ack message is known in advance.
	ackMessage := relocateMessage(oldName, newName, dst.SectionKeyBytes())

	dstSection := dst.table.OurSection()
	other := nameWithFirstByte(0x90)
	if err := dst.OfferShare(ackMessage, elderIndex(dstSection.Members, other), dstKeys[other].Sign(ackMessage)); err != nil {
		t.Fatalf("offer ack share: %v", err)
	}

	ack, churn, err := dst.AcceptRelocation(context.Background(), req, srcElderKeys)
	if err != nil {
		t.Fatalf("AcceptRelocation: %v", err)
	}

	admitted, ok := dst.table.OurSection().FindMember(newName)
	if !ok {
		t.Fatal("relocated member missing at destination")
	}

	if admitted.Age != 4 {
		t.Errorf("relocated age %d, want 4", admitted.Age)
	}

	if _, ok := churn.Changed[newName]; !ok {
		t.Error("destination churn misses the relocated member")
	}

	// The source removes the member only after verifying the ack.
	dstElderKeys := elderBLSKeys(dst.table.OurSection().Members)

	if _, err := src.CompleteRelocation(context.Background(), *ack, dstElderKeys); err != nil {
		t.Fatalf("CompleteRelocation: %v", err)
	}

	if _, ok := src.table.OurSection().FindMember(oldName); ok {
		t.Error("relocated member still in the source section")
	}
}

func TestAcceptRelocationRejectsBadProof(t *testing.T) {
	cfg := Config{ElderCount: 2, MinSection: 2}

	dst, _, dstKeys := newTestMachine(t, cfg, "1", nil,
		nameWithFirstByte(0x80), nameWithFirstByte(0x90))

	oldName := nameWithFirstByte(0x05)
	moving := testMember(t, oldName)
	moving.Name = nameWithFirstByte(0xA0)

	// A proof signed by the wrong elders.
	message := relocateMessage(oldName, moving.Name, []byte("bogus key"))

	shares := [][]byte{
		dstKeys[nameWithFirstByte(0x80)].Sign(message),
		dstKeys[nameWithFirstByte(0x90)].Sign(message),
	}

	proof, err := quorum.NewProof([]byte("bogus key"), shares, []int{0, 1}, 2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	req := RelocateRequest{
		Member:  moving,
		OldName: oldName,
		SrcKey:  []byte("a different key"),
		Proof:   *proof,
	}

	srcElderKeys := [][]byte{
		dstKeys[nameWithFirstByte(0x80)].PublicKeyBytes(),
		dstKeys[nameWithFirstByte(0x90)].PublicKeyBytes(),
	}

	if _, _, err := dst.AcceptRelocation(context.Background(), req, srcElderKeys); err == nil {
		t.Error("handover accepted with a mismatched proof")
	}

	if _, ok := dst.table.OurSection().FindMember(moving.Name); ok {
		t.Error("member admitted despite the bad proof")
	}
}
