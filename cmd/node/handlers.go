package main

import (
	"context"
	"errors"
	"fmt"

	"safenet/internal/catchup"
	"safenet/internal/chunk"
	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/routing"
	"safenet/internal/section"
	"safenet/internal/transport"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

// Reply codes carried on request/response streams.
const (
	codeOK byte = iota
	codeNotFound
	codeConflict
	codeNoCapacity
	codeInvalidAuth
	codeStaleKey
	codeInternal
)

// reply is the body of every request/response exchange.
type reply struct {
	Code byte   `codec:"code"` // Code classifies the outcome
	Data []byte `codec:"data"` // Data is the kind-specific response body
}

// failureAck reports a rejected transition back to its origin.
type failureAck struct {
	Code   byte   `codec:"code"`   // Code classifies the rejection
	Detail string `codec:"detail"` // Detail is the human-readable cause
}

// heartbeat carries the sender's storage pressure alongside liveness.
type heartbeat struct {
	UsedBytes uint64 `codec:"used"` // UsedBytes is the sender's stored byte count
	Full      bool   `codec:"full"` // Full reports the sender past its capacity mark
}

// codeOf maps an error onto its wire code.
func codeOf(err error) byte {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, errs.ErrNotFound):
		return codeNotFound
	case errors.Is(err, errs.ErrConflict):
		return codeConflict
	case errors.Is(err, errs.ErrNoCapacity):
		return codeNoCapacity
	case errors.Is(err, errs.ErrInvalidAuth):
		return codeInvalidAuth
	case errors.Is(err, errs.ErrStaleSectionKey):
		return codeStaleKey
	default:
		return codeInternal
	}
}

// errOf reverses codeOf on the requesting side.
func errOf(code byte) error {
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return errs.ErrNotFound
	case codeConflict:
		return errs.ErrConflict
	case codeNoCapacity:
		return errs.ErrNoCapacity
	case codeInvalidAuth:
		return errs.ErrInvalidAuth
	case codeStaleKey:
		return errs.ErrStaleSectionKey
	default:
		return fmt.Errorf("remote failure")
	}
}

// registerHandlers wires the transport into the dispatcher and installs
// one handler per message kind.
func (n *Node) registerHandlers() {
	n.endpoint.OnMessage(func(peer *transport.Peer, data []byte) {
		env, err := wire.Decode(data)
		if err != nil {
			logger.Debug("undecodable frame dropped", "from", peer.Address(), "error", err)
			return
		}

		if err := n.dispatcher.Dispatch(env); err != nil {
			logger.Warn("dispatch failed", "kind", env.Kind, "from", env.Src.Name, "error", err)

			// A key we do not accept means one side missed a
			// rotation. Refreshing from the sender recovers us when
			// the stale side is ours, and is a no-op otherwise.
			if errors.Is(err, errs.ErrStaleSectionKey) {
				n.resyncFrom(peer)
			}

			return
		}

		// Liveness only counts once the envelope verified.
		n.markSeen(env.Src.Name)
	})

	n.endpoint.OnRequest(n.handleRequest)

	n.dispatcher.Register(wire.KindJoinRequest, n.handleJoinRequest)
	n.dispatcher.Register(wire.KindJoinVote, n.handleJoinVote)
	n.dispatcher.Register(wire.KindJoinDecision, n.handleJoinDecision)
	n.dispatcher.Register(wire.KindRelocateRequest, n.handleRelocateRequest)
	n.dispatcher.Register(wire.KindRelocateAck, n.handleRelocateAck)
	n.dispatcher.Register(wire.KindKeyRotation, n.handleKeyRotation)
	n.dispatcher.Register(wire.KindHeartbeat, n.handleHeartbeat)
	n.dispatcher.Register(wire.KindReplicate, n.handleReplicate)
	n.dispatcher.Register(wire.KindFailureAck, n.handleFailureAck)
}

// handleRequest serves the request/response kinds: chunk transfer,
// register mutation, catch-up snapshots and remote client operations.
func (n *Node) handleRequest(peer *transport.Peer, data []byte) ([]byte, error) {
	env, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	if !env.VerifyAuth() {
		return encodeReply(nil, errs.ErrInvalidAuth)
	}

	n.markSeen(env.Src.Name)

	switch env.Kind {
	case wire.KindStoreChunk, wire.KindReplicate:
		return encodeReply(nil, n.serveStore(env.Payload))

	case wire.KindGetChunk:
		return encodeReply(n.serveGet(env.Payload))

	case wire.KindRegisterOp:
		return encodeReply(nil, n.serveRegisterOp(env.Payload))

	case wire.KindCatchUpRequest:
		snap, err := catchup.Build(n.table)
		return encodeReply(snap, err)

	case wire.KindClientStore:
		return encodeReply(n.serveClientStore(env.Payload))

	case wire.KindClientGet:
		return encodeReply(n.serveClientGet(env.Payload))

	default:
		return nil, fmt.Errorf("unexpected request kind %d", env.Kind)
	}
}

// encodeReply packs an outcome into the reply body.
func encodeReply(data []byte, err error) ([]byte, error) {
	if err != nil {
		logger.Debug("request rejected", "error", err)
	}

	return wire.EncodePayload(reply{Code: codeOf(err), Data: data})
}

// serveStore persists an incoming chunk copy.
func (n *Node) serveStore(payload []byte) error {
	c, err := chunk.Decode(payload)
	if err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if _, full := n.store.UsedSpace(); full {
		return errs.ErrNoCapacity
	}

	return n.store.Put(c)
}

// serveGet returns a locally held chunk.
func (n *Node) serveGet(payload []byte) ([]byte, error) {
	var addr chunk.Address
	if err := wire.DecodePayload(payload, &addr); err != nil {
		return nil, err
	}

	c, err := n.store.Get(addr)
	if err != nil {
		return nil, err
	}

	return chunk.Encode(c)
}

// registerOpMsg carries a register mutation to a holder.
type registerOpMsg struct {
	Addr chunk.Address    `codec:"addr"` // Addr locates the register
	Op   chunk.RegisterOp `codec:"op"`   // Op is the mutation
}

// serveRegisterOp applies a register mutation to the local copy.
func (n *Node) serveRegisterOp(payload []byte) error {
	var msg registerOpMsg
	if err := wire.DecodePayload(payload, &msg); err != nil {
		return err
	}

	c, err := n.store.Get(msg.Addr)
	if err != nil {
		return err
	}

	reg, err := chunk.RegisterFromChunk(c)
	if err != nil {
		return err
	}

	if err := msg.Op.Apply(reg); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidAuth, err)
	}

	updated, err := reg.Chunk()
	if err != nil {
		return err
	}

	return n.store.Put(updated)
}

// serveClientStore handles a remote client's store request.
func (n *Node) serveClientStore(payload []byte) ([]byte, error) {
	c, err := chunk.Decode(payload)
	if err != nil {
		return nil, err
	}

	addr, err := n.ClientBackend().StoreChunk(n.ctx, c)
	if err != nil {
		return nil, err
	}

	return wire.EncodePayload(addr)
}

// serveClientGet handles a remote client's get request.
func (n *Node) serveClientGet(payload []byte) ([]byte, error) {
	var addr chunk.Address
	if err := wire.DecodePayload(payload, &addr); err != nil {
		return nil, err
	}

	c, err := n.ClientBackend().FetchChunk(n.ctx, addr)
	if err != nil {
		return nil, err
	}

	return chunk.Encode(c)
}

// handleJoinRequest runs an elder's side of admission: evaluate the
// candidate, sign the admission and route the share to the proposing
// elder. The first elder in the ordering proposes; a non-elder relays
// the request to the elders.
func (n *Node) handleJoinRequest(env *wire.Envelope) error {
	var req section.JoinRequest
	if err := wire.DecodePayload(env.Payload, &req); err != nil {
		return err
	}

	elders := n.table.OurSection().Elders()
	idx := elderIndexOf(elders, n.name)

	if idx < 0 {
		return n.relayToElders(env, elders)
	}

	if err := n.machine.EvaluateJoin(req); err != nil {
		n.sendFailure(req.Candidate, err)
		return fmt.Errorf("join rejected for %s: %w", req.Candidate.Name, err)
	}

	if idx == 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.proposeJoin(req)
		}()

		return nil
	}

	msg := n.machine.JoinMessage(req.Candidate.Name)
	vote := section.JoinVote{
		Candidate:  req.Candidate.Name,
		ElderIndex: idx,
		Share:      n.machine.SignShare(msg),
	}

	payload, err := wire.EncodePayload(vote)
	if err != nil {
		return err
	}

	return n.sendTo(n.ctx, elders[0], wire.KindJoinVote, payload)
}

// relayToElders re-sends an envelope to the section's elders.
func (n *Node) relayToElders(env *wire.Envelope, elders []routing.Member) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	for _, e := range elders {
		if e.Name == n.name {
			continue
		}

		peer, err := n.peerForMember(e)
		if err != nil {
			continue
		}

		if err := peer.Send(data); err != nil {
			logger.Debug("relay to elder failed", "elder", e.Name, "error", err)
		}
	}

	return nil
}

// proposeJoin collects the admission quorum and broadcasts the signed
// decision to the candidate and the section.
func (n *Node) proposeJoin(req section.JoinRequest) {
	decision, churn, err := n.machine.ProposeJoin(n.ctx, req)
	if err != nil {
		logger.Warn("join proposal failed", "candidate", req.Candidate.Name, "error", err)
		n.sendFailure(req.Candidate, err)
		return
	}

	payload, err := wire.EncodePayload(decision)
	if err != nil {
		logger.Error("encode join decision failed", "error", err)
		return
	}

	candidate := routing.Member{
		Name:      req.Candidate.Name,
		PublicKey: req.Candidate.PublicKey,
		Addr:      req.Candidate.Addr,
	}

	if err := n.sendTo(n.ctx, candidate, wire.KindJoinDecision, payload); err != nil {
		logger.Warn("send join decision to candidate failed", "error", err)
	}

	for _, m := range n.table.OurSection().Members {
		if m.Name == n.name || m.Name == decision.Member.Name {
			continue
		}

		if err := n.sendTo(n.ctx, m, wire.KindJoinDecision, payload); err != nil {
			logger.Debug("send join decision failed", "member", m.Name, "error", err)
		}
	}

	n.markSeen(decision.Member.Name)
	n.applyChurn(churn)
}

// handleJoinVote feeds an elder's signature share into the open vote.
func (n *Node) handleJoinVote(env *wire.Envelope) error {
	var vote section.JoinVote
	if err := wire.DecodePayload(env.Payload, &vote); err != nil {
		return err
	}

	msg := n.machine.JoinMessage(vote.Candidate)

	return n.machine.OfferShare(msg, vote.ElderIndex, vote.Share)
}

// handleJoinDecision applies a quorum-signed admission. Our own
// admission completes the join flow instead.
func (n *Node) handleJoinDecision(env *wire.Envelope) error {
	var decision section.JoinDecision
	if err := wire.DecodePayload(env.Payload, &decision); err != nil {
		return err
	}

	if decision.Member.Name == n.name {
		select {
		case n.joinCh <- &decision:
		default:
		}

		return nil
	}

	info := n.table.OurSection()
	if !section.VerifyAdmission(&decision, info.Key, blsKeys(info.Elders())) {
		return fmt.Errorf("admission of %s: %w", decision.Member.Name, errs.ErrInvalidAuth)
	}

	churn, err := n.machine.Admit(n.ctx, decision.Member)
	if err != nil {
		return err
	}

	n.markSeen(decision.Member.Name)
	n.applyChurn(churn)

	return nil
}

// handleRelocateRequest runs the destination side of a relocation.
func (n *Node) handleRelocateRequest(env *wire.Envelope) error {
	var req section.RelocateRequest
	if err := wire.DecodePayload(env.Payload, &req); err != nil {
		return err
	}

	srcRef, err := n.table.SectionFor(req.OldName)
	if err != nil {
		return fmt.Errorf("relocation source unknown: %w", err)
	}

	ack, churn, err := n.machine.AcceptRelocation(n.ctx, req, blsKeys(srcRef.Elders))
	if err != nil {
		return err
	}

	payload, err := wire.EncodePayload(ack)
	if err != nil {
		return err
	}

	for _, e := range srcRef.Elders {
		if err := n.sendTo(n.ctx, e, wire.KindRelocateAck, payload); err != nil {
			logger.Debug("send relocate ack failed", "elder", e.Name, "error", err)
		}
	}

	n.markSeen(req.Member.Name)
	n.applyChurn(churn)

	return nil
}

// handleRelocateAck completes a relocation on the source side.
func (n *Node) handleRelocateAck(env *wire.Envelope) error {
	var ack section.RelocateAck
	if err := wire.DecodePayload(env.Payload, &ack); err != nil {
		return err
	}

	dstRef, err := n.table.SectionFor(ack.NewName)
	if err != nil {
		return fmt.Errorf("relocation destination unknown: %w", err)
	}

	churn, err := n.machine.CompleteRelocation(n.ctx, ack, blsKeys(dstRef.Elders))
	if err != nil {
		return err
	}

	n.forget(ack.OldName)
	n.applyChurn(churn)

	return nil
}

// handleKeyRotation installs an announced section key epoch.
func (n *Node) handleKeyRotation(env *wire.Envelope) error {
	var rot section.KeyRotation
	if err := wire.DecodePayload(env.Payload, &rot); err != nil {
		return err
	}

	return n.machine.AcceptRotation(rot)
}

// handleHeartbeat records the sender's liveness and tracks its storage
// pressure. A member that freed space below the hysteresis floor
// re-enters placement here.
func (n *Node) handleHeartbeat(env *wire.Envelope) error {
	n.markSeen(env.Src.Name)

	if len(env.Payload) == 0 {
		return nil
	}

	var hb heartbeat
	if err := wire.DecodePayload(env.Payload, &hb); err != nil {
		return err
	}

	if hb.Full {
		n.engine.MarkFull(env.Src.Name)
	} else {
		n.engine.MarkNotFull(env.Src.Name)
	}

	return nil
}

// handleReplicate persists a chunk copy pushed by a peer.
func (n *Node) handleReplicate(env *wire.Envelope) error {
	return n.serveStore(env.Payload)
}

// handleFailureAck surfaces a remote rejection.
func (n *Node) handleFailureAck(env *wire.Envelope) error {
	var ack failureAck
	if err := wire.DecodePayload(env.Payload, &ack); err != nil {
		return err
	}

	logger.Warn("remote failure", "from", env.Src.Name, "cause", errOf(ack.Code), "detail", ack.Detail)

	return nil
}

// sendFailure returns a signed rejection to the origin.
func (n *Node) sendFailure(to wire.NodeID, cause error) {
	payload, err := wire.EncodePayload(failureAck{Code: codeOf(cause), Detail: cause.Error()})
	if err != nil {
		return
	}

	member := routing.Member{Name: to.Name, PublicKey: to.PublicKey, Addr: to.Addr}
	if err := n.sendTo(n.ctx, member, wire.KindFailureAck, payload); err != nil {
		logger.Debug("send failure ack failed", "to", to.Name, "error", err)
	}
}

// sendTo delivers a one-way signed message to a member. Cross-section
// destinations carry the believed section key; in-section control
// traffic travels keyless so it survives our own rotations.
func (n *Node) sendTo(ctx context.Context, to routing.Member, kind wire.Kind, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := wire.NewEnvelope(n.self(), n.dstFor(to.Name), kind, payload, n.cfg.PrivateKey)
	if err != nil {
		return err
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	peer, err := n.peerForMember(to)
	if err != nil {
		return err
	}

	return peer.Send(data)
}

// dstFor builds the destination authority for a name. In-section
// traffic carries our current key, so a member that missed a rotation
// rejects it as stale and knows to resync.
func (n *Node) dstFor(name xor.Name) wire.Dst {
	if n.table.IsOurs(name) {
		return wire.Dst{Name: name, SectionKey: n.table.OurSection().Key}
	}

	ref, err := n.table.SectionFor(name)
	if err != nil {
		return wire.Dst{Name: name}
	}

	return wire.Dst{Name: name, SectionKey: ref.Key}
}

// request runs one request/response exchange with a member.
func (n *Node) request(ctx context.Context, to routing.Member, kind wire.Kind, payload []byte) ([]byte, error) {
	peer, err := n.peerForMember(to)
	if err != nil {
		return nil, err
	}

	return n.requestPeer(ctx, peer, kind, payload)
}

// requestPeer runs one request/response exchange with a connected peer.
func (n *Node) requestPeer(ctx context.Context, peer *transport.Peer, kind wire.Kind, payload []byte) ([]byte, error) {
	env, err := wire.NewEnvelope(n.self(), wire.Dst{}, kind, payload, n.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	raw, err := peer.Request(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	var rep reply
	if err := wire.DecodePayload(raw, &rep); err != nil {
		return nil, err
	}

	if err := errOf(rep.Code); err != nil {
		return nil, err
	}

	return rep.Data, nil
}

// peerForMember returns the live connection to a member, dialing its
// address when none exists yet.
func (n *Node) peerForMember(m routing.Member) (*transport.Peer, error) {
	if peer := n.endpoint.PeerFor(m.PublicKey); peer != nil {
		return peer, nil
	}

	if m.Addr == "" {
		return nil, fmt.Errorf("no address for member %s", m.Name)
	}

	return n.endpoint.Connect(m.Addr)
}

// forward relays a message towards another section via its elders.
func (n *Node) forward(ref routing.SectionRef, env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	for _, elder := range ref.Elders {
		peer, err := n.peerForMember(elder)
		if err != nil {
			continue
		}

		if err := peer.Send(data); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no elder of %q reachable", ref.Prefix)
}

// blsKeys extracts the BLS share keys of a member list.
func blsKeys(members []routing.Member) [][]byte {
	keys := make([][]byte, len(members))
	for i, m := range members {
		keys[i] = m.BLSKey
	}

	return keys
}

// elderIndexOf returns a member's position in the elder ordering, or
// -1 when it is not an elder.
func elderIndexOf(elders []routing.Member, name xor.Name) int {
	for i, e := range elders {
		if e.Name == name {
			return i
		}
	}

	return -1
}
