package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"safenet/internal/catchup"
	"safenet/internal/dispatch"
	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/placement"
	"safenet/internal/quorum"
	"safenet/internal/routing"
	"safenet/internal/section"
	"safenet/internal/store"
	"safenet/internal/transport"
	"safenet/internal/wire"
	"safenet/internal/xor"
)

const (
	// persistInterval is the period of routing snapshot writes.
	persistInterval = 30 * time.Second

	// networkKeySeed seeds the epoch-0 section key shared by a fresh
	// network. Later epochs derive deterministically from elder sets.
	networkKeySeed = "safenet genesis section key"
)

// Node is a running storage node: transport, dispatcher, section state
// machine, chunk store and placement engine wired together.
type Node struct {
	cfg  *Config
	name xor.Name

	table      *routing.Table
	store      *store.Store
	endpoint   *transport.Endpoint
	dispatcher *dispatch.Dispatcher
	machine    *section.Machine
	engine     *placement.Engine

	joinCh chan *section.JoinDecision // joinCh delivers our own admission

	seenMu   sync.Mutex             // seenMu protects lastSeen and quietBeats
	lastSeen map[xor.Name]time.Time // lastSeen tracks member liveness
	beats    int                    // beats counts churn-free heartbeats

	resyncing atomic.Bool // resyncing limits stale-key recovery to one fetch
	merging   atomic.Bool // merging limits sibling absorption to one run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates and wires a node from the given config.
func NewNode(cfg *Config) (*Node, error) {
	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)

	n := &Node{
		cfg:      cfg,
		name:     xor.NameFromBytes(pub),
		joinCh:   make(chan *section.JoinDecision, 1),
		lastSeen: make(map[xor.Name]time.Time),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.initStore(); err != nil {
		return nil, err
	}

	if err := n.initRouting(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initTransport(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initDispatch(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initSection(); err != nil {
		n.Close()
		return nil, err
	}

	n.initPlacement()
	n.registerHandlers()

	return n, nil
}

// initStore opens the chunk store.
func (n *Node) initStore() error {
	s, err := store.Open(store.Config{
		Root:          n.cfg.StorageRoot,
		CapacityBytes: n.cfg.StorageCapacityBytes,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	n.store = s

	return nil
}

// initRouting restores the persisted routing table or starts fresh.
func (n *Node) initRouting() error {
	t, err := routing.Load(n.cfg.stateDir())
	if err == nil {
		if t.OurName() != n.name {
			return fmt.Errorf("%w: state dir belongs to node %s", errs.ErrConfig, t.OurName())
		}

		logger.Info("routing state restored", "prefix", t.OurPrefix(), "members", len(t.OurSection().Members))
		n.table = t

		return nil
	}

	if !os.IsNotExist(err) {
		return fmt.Errorf("restore routing state: %w", err)
	}

	n.table = routing.NewTable(n.name)

	return nil
}

// initTransport creates the QUIC endpoint.
func (n *Node) initTransport() error {
	ep, err := transport.New(transport.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.ListenAddr,
		Options: transport.Options{
			IdleTimeout:          n.cfg.IdleTimeout,
			MaxConcurrentStreams: n.cfg.MaxConcurrentStreams,
			KeepAlive:            n.cfg.KeepAlive,
		},
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	n.endpoint = ep

	return nil
}

// initDispatch creates the message dispatcher over the routing table.
func (n *Node) initDispatch() error {
	d, err := dispatch.New(n.table, dispatch.Config{}, n.forward)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	n.dispatcher = d

	return nil
}

// initSection creates the section state machine. The epoch-0 group key
// is derived from a network-wide seed; every later epoch derives from
// the elder set, so all members stay on the same key chain.
func (n *Node) initSection() error {
	seed := blake3.Sum256([]byte(networkKeySeed))

	groupKey, err := quorum.KeyFromSeed(seed[:])
	if err != nil {
		return fmt.Errorf("derive network key: %w", err)
	}

	n.machine = section.New(section.Config{
		ElderCount:     n.cfg.ElderCount,
		MinSection:     n.cfg.MinSectionSize,
		MaxSection:     n.cfg.MaxSectionSize,
		JoinDifficulty: n.cfg.JoinDifficulty,
	}, n.table, n.cfg.BLSKey, groupKey, &outbox{n: n}, n.store)

	return nil
}

// initPlacement creates the replication engine.
func (n *Node) initPlacement() {
	n.engine = placement.New(n.table, &storeSender{n: n}, placement.Config{
		ReplFactor: n.cfg.ReplicationFactor,
	})
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.endpoint.Start(); err != nil {
		return fmt.Errorf("%w: start transport: %v", errBootstrap, err)
	}

	if len(n.cfg.BootstrapContacts) == 0 {
		if err := n.startFresh(); err != nil {
			return fmt.Errorf("%w: %v", errBootstrap, err)
		}
	} else {
		if err := n.joinNetwork(); err != nil {
			return fmt.Errorf("%w: %v", errBootstrap, err)
		}
	}

	n.wg.Add(3)
	go n.heartbeatLoop()
	go n.persistLoop()
	go n.disconnectLoop()

	return n.waitForShutdown()
}

// startFresh founds a new network: a root section containing only this
// node.
func (n *Node) startFresh() error {
	if len(n.table.OurSection().Members) > 0 {
		// Restored state: the section already exists.
		return n.activate()
	}

	self := routing.Member{
		Name:      n.name,
		PublicKey: n.cfg.PrivateKey.Public().(ed25519.PublicKey),
		BLSKey:    n.cfg.BLSKey.PublicKeyBytes(),
		Addr:      n.cfg.ListenAddr,
		Age:       1,
	}

	info := routing.SectionInfo{
		Prefix:    xor.Prefix{},
		Members:   section.ComputeElders([]routing.Member{self}, xor.Prefix{}, n.cfg.ElderCount),
		Key:       n.machine.SectionKeyBytes(),
		RotatedAt: time.Now(),
	}

	if err := n.table.SetOurSection(info); err != nil {
		return fmt.Errorf("found network: %w", err)
	}

	logger.Info("founded new network", "name", n.name)

	return n.activate()
}

// joinNetwork runs the candidate side of admission: solve the resource
// proof, send the join request through a bootstrap contact, await the
// quorum decision and catch up on the section state.
func (n *Node) joinNetwork() error {
	peer, err := n.connectAny()
	if err != nil {
		return err
	}

	logger.Info("solving join proof", "difficulty", n.cfg.JoinDifficulty)
	nonce := section.SolveJoinProof(n.name, n.cfg.JoinDifficulty)

	req := section.JoinRequest{
		Candidate: n.self(),
		BLSKey:    n.cfg.BLSKey.PublicKeyBytes(),
		Nonce:     nonce,
	}

	payload, err := wire.EncodePayload(req)
	if err != nil {
		return err
	}

	env, err := wire.NewEnvelope(n.self(), wire.Dst{Name: n.name}, wire.KindJoinRequest, payload, n.cfg.PrivateKey)
	if err != nil {
		return err
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := peer.Send(data); err != nil {
		return fmt.Errorf("send join request: %w", err)
	}

	var decision *section.JoinDecision
	select {
	case decision = <-n.joinCh:
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("join decision timed out")
	}

	if err := n.machine.BeginSync(); err != nil {
		return err
	}

	if err := n.catchUp(peer); err != nil {
		return fmt.Errorf("catch up: %w", err)
	}

	logger.Info("joined network",
		"name", decision.Member.Name,
		"prefix", n.table.OurPrefix(),
		"members", len(n.table.OurSection().Members),
	)

	return n.machine.Activate()
}

// activate moves a founding or restored node into the steady state.
func (n *Node) activate() error {
	if err := n.machine.BeginSync(); err != nil {
		return err
	}

	return n.machine.Activate()
}

// connectAny dials the bootstrap contacts in order and returns the
// first reachable peer.
func (n *Node) connectAny() (*transport.Peer, error) {
	var lastErr error

	for _, addr := range n.cfg.BootstrapContacts {
		peer, err := n.endpoint.Connect(addr)
		if err == nil {
			logger.Info("connected to bootstrap contact", "addr", addr)
			return peer, nil
		}

		logger.Warn("bootstrap contact unreachable", "addr", addr, "error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("no bootstrap contact reachable: %w", lastErr)
}

// catchUp requests a section snapshot from the peer and installs it.
func (n *Node) catchUp(peer *transport.Peer) error {
	reply, err := n.requestPeer(n.ctx, peer, wire.KindCatchUpRequest, nil)
	if err != nil {
		return err
	}

	return catchup.Apply(n.table, reply)
}

// resyncFrom refreshes our section view from a peer after a stale-key
// rejection. Only one refresh runs at a time, the rest of the rejected
// traffic rides on it.
func (n *Node) resyncFrom(peer *transport.Peer) {
	if n.resyncing.Swap(true) {
		return
	}

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		defer n.resyncing.Store(false)

		if err := n.catchUp(peer); err != nil {
			logger.Warn("resync after stale key failed", "peer", peer.Address(), "error", err)
		}
	}()
}

// self returns this node's wire identity.
func (n *Node) self() wire.NodeID {
	return wire.NodeID{
		Name:      n.name,
		PublicKey: n.cfg.PrivateKey.Public().(ed25519.PublicKey),
		Addr:      n.cfg.ListenAddr,
	}
}

// heartbeatLoop probes section members, expels the silent ones and
// drives node ageing during churn-free stretches.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	heartbeat := 10 * time.Second
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		n.probeMembers()
		n.expelSilent()
		n.ageBeat()
	}
}

// probeMembers sends a heartbeat with our storage pressure to every
// other section member.
func (n *Node) probeMembers() {
	used, full := n.store.UsedSpace()

	payload, err := wire.EncodePayload(heartbeat{UsedBytes: used, Full: full})
	if err != nil {
		logger.Error("encode heartbeat failed", "error", err)
		return
	}

	for _, m := range n.table.OurSection().Members {
		if m.Name == n.name {
			continue
		}

		if err := n.sendTo(n.ctx, m, wire.KindHeartbeat, payload); err != nil {
			logger.Debug("heartbeat failed", "member", m.Name, "error", err)
		}
	}
}

// expelSilent removes members that missed the grace window.
func (n *Node) expelSilent() {
	grace := n.machine.GraceWindow()
	now := time.Now()

	var silent []xor.Name

	n.seenMu.Lock()
	for _, m := range n.table.OurSection().Members {
		if m.Name == n.name {
			continue
		}

		seen, ok := n.lastSeen[m.Name]
		if !ok {
			n.lastSeen[m.Name] = now
			continue
		}

		if now.Sub(seen) > grace {
			silent = append(silent, m.Name)
		}
	}
	n.seenMu.Unlock()

	for _, name := range silent {
		logger.Warn("member silent past grace window", "member", name)

		churn, err := n.machine.RemoveMember(n.ctx, name)
		if err != nil {
			logger.Error("expel failed", "member", name, "error", err)
			continue
		}

		n.forget(name)
		n.applyChurn(churn)
	}
}

// ageBeat counts churn-free heartbeats and ages the section when a
// full pulse has passed quietly.
func (n *Node) ageBeat() {
	n.seenMu.Lock()
	n.beats++
	pulse := n.beats >= section.DefaultAgePulse
	if pulse {
		n.beats = 0
	}
	n.seenMu.Unlock()

	if !pulse {
		return
	}

	if err := n.machine.AgeTick(); err != nil {
		logger.Error("age tick failed", "error", err)
	}
}

// markSeen records liveness for a member.
func (n *Node) markSeen(name xor.Name) {
	n.seenMu.Lock()
	n.lastSeen[name] = time.Now()
	n.seenMu.Unlock()
}

// forget drops the liveness record of a departed member.
func (n *Node) forget(name xor.Name) {
	n.seenMu.Lock()
	delete(n.lastSeen, name)
	n.seenMu.Unlock()
}

// persistLoop snapshots the routing table periodically.
func (n *Node) persistLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.table.Save(n.cfg.stateDir()); err != nil {
				logger.Error("persist routing state failed", "error", err)
			}
		}
	}
}

// disconnectLoop turns transport peer losses into membership churn.
func (n *Node) disconnectLoop() {
	defer n.wg.Done()

	for ev := range n.endpoint.Disconnects() {
		member, ok := n.memberByKey(ev.PublicKey)
		if !ok {
			continue
		}

		logger.Warn("section member disconnected", "member", member.Name, "addr", ev.Addr)

		churn, err := n.machine.RemoveMember(n.ctx, member.Name)
		if err != nil {
			logger.Error("remove disconnected member failed", "member", member.Name, "error", err)
			continue
		}

		n.endpoint.Forget(ev.PublicKey)
		n.forget(member.Name)
		n.applyChurn(churn)
	}
}

// memberByKey finds the section member with the given identity key.
func (n *Node) memberByKey(pub ed25519.PublicKey) (routing.Member, bool) {
	for _, m := range n.table.OurSection().Members {
		if ed25519.PublicKey(m.PublicKey).Equal(pub) {
			return m, true
		}
	}

	return routing.Member{}, false
}

// applyChurn reacts to a completed membership transition: reset the
// quiet-beat counter, restore the replication invariant and schedule
// age-based relocations.
func (n *Node) applyChurn(churn *section.Churn) {
	if churn == nil {
		return
	}

	n.seenMu.Lock()
	n.beats = 0
	n.seenMu.Unlock()

	if len(churn.Changed) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			moved, err := n.engine.Repair(n.ctx, n.store, n.name, churn.Changed)
			if err != nil {
				logger.Error("replication repair failed", "error", err)
				return
			}

			if moved > 0 {
				logger.Info("replication repaired", "chunks", moved)
			}
		}()

		n.scheduleRelocations(churnID(churn, n.machine.SectionKeyBytes()))
	}

	for _, m := range churn.Overflow {
		n.startRelocation(m)
	}

	if churn.MergeNeeded {
		n.startMerge()
	}
}

// startMerge runs sibling absorption in the background, one at a time.
func (n *Node) startMerge() {
	if n.merging.Swap(true) {
		return
	}

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		defer n.merging.Store(false)

		if err := n.mergeWithSibling(); err != nil {
			logger.Error("merge with sibling failed", "error", err)
		}
	}()
}

// mergeWithSibling fetches the sibling section's roster from one of
// its elders and absorbs it. Both halves run the same computation, so
// the merged state needs no extra agreement round.
func (n *Node) mergeWithSibling() error {
	section := n.table.OurSection()
	if section.Prefix.BitLen() == 0 {
		return fmt.Errorf("root section has no sibling")
	}

	sibling := section.Prefix.Sibling()

	ref, ok := n.table.SiblingSection(section.Prefix)
	if !ok {
		return fmt.Errorf("sibling section %s unknown", sibling)
	}

	if len(ref.Elders) == 0 {
		return fmt.Errorf("no elders recorded for sibling %s", sibling)
	}

	var lastErr error
	for _, elder := range ref.Elders {
		reply, err := n.request(n.ctx, elder, wire.KindCatchUpRequest, nil)
		if err != nil {
			lastErr = err
			continue
		}

		prefix, members, err := catchup.Roster(reply)
		if err != nil {
			lastErr = err
			continue
		}

		if !prefix.Equal(sibling) {
			lastErr = fmt.Errorf("elder %s reports prefix %s, want %s", elder.Name, prefix, sibling)
			continue
		}

		churn, err := n.machine.MergeWith(n.ctx, members)
		if err != nil {
			return fmt.Errorf("absorb sibling: %w", err)
		}

		n.applyChurn(churn)

		return nil
	}

	return fmt.Errorf("no sibling elder reachable: %w", lastErr)
}

// churnID derives the relocation trigger from the churn event: the
// changed names in sorted order bound to the section key.
func churnID(churn *section.Churn, sectionKey []byte) xor.Name {
	names := make([]xor.Name, 0, len(churn.Changed))
	for name := range churn.Changed {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool { return xor.Cmp(names[i], names[j]) < 0 })

	h := blake3.New()
	for _, name := range names {
		h.Write(name[:])
	}
	h.Write(sectionKey)

	var id xor.Name
	h.Sum(id[:0])

	return id
}

// scheduleRelocations starts a relocation for every member whose age
// matches the churn event.
func (n *Node) scheduleRelocations(id xor.Name) {
	for _, cand := range n.machine.RelocationCandidates(id) {
		n.startRelocation(cand)
	}
}

// startRelocation runs one member's relocation in the background.
func (n *Node) startRelocation(member routing.Member) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if err := n.machine.StartRelocation(n.ctx, member); err != nil {
			logger.Error("relocation failed", "member", member.Name, "error", err)
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components and persists the final state.
func (n *Node) Close() error {
	n.cancel()

	if n.endpoint != nil {
		n.endpoint.Close()
	}

	n.wg.Wait()

	if n.dispatcher != nil {
		n.dispatcher.Close()
	}

	if n.table != nil {
		if err := n.table.Save(n.cfg.stateDir()); err != nil {
			logger.Error("final routing snapshot failed", "error", err)
		}
	}

	if n.store != nil {
		n.store.Close()
	}

	return nil
}
