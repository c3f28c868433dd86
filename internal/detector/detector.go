// Package detector implements the SWIM-style failure detector of spec §4.4:
// direct probing, indirect probing via relays, and incarnation-based
// refutation, grounded structurally on the probe/reap cycle of
// other_examples' SWIM gossip implementation and sized by internal/rtt's
// adaptive timeouts.
package detector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"driftmesh/internal/codec"
	"driftmesh/internal/logging"
	"driftmesh/internal/model"
	"driftmesh/internal/registry"
	"driftmesh/internal/rtt"
	"driftmesh/internal/transport"
)

// Callbacks lets the coordinator observe detector-driven events without the
// detector importing the events package directly.
type Callbacks struct {
	OnStatusChange func(registry.StatusChange)
	OnRefuted      func(newIncarnation uint64)
}

// Config carries the tunables of spec §4.2/§4.4 that shape probe target
// selection and fanout.
type Config struct {
	IndirectFanout           int
	UnreachableProbeInterval int // probe unreachable peers every K rounds, K>=3
}

type directProbe struct {
	target   model.NodeID
	sentAtMs uint64
}

type indirectProbe struct {
	target   model.NodeID
	sentAtMs uint64
	relays   map[model.NodeID]bool
}

type relayedProbe struct {
	origin model.NodeID
	target model.NodeID
}

// Detector runs one node's half of the SWIM protocol: it issues probes on
// ProbeTick and answers/forwards the four SWIM wire messages handed to it by
// the coordinator's single event loop.
type Detector struct {
	mu      sync.Mutex
	localID model.NodeID
	reg     *registry.Registry
	port    transport.MessagePort
	clock   transport.TimePort
	cfg     Config
	cb      Callbacks

	globalRTT *rtt.Tracker
	peerRTT   map[model.NodeID]*rtt.Tracker

	nextSeq uint32
	round   uint64
	probed  map[model.NodeID]bool // peers already probed this round

	pendingDirect   map[uint32]*directProbe
	pendingIndirect map[uint32]*indirectProbe
	relaying        map[uint32]*relayedProbe
}

// New constructs a Detector for localID.
func New(localID model.NodeID, reg *registry.Registry, port transport.MessagePort, clock transport.TimePort, cfg Config, cb Callbacks) *Detector {
	if cfg.IndirectFanout <= 0 {
		cfg.IndirectFanout = 3
	}
	if cfg.UnreachableProbeInterval < 3 {
		cfg.UnreachableProbeInterval = 3
	}
	return &Detector{
		localID:         localID,
		reg:             reg,
		port:            port,
		clock:           clock,
		cfg:             cfg,
		cb:              cb,
		globalRTT:       rtt.New(),
		peerRTT:         make(map[model.NodeID]*rtt.Tracker),
		probed:          make(map[model.NodeID]bool),
		pendingDirect:   make(map[uint32]*directProbe),
		pendingIndirect: make(map[uint32]*indirectProbe),
		relaying:        make(map[uint32]*relayedProbe),
	}
}

// GlobalRTT returns the cross-peer RTT tracker driving adaptive timing.
func (d *Detector) GlobalRTT() *rtt.Tracker { return d.globalRTT }

// PeerRTT returns (creating if absent) the per-peer RTT tracker for id.
func (d *Detector) PeerRTT(id model.NodeID) *rtt.Tracker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerRTTLocked(id)
}

func (d *Detector) peerRTTLocked(id model.NodeID) *rtt.Tracker {
	t, ok := d.peerRTT[id]
	if !ok {
		t = rtt.New()
		d.peerRTT[id] = t
	}
	return t
}

func (d *Detector) allocSeq() uint32 {
	d.nextSeq++
	return d.nextSeq
}

// ProbeTick runs one failure-detector round: selects a target per the
// weighting rule of spec §4.4 step 1 and issues a direct Ping.
func (d *Detector) ProbeTick(ctx context.Context) {
	d.mu.Lock()
	target, ok := d.selectTargetLocked()
	if !ok {
		d.mu.Unlock()
		return
	}
	seq := d.allocSeq()
	sentAt := d.clock.NowMs()
	d.pendingDirect[seq] = &directProbe{target: target, sentAtMs: sentAt}
	d.probed[target] = true
	timeout := d.globalRTT.PingTimeout()
	d.mu.Unlock()

	logging.Debug("detector: probing %s seq=%d", target, seq)
	if err := d.port.Send(ctx, target, d.encodePing(seq), transport.PriorityHigh); err != nil {
		logging.Warn("detector: send ping to %s failed: %v", target, err)
	}

	go d.awaitDirect(ctx, seq, timeout)
}

func (d *Detector) selectTargetLocked() (model.NodeID, bool) {
	d.round++
	peers := d.reg.All()
	candidates := make([]model.NodeID, 0, len(peers))
	var unreachable []model.NodeID
	for _, p := range peers {
		if d.probed[p.ID] {
			continue
		}
		switch p.Status {
		case registry.StatusUnreachable:
			unreachable = append(unreachable, p.ID)
		default:
			candidates = append(candidates, p.ID)
		}
	}
	if len(unreachable) > 0 && d.round%uint64(d.cfg.UnreachableProbeInterval) == 0 {
		candidates = append(candidates, unreachable...)
	}
	if len(candidates) == 0 {
		// Every known peer was already probed this round; start a new one.
		d.probed = make(map[model.NodeID]bool)
		for _, p := range peers {
			if p.Status != registry.StatusUnreachable {
				candidates = append(candidates, p.ID)
			}
		}
		if len(candidates) == 0 {
			return "", false
		}
	}
	return candidates[rand.Intn(len(candidates))], true
}

func (d *Detector) awaitDirect(ctx context.Context, seq uint32, timeout time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-d.clock.Delay(ctx, timeout):
	}
	d.handleDirectTimeout(ctx, seq)
}

func (d *Detector) handleDirectTimeout(ctx context.Context, seq uint32) {
	d.mu.Lock()
	probe, ok := d.pendingDirect[seq]
	if !ok {
		d.mu.Unlock()
		return // already acked
	}
	delete(d.pendingDirect, seq)

	relays := d.pickRelaysLocked(probe.target)
	if len(relays) == 0 {
		d.mu.Unlock()
		d.recordFailure(probe.target)
		return
	}

	indirectSeq := d.allocSeq()
	sentAt := d.clock.NowMs()
	d.pendingIndirect[indirectSeq] = &indirectProbe{target: probe.target, sentAtMs: sentAt, relays: toSet(relays)}
	timeout := d.globalRTT.PingTimeout()
	d.mu.Unlock()

	payload := d.encodePingReq(indirectSeq, probe.target)
	for _, relay := range relays {
		if err := d.port.Send(ctx, relay, payload, transport.PriorityHigh); err != nil {
			logging.Warn("detector: send ping-req to relay %s failed: %v", relay, err)
		}
	}

	go d.awaitIndirect(ctx, indirectSeq, timeout)
}

func (d *Detector) pickRelaysLocked(target model.NodeID) []model.NodeID {
	peers := d.reg.All()
	pool := make([]model.NodeID, 0, len(peers))
	for _, p := range peers {
		if p.ID == target || p.Status != registry.StatusReachable {
			continue
		}
		pool = append(pool, p.ID)
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > d.cfg.IndirectFanout {
		pool = pool[:d.cfg.IndirectFanout]
	}
	return pool
}

func (d *Detector) awaitIndirect(ctx context.Context, seq uint32, timeout time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-d.clock.Delay(ctx, timeout):
	}
	d.mu.Lock()
	probe, ok := d.pendingIndirect[seq]
	if !ok {
		d.mu.Unlock()
		return // already acked
	}
	delete(d.pendingIndirect, seq)
	d.mu.Unlock()
	d.recordFailure(probe.target)
}

func (d *Detector) recordFailure(target model.NodeID) {
	d.mu.Lock()
	change := d.reg.RecordProbeFailure(target)
	d.mu.Unlock()
	if change != nil && d.cb.OnStatusChange != nil {
		d.cb.OnStatusChange(*change)
	}
}

// HandlePing answers a direct or relayed Ping with an Ack.
func (d *Detector) HandlePing(ctx context.Context, from model.NodeID, ping codec.Ping) {
	d.mu.Lock()
	inc := d.reg.LocalIncarnation()
	d.mu.Unlock()
	ack := codec.Ack{Seq: ping.Seq, Incarnation: inc}
	encoded, err := codec.Encode(ack)
	if err != nil {
		logging.Warn("detector: encode ack failed: %v", err)
		return
	}
	if err := d.port.Send(ctx, from, encoded, transport.PriorityHigh); err != nil {
		logging.Warn("detector: send ack to %s failed: %v", from, err)
	}
}

// HandlePingReq relays a probe to req.Target on behalf of from, per spec
// §4.4 step 5.
func (d *Detector) HandlePingReq(ctx context.Context, from model.NodeID, req codec.PingReq) {
	d.mu.Lock()
	d.relaying[req.Seq] = &relayedProbe{origin: from, target: req.Target}
	inc := d.reg.LocalIncarnation()
	timeout := d.globalRTT.PingTimeout()
	d.mu.Unlock()

	ping := codec.Ping{Seq: req.Seq, Incarnation: inc}
	encoded, err := codec.Encode(ping)
	if err != nil {
		logging.Warn("detector: encode relayed ping failed: %v", err)
		return
	}
	if err := d.port.Send(ctx, req.Target, encoded, transport.PriorityHigh); err != nil {
		logging.Warn("detector: send relayed ping to %s failed: %v", req.Target, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-d.clock.Delay(ctx, timeout):
		}
		d.mu.Lock()
		delete(d.relaying, req.Seq)
		d.mu.Unlock()
	}()
}

// HandleAck resolves a direct probe, an in-flight relay, or a completed
// indirect probe, whichever matches ack.Seq.
func (d *Detector) HandleAck(from model.NodeID, ack codec.Ack) {
	d.mu.Lock()

	if probe, ok := d.pendingDirect[ack.Seq]; ok && probe.target == from {
		delete(d.pendingDirect, ack.Seq)
		rtSample := elapsedSince(d.clock.NowMs(), probe.sentAtMs)
		d.globalRTT.Sample(rtSample)
		d.peerRTTLocked(from).Sample(rtSample)
		d.mu.Unlock()
		d.applyContact(from)
		return
	}

	if relay, ok := d.relaying[ack.Seq]; ok && relay.target == from {
		delete(d.relaying, ack.Seq)
		d.mu.Unlock()
		d.forwardAck(relay.origin, ack)
		return
	}

	if probe, ok := d.pendingIndirect[ack.Seq]; ok {
		delete(d.pendingIndirect, ack.Seq)
		target := probe.target
		d.mu.Unlock()
		d.applyContact(target)
		return
	}

	d.mu.Unlock()
}

func (d *Detector) forwardAck(origin model.NodeID, ack codec.Ack) {
	encoded, err := codec.Encode(ack)
	if err != nil {
		logging.Warn("detector: encode forwarded ack failed: %v", err)
		return
	}
	if err := d.port.Send(context.Background(), origin, encoded, transport.PriorityHigh); err != nil {
		logging.Warn("detector: forward ack to %s failed: %v", origin, err)
	}
}

func (d *Detector) applyContact(target model.NodeID) {
	d.mu.Lock()
	nowMs := d.clock.NowMs()
	change := d.reg.RecordContact(target, nowMs)
	d.mu.Unlock()
	if change != nil && d.cb.OnStatusChange != nil {
		d.cb.OnStatusChange(*change)
	}
}

// HandleSuspicion applies the refutation rule (if About is the local node)
// or records the rumor against a third party otherwise, per spec §4.4's
// Refutation clause.
func (d *Detector) HandleSuspicion(s codec.Suspicion) {
	d.mu.Lock()
	if s.About == d.localID {
		bumped := d.reg.Refute(s.Incarnation)
		d.mu.Unlock()
		if bumped && d.cb.OnRefuted != nil {
			d.cb.OnRefuted(d.reg.LocalIncarnation())
		}
		return
	}
	change := d.reg.ApplySuspicionRumor(s.About, s.Incarnation)
	d.mu.Unlock()
	if change != nil && d.cb.OnStatusChange != nil {
		d.cb.OnStatusChange(*change)
	}
}

func (d *Detector) encodePing(seq uint32) []byte {
	d.mu.Lock()
	inc := d.reg.LocalIncarnation()
	d.mu.Unlock()
	encoded, err := codec.Encode(codec.Ping{Seq: seq, Incarnation: inc})
	if err != nil {
		logging.Warn("detector: encode ping failed: %v", err)
		return nil
	}
	return encoded
}

func (d *Detector) encodePingReq(seq uint32, target model.NodeID) []byte {
	encoded, err := codec.Encode(codec.PingReq{Seq: seq, Target: target})
	if err != nil {
		logging.Warn("detector: encode ping-req failed: %v", err)
		return nil
	}
	return encoded
}

func elapsedSince(nowMs, sentAtMs uint64) time.Duration {
	if nowMs <= sentAtMs {
		return 0
	}
	return time.Duration(nowMs-sentAtMs) * time.Millisecond
}

func toSet(ids []model.NodeID) map[model.NodeID]bool {
	set := make(map[model.NodeID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
