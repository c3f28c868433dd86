// Package coordinator is the lifecycle facade of spec §4.6: it wires the
// HLC clock, peer registry, channel/entry stores, RTT-driven failure
// detector and gossip engine behind one stopped/running/paused/disposed
// state machine, grounded on the teacher's ClusterNode
// (internal/cluster/node.go) — "one struct wires protocol + store", here
// generalized from a single write-quorum Put/Get facade to the full
// addPeer/createChannel/appendEntry/getState surface of spec §4.6.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"driftmesh/internal/codec"
	"driftmesh/internal/config"
	"driftmesh/internal/detector"
	"driftmesh/internal/events"
	"driftmesh/internal/gossip"
	"driftmesh/internal/hlc"
	"driftmesh/internal/httpapi"
	"driftmesh/internal/logging"
	"driftmesh/internal/metrics"
	"driftmesh/internal/model"
	"driftmesh/internal/registry"
	"driftmesh/internal/repo"
	"driftmesh/internal/store"
	"driftmesh/internal/transport"
)

// baseSchedulerInterval is the coordinator's one periodic timer; probe and
// gossip ticks fire only when their RTT-derived interval has elapsed,
// letting a single TimerHandle drive both adaptive cadences (spec §4.3).
const baseSchedulerInterval = 50 * time.Millisecond

// eventBufferSize and errorBufferSize bound the coordinator's published
// streams; a full buffer drops the new event or error and counts it in the
// BufferOverflows metric, so a slow subscriber cannot stall the event loop
// (spec §5's "no resource is leaked" concurrency guarantee).
const (
	eventBufferSize = 256
	errorBufferSize = 256
)

// Repositories bundles the four optional persistence ports of spec §6. A
// nil Channel or Peer falls back to the in-memory default from
// internal/repo; a nil LocalNode or Entry means the incarnation or the
// entries are not persisted.
type Repositories struct {
	LocalNode repo.LocalNodeRepository
	Channel   repo.ChannelRepository
	Peer      repo.PeerRepository
	Entry     repo.EntryRepository
}

// Coordinator is the public facade described by spec §4.6.
type Coordinator struct {
	mu    sync.Mutex
	state State

	localID model.NodeID
	clock   *hlc.Clock
	reg     *registry.Registry
	channels *store.ChannelSet
	entries  *store.Store

	detector *detector.Detector
	gossip   *gossip.Engine

	port     transport.MessagePort
	timePort transport.TimePort
	cfg      config.Config
	metrics  *metrics.Metrics
	repos    Repositories

	eventsCh chan events.Event
	errorsCh chan events.Error

	schedulerHandle transport.TimerHandle
	lastProbeMs     uint64
	lastGossipMs    uint64

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}

	pausedQueue []transport.InboundMessage
}

// New wires every collaborator for localID. port/timePort are the
// injected capabilities of spec §6; cfg carries the five tunables;
// m is the metrics registry; repos are optional (nil Channel/Peer use
// internal/repo's in-memory defaults; nil LocalNode/Entry skip persistence).
func New(localID model.NodeID, port transport.MessagePort, timePort transport.TimePort, cfg config.Config, m *metrics.Metrics, repos Repositories) *Coordinator {
	if repos.Channel == nil {
		repos.Channel = repo.NewInMemoryChannelRepository()
	}
	if repos.Peer == nil {
		repos.Peer = repo.NewInMemoryPeerRepository()
	}
	if m == nil {
		m = metrics.New()
	}

	reg := registry.New(localID, cfg.SuspicionThreshold, cfg.UnreachableThreshold, 60*time.Second)
	channels := store.NewChannelSet(localID)
	entries := store.New()
	clock := hlc.New(timePort)

	c := &Coordinator{
		state:    StateStopped,
		localID:  localID,
		clock:    clock,
		reg:      reg,
		channels: channels,
		entries:  entries,
		port:     port,
		timePort: timePort,
		cfg:      cfg,
		metrics:  m,
		repos:    repos,
		eventsCh: make(chan events.Event, eventBufferSize),
		errorsCh: make(chan events.Error, errorBufferSize),
	}

	c.detector = detector.New(localID, reg, port, timePort, detector.Config{
		IndirectFanout:           cfg.IndirectFanout,
		UnreachableProbeInterval: cfg.UnreachableProbeInterval,
	}, detector.Callbacks{
		OnStatusChange: c.onPeerStatusChange,
		OnRefuted:      c.onRefuted,
	})

	c.gossip = gossip.New(localID, reg, channels, entries, clock, port, gossip.Config{
		CongestionThreshold: uint32(cfg.CongestionThreshold),
	}, gossip.Callbacks{
		OnEntriesMerged:           c.onEntriesMerged,
		OnNonMemberEntriesFlagged: c.onNonMemberEntriesFlagged,
		OnSyncError:               c.onSyncError,
		OnUnknownChannel:          c.onUnknownChannel,
	})

	// Restore a previously-persisted incarnation so a restart after a
	// refutation bump doesn't resume at 0 and lose the counter (spec §6:
	// LocalNodeRepository is the contract that survives this across
	// restarts).
	if repos.LocalNode != nil {
		if v, err := repos.LocalNode.LoadIncarnation(); err != nil {
			c.publishError(events.NewStorageSyncError(nowTime(c), "load incarnation: "+err.Error()))
		} else {
			reg.SetLocalIncarnation(v)
		}
	}

	return c
}

// Start transitions stopped/paused → running, starting the scheduler and
// inbound-message dispatch loop. Calling Start while already running is a
// no-op; calling it after Dispose fails (spec §4.6).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisposed:
		return ErrDisposed
	case StateRunning:
		return nil
	case StatePaused:
		c.state = StateRunning
		c.drainPausedQueueLocked()
		c.lastProbeMs = c.timePort.NowMs()
		c.lastGossipMs = c.lastProbeMs
		resumeCtx := c.dispatchCtx
		c.schedulerHandle = c.timePort.SchedulePeriodic(baseSchedulerInterval, func() {
			c.schedulerTick(resumeCtx)
		})
		return nil
	}

	c.state = StateRunning
	c.lastProbeMs = c.timePort.NowMs()
	c.lastGossipMs = c.lastProbeMs

	dispatchCtx, cancel := context.WithCancel(ctx)
	c.dispatchCtx = dispatchCtx
	c.dispatchCancel = cancel
	c.dispatchDone = make(chan struct{})
	go c.dispatchLoop(dispatchCtx)

	c.schedulerHandle = c.timePort.SchedulePeriodic(baseSchedulerInterval, func() {
		c.schedulerTick(dispatchCtx)
	})

	return nil
}

// Pause stops scheduling new probe/gossip rounds; inbound messages are
// still read off the transport (so it never blocks) but queued rather
// than dispatched, per spec §4.6.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if c.state != StateRunning {
		return ErrNotRunning
	}
	c.state = StatePaused
	if c.schedulerHandle != nil {
		c.schedulerHandle.Cancel()
		c.schedulerHandle = nil
	}
	return nil
}

// Resume transitions paused → running, resuming scheduling and processing
// any messages queued while paused.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if c.state != StatePaused {
		return ErrNotPaused
	}
	c.state = StateRunning
	c.drainPausedQueueLocked()
	c.lastProbeMs = c.timePort.NowMs()
	c.lastGossipMs = c.lastProbeMs
	ctx := c.dispatchCtx
	c.schedulerHandle = c.timePort.SchedulePeriodic(baseSchedulerInterval, func() {
		c.schedulerTick(ctx)
	})
	return nil
}

func (c *Coordinator) drainPausedQueueLocked() {
	queued := c.pausedQueue
	c.pausedQueue = nil
	go func() {
		for _, msg := range queued {
			c.handleInbound(context.Background(), msg)
		}
	}()
}

// Stop cancels schedulers and the dispatch loop; registry, channel, and
// entry state is preserved (spec §4.6).
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if c.schedulerHandle != nil {
		c.schedulerHandle.Cancel()
		c.schedulerHandle = nil
	}
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		c.dispatchCancel = nil
	}
	c.pausedQueue = nil
	c.state = StateStopped
	return nil
}

// Dispose releases every resource; only legal from stopped, and terminal.
func (c *Coordinator) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if c.state != StateStopped {
		return ErrNotStopped
	}
	c.state = StateDisposed
	close(c.eventsCh)
	close(c.errorsCh)
	return c.port.Close()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the coordinator's domain event stream (spec §4.6).
func (c *Coordinator) Events() <-chan events.Event { return c.eventsCh }

// Errors returns the coordinator's sync error stream (spec §4.6).
func (c *Coordinator) Errors() <-chan events.Error { return c.errorsCh }

func (c *Coordinator) schedulerTick(ctx context.Context) {
	now := c.timePort.NowMs()

	probeInterval := uint64(c.detector.GlobalRTT().ProbeInterval().Milliseconds())
	if now-c.lastProbeMs >= probeInterval {
		c.lastProbeMs = now
		c.detector.ProbeTick(ctx)
		c.metrics.ProbeOutcomes.WithLabelValues("attempted").Inc()
	}

	gossipInterval := uint64(c.detector.GlobalRTT().GossipInterval().Milliseconds())
	if now-c.lastGossipMs >= gossipInterval {
		c.lastGossipMs = now
		c.gossip.GossipTick(ctx, now)
		c.metrics.GossipRounds.Inc()
	}
}

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer close(c.dispatchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.port.Incoming():
			if !ok {
				return
			}
			c.mu.Lock()
			paused := c.state == StatePaused
			if paused {
				c.pausedQueue = append(c.pausedQueue, msg)
			}
			c.mu.Unlock()
			if !paused {
				c.handleInbound(ctx, msg)
			}
		}
	}
}

func (c *Coordinator) handleInbound(ctx context.Context, msg transport.InboundMessage) {
	c.reg.RecordBytesRecv(msg.Sender, c.timePort.NowMs(), int64(len(msg.Data)))

	decoded, err := codec.Decode(msg.Data)
	if errors.Is(err, codec.ErrUnknownKind) {
		logging.Debug("coordinator: unknown message kind from %s", msg.Sender)
		return
	}
	if err != nil {
		logging.Warn("coordinator: decode from %s failed: %v", msg.Sender, err)
		c.metrics.SyncErrorsTotal.WithLabelValues("peer").Inc()
		c.publishError(events.NewPeerSyncError(nowTime(c), msg.Sender, "decode failed: "+err.Error()))
		return
	}

	switch m := decoded.(type) {
	case codec.Ping:
		c.detector.HandlePing(ctx, msg.Sender, m)
	case codec.Ack:
		c.detector.HandleAck(msg.Sender, m)
	case codec.PingReq:
		c.detector.HandlePingReq(ctx, msg.Sender, m)
	case codec.Suspicion:
		c.detector.HandleSuspicion(m)
	case codec.Digest:
		c.gossip.HandleDigest(ctx, msg.Sender, m)
	case codec.Delta:
		c.gossip.HandleDelta(ctx, msg.Sender, m)
	default:
		logging.Debug("coordinator: unknown message kind from %s", msg.Sender)
	}
}

var _ httpapi.Coordinator = (*Coordinator)(nil)
