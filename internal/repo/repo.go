// Package repo defines the optional persistence ports of spec §6
// (LocalNodeRepository, ChannelRepository, PeerRepository,
// EntryRepository) plus in-memory LocalNode, Channel and Peer
// implementations; the coordinator falls back to the Channel and Peer ones
// when none is supplied. Grounded on the teacher's Store interface in
// internal/node/server.go (Put/Get behind a narrow interface, swappable
// implementation) and internal/cluster/node.go's node-identity handling,
// generalized from one storage interface to the four narrow repository
// ports the coordinator needs.
package repo

import (
	"sync"

	"github.com/google/uuid"

	"driftmesh/internal/model"
)

// LocalNodeRepository persists this node's identity and incarnation
// counter across restarts.
type LocalNodeRepository interface {
	ResolveNodeID() model.NodeID
	SaveIncarnation(uint64) error
	LoadIncarnation() (uint64, error)
}

// ChannelRepository persists channel membership and stream definitions.
type ChannelRepository interface {
	FindByID(model.ChannelID) (Channel, bool)
	Save(Channel) error
	Delete(model.ChannelID) error
}

// Channel is the persisted shape of a channel: enough to reconstruct
// membership and stream names on restart. Materializers and retention
// policies are runtime-only and are not persisted (spec §6).
type Channel struct {
	ID      model.ChannelID
	Members []model.NodeID
	Streams []model.StreamID
}

// PeerRepository persists known peer addresses across restarts.
type PeerRepository interface {
	FindByID(model.NodeID) (Peer, bool)
	Save(Peer) error
	Delete(model.NodeID) error
}

// Peer is the persisted shape of a peer: just enough to re-seed the
// registry on restart. Status and incarnation reset to this node's
// own first-contact discovery.
type Peer struct {
	ID      model.NodeID
	Address string
}

// EntryRepository persists the append-only logs.
type EntryRepository interface {
	Append(channel model.ChannelID, stream model.StreamID, entry model.LogEntry) error
	GetAll(channel model.ChannelID, stream model.StreamID) ([]model.LogEntry, error)
	LatestSequence(channel model.ChannelID, stream model.StreamID, author model.NodeID) (uint32, error)
	ClearChannel(channel model.ChannelID) error
}

// InMemoryLocalNodeRepository generates and caches a UUID-based node
// identity on first call, in place of the teacher's
// fmt.Sprintf("node-%d", time.Now().UnixNano()) pattern seen in
// cmd/cluster-node/main.go.
type InMemoryLocalNodeRepository struct {
	mu          sync.Mutex
	id          model.NodeID
	incarnation uint64
}

func NewInMemoryLocalNodeRepository() *InMemoryLocalNodeRepository {
	return &InMemoryLocalNodeRepository{}
}

func (r *InMemoryLocalNodeRepository) ResolveNodeID() model.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		r.id = model.NodeID(uuid.NewString())
	}
	return r.id
}

func (r *InMemoryLocalNodeRepository) SaveIncarnation(v uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incarnation = v
	return nil
}

func (r *InMemoryLocalNodeRepository) LoadIncarnation() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incarnation, nil
}

// InMemoryChannelRepository is the zero-configuration ChannelRepository
// the coordinator uses when no durable store is supplied.
type InMemoryChannelRepository struct {
	mu       sync.RWMutex
	channels map[model.ChannelID]Channel
}

func NewInMemoryChannelRepository() *InMemoryChannelRepository {
	return &InMemoryChannelRepository{channels: make(map[model.ChannelID]Channel)}
}

func (r *InMemoryChannelRepository) FindByID(id model.ChannelID) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

func (r *InMemoryChannelRepository) Save(c Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID] = c
	return nil
}

func (r *InMemoryChannelRepository) Delete(id model.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
	return nil
}

// InMemoryPeerRepository is the zero-configuration PeerRepository.
type InMemoryPeerRepository struct {
	mu    sync.RWMutex
	peers map[model.NodeID]Peer
}

func NewInMemoryPeerRepository() *InMemoryPeerRepository {
	return &InMemoryPeerRepository{peers: make(map[model.NodeID]Peer)}
}

func (r *InMemoryPeerRepository) FindByID(id model.NodeID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *InMemoryPeerRepository) Save(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
	return nil
}

func (r *InMemoryPeerRepository) Delete(id model.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return nil
}
