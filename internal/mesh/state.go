package mesh

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"
)

// shardUpdate is the gossip payload for one counter value. Values are
// absolute, not deltas, so redelivery and reordering are harmless: the
// highest generation wins, and within a generation values only grow.
type shardUpdate struct {
	Node       string `json:"node"`
	Generation int64  `json:"gen"`
	Key        string `json:"key"`
	Value      uint64 `json:"value"`
}

// shardSnapshot is the push/pull payload: a node's whole shard.
type shardSnapshot struct {
	Node       string            `json:"node"`
	Generation int64             `json:"gen"`
	Values     map[string]uint64 `json:"values"`
}

// peerShard is the last known state of one remote node.
type peerShard struct {
	generation int64
	values     map[string]uint64
	// deadSince is non-zero while the failure detector considers the node
	// dead. Its values still count toward sums until the grace period ends.
	deadSince time.Time
}

// stateStore holds this node's own shard and every peer shard learned via
// gossip. One mutex guards all of it; critical sections are short (a shard
// read/write or a sum over nodes).
type stateStore struct {
	mu         sync.Mutex
	self       string
	generation int64
	own        map[string]uint64
	peers      map[string]*peerShard
}

func newStateStore(self string, generation int64) *stateStore {
	return &stateStore{
		self:       self,
		generation: generation,
		own:        make(map[string]uint64),
		peers:      make(map[string]*peerShard),
	}
}

// incrementOwn adds amount to this node's shard value for key and returns
// the new local value.
func (s *stateStore) incrementOwn(key string, amount uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.own[key] += amount
	return s.own[key]
}

// sum adds this node's value for key to every peer contribution that is
// live, or dead for less than the grace period.
func (s *stateStore) sum(key string, grace time.Duration, now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.own[key]
	for _, peer := range s.peers {
		if !peer.deadSince.IsZero() && now.Sub(peer.deadSince) >= grace {
			continue
		}
		total += peer.values[key]
	}
	return total
}

// applyUpdate merges a single gossiped value. Updates from an older
// generation of a node are ignored; a newer generation replaces the shard
// wholesale, so a restarted peer does not double count.
func (s *stateStore) applyUpdate(u shardUpdate) {
	if u.Node == s.self {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[u.Node]
	if !ok || u.Generation > peer.generation {
		peer = &peerShard{generation: u.Generation, values: make(map[string]uint64)}
		s.peers[u.Node] = peer
	} else if u.Generation < peer.generation {
		return
	}
	if u.Value > peer.values[u.Key] {
		peer.values[u.Key] = u.Value
	}
}

// applySnapshot merges a full shard learned through push/pull sync.
func (s *stateStore) applySnapshot(snap shardSnapshot) {
	if snap.Node == s.self {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[snap.Node]
	if !ok || snap.Generation > peer.generation {
		values := make(map[string]uint64, len(snap.Values))
		for k, v := range snap.Values {
			values[k] = v
		}
		deadSince := time.Time{}
		if ok {
			deadSince = peer.deadSince
		}
		s.peers[snap.Node] = &peerShard{
			generation: snap.Generation,
			values:     values,
			deadSince:  deadSince,
		}
		return
	}
	if snap.Generation < peer.generation {
		return
	}
	for k, v := range snap.Values {
		if v > peer.values[k] {
			peer.values[k] = v
		}
	}
}

// ownSnapshot serializes this node's shard for push/pull sync.
func (s *stateStore) ownSnapshot() shardSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]uint64, len(s.own))
	for k, v := range s.own {
		values[k] = v
	}
	return shardSnapshot{Node: s.self, Generation: s.generation, Values: values}
}

// markDead records the time the failure detector declared the node dead.
func (s *stateStore) markDead(node string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer, ok := s.peers[node]; ok && peer.deadSince.IsZero() {
		peer.deadSince = now
	}
}

// markAlive clears a node's dead mark when it rejoins.
func (s *stateStore) markAlive(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer, ok := s.peers[node]; ok {
		peer.deadSince = time.Time{}
	}
}

// gc drops peer shards that have been dead past the grace period. Returns
// the number of shards removed.
func (s *stateStore) gc(grace time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for node, peer := range s.peers {
		if !peer.deadSince.IsZero() && now.Sub(peer.deadSince) >= grace {
			delete(s.peers, node)
			removed++
		}
	}
	return removed
}

// delegate wires the state store into memberlist's gossip hooks.
type delegate struct {
	clusterID string
	state     *stateStore
	queue     *memberlist.TransmitLimitedQueue
}

var _ memberlist.Delegate = (*delegate)(nil)

// NodeMeta advertises the cluster id so peers can refuse strangers.
func (d *delegate) NodeMeta(limit int) []byte {
	meta := []byte(d.clusterID)
	if len(meta) > limit {
		meta = meta[:limit]
	}
	return meta
}

func (d *delegate) NotifyMsg(msg []byte) {
	var update shardUpdate
	if err := json.Unmarshal(msg, &update); err != nil {
		log.Debug().Err(err).Msg("Dropping undecodable gossip message")
		return
	}
	d.state.applyUpdate(update)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.queue.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte {
	data, err := json.Marshal(d.state.ownSnapshot())
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialize local shard state")
		return nil
	}
	return data
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var snap shardSnapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		log.Debug().Err(err).Msg("Dropping undecodable remote state")
		return
	}
	d.state.applySnapshot(snap)
}

// eventDelegate tracks membership transitions for the grace-period model.
type eventDelegate struct {
	state *stateStore
}

var _ memberlist.EventDelegate = (*eventDelegate)(nil)

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	log.Info().Str("node", node.Name).Str("addr", node.Address()).Msg("Node joined mesh")
	e.state.markAlive(node.Name)
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	log.Info().Str("node", node.Name).Msg("Node left mesh")
	e.state.markDead(node.Name, time.Now())
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

// aliveDelegate refuses peers from a different cluster.
type aliveDelegate struct {
	clusterID string
}

var _ memberlist.AliveDelegate = (*aliveDelegate)(nil)

func (a *aliveDelegate) NotifyAlive(peer *memberlist.Node) error {
	if string(peer.Meta) != a.clusterID {
		return errClusterMismatch{peer: peer.Name, clusterID: string(peer.Meta)}
	}
	return nil
}

type errClusterMismatch struct {
	peer      string
	clusterID string
}

func (e errClusterMismatch) Error() string {
	return "refusing node " + e.peer + " from cluster " + e.clusterID
}

// valueBroadcast carries one shard value through the transmit queue. Queued
// broadcasts for the same node and key are superseded by newer values.
type valueBroadcast struct {
	name string
	msg  []byte
}

var _ memberlist.NamedBroadcast = (*valueBroadcast)(nil)

func (b *valueBroadcast) Name() string { return b.name }

func (b *valueBroadcast) Invalidates(other memberlist.Broadcast) bool {
	named, ok := other.(memberlist.NamedBroadcast)
	return ok && named.Name() == b.name
}

func (b *valueBroadcast) Message() []byte { return b.msg }

func (b *valueBroadcast) Finished() {}
