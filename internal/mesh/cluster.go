package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"
)

// Defaults for cluster configuration.
const (
	DefaultBindAddr            = "0.0.0.0:7946"
	DefaultClusterID           = "meshlimit"
	DefaultGossipInterval      = 100 * time.Millisecond
	DefaultDeadNodeGracePeriod = time.Hour
	DefaultCacheTTL            = 500 * time.Millisecond

	leaveTimeout = 5 * time.Second
)

// Config configures one cluster node.
type Config struct {
	// NodeID must be unique in the cluster. Defaults to a random UUID.
	NodeID string
	// ClusterID gates membership: peers advertising a different id are
	// refused.
	ClusterID string
	// BindAddr is the host:port the gossip transport listens on.
	BindAddr string
	// AdvertiseAddr is the host:port told to other nodes. Defaults to
	// BindAddr.
	AdvertiseAddr string
	// Seeds are existing cluster members to join through.
	Seeds []string
	// GossipInterval is the delay between gossip rounds.
	GossipInterval time.Duration
	// DeadNodeGracePeriod keeps a dead node's shard values in sums until it
	// elapses.
	DeadNodeGracePeriod time.Duration
	// CacheTTL bounds the staleness of cached distributed sums.
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.ClusterID == "" {
		c.ClusterID = DefaultClusterID
	}
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.BindAddr
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.DeadNodeGracePeriod <= 0 {
		c.DeadNodeGracePeriod = DefaultDeadNodeGracePeriod
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Cluster is one node of the gossip mesh. It owns this node's counter
// shard, observes every peer's shard, and serves distributed sums through a
// TTL cache.
type Cluster struct {
	cfg        Config
	generation int64
	state      *stateStore
	cache      *countCache
	queue      *memberlist.TransmitLimitedQueue
	list       *memberlist.Memberlist

	shutdownOnce sync.Once
	shutdownErr  error
}

// Start creates the gossip node and joins the configured seeds. Bind or
// join failures are returned to the caller; both are fatal at startup.
func Start(cfg Config) (*Cluster, error) {
	cfg.applyDefaults()

	bindHost, bindPort, err := splitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", cfg.BindAddr, err)
	}
	advHost, advPort, err := splitHostPort(cfg.AdvertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid advertise address %q: %w", cfg.AdvertiseAddr, err)
	}

	// Generation distinguishes incarnations of the same node id, so a
	// restarted node's fresh shard replaces its old one instead of adding
	// to it.
	generation := time.Now().UnixNano()
	state := newStateStore(cfg.NodeID, generation)

	c := &Cluster{
		cfg:        cfg,
		generation: generation,
		state:      state,
		cache:      newCountCache(cfg.CacheTTL),
	}
	c.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       c.LiveNodeCount,
		RetransmitMult: 4,
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeID
	mlCfg.BindAddr = bindHost
	mlCfg.BindPort = bindPort
	mlCfg.AdvertiseAddr = advHost
	mlCfg.AdvertisePort = advPort
	if advHost == "0.0.0.0" || advHost == "::" {
		// A wildcard advertise address is useless to peers; let memberlist
		// pick a routable interface address instead.
		mlCfg.AdvertiseAddr = ""
	}
	mlCfg.GossipInterval = cfg.GossipInterval
	mlCfg.ProbeInterval = 10 * cfg.GossipInterval
	mlCfg.GossipToTheDeadTime = cfg.DeadNodeGracePeriod
	mlCfg.Delegate = &delegate{clusterID: cfg.ClusterID, state: state, queue: c.queue}
	mlCfg.Events = &eventDelegate{state: state}
	mlCfg.Alive = &aliveDelegate{clusterID: cfg.ClusterID}
	mlCfg.LogOutput = memberlistLogWriter{}

	log.Info().
		Str("node_id", cfg.NodeID).
		Str("cluster_id", cfg.ClusterID).
		Str("bind_addr", cfg.BindAddr).
		Str("advertise_addr", cfg.AdvertiseAddr).
		Strs("seeds", cfg.Seeds).
		Msg("Starting mesh node")

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start mesh node: %w", err)
	}
	c.list = list

	if len(cfg.Seeds) > 0 {
		joined, err := list.Join(cfg.Seeds)
		if err != nil {
			list.Shutdown()
			return nil, fmt.Errorf("failed to join mesh seeds: %w", err)
		}
		log.Info().Int("contacted", joined).Msg("Joined mesh")
	}

	return c, nil
}

// NodeID returns this node's id.
func (c *Cluster) NodeID() string {
	return c.cfg.NodeID
}

// CacheTTL returns the configured staleness bound for cached sums.
func (c *Cluster) CacheTTL() time.Duration {
	return c.cfg.CacheTTL
}

// IncrementCounter adds amount to this node's shard for the key and returns
// the fresh distributed total. The shard write and the total computation
// take the state guard separately; peers may briefly observe the new value
// before the caller's cache does.
func (c *Cluster) IncrementCounter(key CounterKey, amount uint64) uint64 {
	encoded := key.Encode()

	local := c.state.incrementOwn(encoded, amount)
	log.Debug().Str("key", encoded).Uint64("local_value", local).Msg("Incremented local shard")

	c.broadcast(encoded, local)
	return c.refresh(encoded)
}

// GetCount returns the distributed total for the key, cache-first.
func (c *Cluster) GetCount(key CounterKey) uint64 {
	encoded := key.Encode()
	if total, ok := c.cache.get(encoded); ok {
		return total
	}
	return c.refresh(encoded)
}

// refresh recomputes the distributed sum and caches it.
func (c *Cluster) refresh(encoded string) uint64 {
	total := c.state.sum(encoded, c.cfg.DeadNodeGracePeriod, time.Now())
	c.cache.set(encoded, total)
	return total
}

// broadcast queues this node's new value for the key. Queued values for the
// same key are superseded; push/pull sync covers anything the queue drops.
func (c *Cluster) broadcast(encoded string, value uint64) {
	msg, err := json.Marshal(shardUpdate{
		Node:       c.cfg.NodeID,
		Generation: c.generation,
		Key:        encoded,
		Value:      value,
	})
	if err != nil {
		log.Error().Err(err).Str("key", encoded).Msg("Failed to encode shard update")
		return
	}
	c.queue.QueueBroadcast(&valueBroadcast{
		name: c.cfg.NodeID + "|" + encoded,
		msg:  msg,
	})
}

// LiveNodeCount returns the number of nodes the failure detector considers
// alive, including this one.
func (c *Cluster) LiveNodeCount() int {
	if c.list == nil {
		return 1
	}
	return c.list.NumMembers()
}

// LiveNodes returns the ids of all live nodes.
func (c *Cluster) LiveNodes() []string {
	members := c.list.Members()
	nodes := make([]string, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, m.Name)
	}
	return nodes
}

// CacheSize returns the number of cached sum entries.
func (c *Cluster) CacheSize() int {
	return c.cache.len()
}

// EvictExpiredCacheEntries drops cache entries past the TTL and garbage
// collects shards of nodes dead past the grace period.
func (c *Cluster) EvictExpiredCacheEntries() {
	if evicted := c.cache.evictExpired(); evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Evicted expired cache entries")
	}
	if removed := c.state.gc(c.cfg.DeadNodeGracePeriod, time.Now()); removed > 0 {
		log.Info().Int("removed", removed).Msg("Garbage collected dead node shards")
	}
}

// RunMaintenance runs the eviction pass on an interval until the context is
// canceled.
func (c *Cluster) RunMaintenance(ctx context.Context) {
	interval := c.cfg.CacheTTL
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvictExpiredCacheEntries()
		}
	}
}

// Shutdown leaves the mesh gracefully. Safe to call more than once.
func (c *Cluster) Shutdown() error {
	c.shutdownOnce.Do(func() {
		log.Info().Str("node_id", c.cfg.NodeID).Msg("Shutting down mesh node")
		if err := c.list.Leave(leaveTimeout); err != nil {
			log.Warn().Err(err).Msg("Mesh leave failed, shutting down anyway")
		}
		c.shutdownErr = c.list.Shutdown()
	})
	return c.shutdownErr
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// memberlistLogWriter routes memberlist's internal logging to zerolog at
// debug level.
type memberlistLogWriter struct{}

func (memberlistLogWriter) Write(p []byte) (int, error) {
	log.Debug().Str("component", "memberlist").Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}
