package mesh

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStoreOwnIncrement(t *testing.T) {
	store := newStateStore("self", 1)

	assert.Equal(t, uint64(5), store.incrementOwn("k", 5))
	assert.Equal(t, uint64(8), store.incrementOwn("k", 3))
	assert.Equal(t, uint64(8), store.sum("k", time.Hour, time.Now()))
}

func TestStateStoreSumsPeers(t *testing.T) {
	store := newStateStore("self", 1)
	store.incrementOwn("k", 10)

	store.applyUpdate(shardUpdate{Node: "peer-a", Generation: 1, Key: "k", Value: 4})
	store.applyUpdate(shardUpdate{Node: "peer-b", Generation: 1, Key: "k", Value: 6})

	assert.Equal(t, uint64(20), store.sum("k", time.Hour, time.Now()))
	assert.Equal(t, uint64(10), store.sum("other", time.Hour, time.Now()))
}

func TestStateStoreIgnoresOwnEcho(t *testing.T) {
	store := newStateStore("self", 1)
	store.incrementOwn("k", 10)

	// A broadcast from ourselves must not double count.
	store.applyUpdate(shardUpdate{Node: "self", Generation: 1, Key: "k", Value: 10})
	assert.Equal(t, uint64(10), store.sum("k", time.Hour, time.Now()))
}

func TestStateStoreValuesOnlyGrowWithinGeneration(t *testing.T) {
	store := newStateStore("self", 1)

	store.applyUpdate(shardUpdate{Node: "peer", Generation: 1, Key: "k", Value: 9})
	// A reordered older broadcast arrives late.
	store.applyUpdate(shardUpdate{Node: "peer", Generation: 1, Key: "k", Value: 4})

	assert.Equal(t, uint64(9), store.sum("k", time.Hour, time.Now()))
}

func TestStateStoreNewGenerationReplacesShard(t *testing.T) {
	store := newStateStore("self", 1)

	store.applyUpdate(shardUpdate{Node: "peer", Generation: 1, Key: "k", Value: 9})
	// The peer restarted: its new incarnation starts counting from scratch.
	store.applyUpdate(shardUpdate{Node: "peer", Generation: 2, Key: "k", Value: 2})

	assert.Equal(t, uint64(2), store.sum("k", time.Hour, time.Now()))

	// Stragglers from the old incarnation are ignored.
	store.applyUpdate(shardUpdate{Node: "peer", Generation: 1, Key: "k", Value: 100})
	assert.Equal(t, uint64(2), store.sum("k", time.Hour, time.Now()))
}

func TestStateStoreDeadPeerCountsWithinGrace(t *testing.T) {
	store := newStateStore("self", 1)
	store.applyUpdate(shardUpdate{Node: "peer", Generation: 1, Key: "k", Value: 7})

	now := time.Now()
	store.markDead("peer", now)

	grace := time.Minute
	assert.Equal(t, uint64(7), store.sum("k", grace, now.Add(30*time.Second)))
	assert.Equal(t, uint64(0), store.sum("k", grace, now.Add(2*time.Minute)))

	// Rejoining clears the dead mark.
	store.markAlive("peer")
	assert.Equal(t, uint64(7), store.sum("k", grace, now.Add(2*time.Minute)))
}

func TestStateStoreGC(t *testing.T) {
	store := newStateStore("self", 1)
	store.applyUpdate(shardUpdate{Node: "peer-a", Generation: 1, Key: "k", Value: 1})
	store.applyUpdate(shardUpdate{Node: "peer-b", Generation: 1, Key: "k", Value: 2})

	now := time.Now()
	store.markDead("peer-a", now.Add(-2*time.Hour))

	removed := store.gc(time.Hour, now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, uint64(2), store.sum("k", time.Hour, now))
}

func TestStateStoreSnapshotRoundTrip(t *testing.T) {
	source := newStateStore("node-a", 7)
	source.incrementOwn("k1", 5)
	source.incrementOwn("k2", 9)

	data, err := json.Marshal(source.ownSnapshot())
	require.NoError(t, err)

	sink := newStateStore("node-b", 1)
	var snap shardSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	sink.applySnapshot(snap)

	assert.Equal(t, uint64(5), sink.sum("k1", time.Hour, time.Now()))
	assert.Equal(t, uint64(9), sink.sum("k2", time.Hour, time.Now()))
}

func TestStateStoreSnapshotGenerations(t *testing.T) {
	store := newStateStore("self", 1)
	store.applySnapshot(shardSnapshot{Node: "peer", Generation: 2, Values: map[string]uint64{"k": 5}})

	// Older full states are ignored.
	store.applySnapshot(shardSnapshot{Node: "peer", Generation: 1, Values: map[string]uint64{"k": 50}})
	assert.Equal(t, uint64(5), store.sum("k", time.Hour, time.Now()))

	// Equal generation merges by taking the larger value per key.
	store.applySnapshot(shardSnapshot{Node: "peer", Generation: 2, Values: map[string]uint64{"k": 3, "j": 1}})
	assert.Equal(t, uint64(5), store.sum("k", time.Hour, time.Now()))
	assert.Equal(t, uint64(1), store.sum("j", time.Hour, time.Now()))
}

func TestAliveDelegateRefusesForeignCluster(t *testing.T) {
	alive := &aliveDelegate{clusterID: "mesh-a"}

	stranger := &memberlist.Node{Name: "stranger", Meta: []byte("mesh-b")}
	require.Error(t, alive.NotifyAlive(stranger))

	friend := &memberlist.Node{Name: "friend", Meta: []byte("mesh-a")}
	require.NoError(t, alive.NotifyAlive(friend))
}
