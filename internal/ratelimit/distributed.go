package ratelimit

import (
	"context"
	"time"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/meshlimit/meshlimit/internal/mesh"
)

// DistributedLimiter answers rate limit checks against mesh-wide counters.
// Each decision increments this node's shard and compares the gossiped total
// across all peers with the effective limit. Totals are eventually
// consistent, bounded by the cache TTL plus one gossip round.
type DistributedLimiter struct {
	cluster *mesh.Cluster
	rules   *RuleStore
	// now is the wall clock used for window alignment; overridable in tests.
	now func() time.Time
}

// NewDistributedLimiter returns a limiter backed by the given cluster. A nil
// rule store serves the default limit only.
func NewDistributedLimiter(cluster *mesh.Cluster, rules *RuleStore) *DistributedLimiter {
	return &DistributedLimiter{
		cluster: cluster,
		rules:   rules,
		now:     time.Now,
	}
}

// CheckRateLimit increments the mesh counter for the descriptor's current
// window and reports the decision. A hits value of zero counts as one.
//
// Windows are aligned to wall-clock seconds so all peers agree on the
// active window without coordination; clock skew of a full window duration
// or more makes peers increment disjoint windows.
func (l *DistributedLimiter) CheckRateLimit(ctx context.Context, domain string, descriptor *ratelimitv3.RateLimitDescriptor, hits uint32) *pb.RateLimitResponse_DescriptorStatus {
	if hits == 0 {
		hits = 1
	}

	descriptorKey := NewDescriptorKey(domain, descriptor)
	cfg := resolveLimit(l.rules, domain, descriptor)
	windowSecs := uint64(cfg.window.Duration() / time.Second)

	now := uint64(l.now().Unix())
	windowStart := now / windowSecs * windowSecs

	key := mesh.NewCounterKey(domain, descriptorKey.String(), windowStart)

	total := l.cluster.IncrementCounter(key, uint64(hits))

	withinLimit := total <= cfg.limit
	var remaining uint64
	if total < cfg.limit {
		remaining = cfg.limit - total
	}
	untilReset := time.Duration(windowStart+windowSecs-now) * time.Second

	code := pb.RateLimitResponse_OK
	if !withinLimit {
		code = pb.RateLimitResponse_OVER_LIMIT
		log.Debug().
			Str("key", descriptorKey.String()).
			Uint64("total", total).
			Uint64("limit", cfg.limit).
			Msg("Distributed rate limit exceeded")
	}

	return &pb.RateLimitResponse_DescriptorStatus{
		Code:               code,
		CurrentLimit:       cfg.wireLimit(),
		LimitRemaining:     clampUint32(remaining),
		DurationUntilReset: durationpb.New(untilReset),
	}
}

// CounterValue returns the current mesh total for the descriptor's active
// window.
func (l *DistributedLimiter) CounterValue(domain string, descriptor *ratelimitv3.RateLimitDescriptor) uint64 {
	descriptorKey := NewDescriptorKey(domain, descriptor)
	cfg := resolveLimit(l.rules, domain, descriptor)
	windowSecs := uint64(cfg.window.Duration() / time.Second)

	now := uint64(l.now().Unix())
	windowStart := now / windowSecs * windowSecs

	return l.cluster.GetCount(mesh.NewCounterKey(domain, descriptorKey.String(), windowStart))
}

// LiveNodeCount reports the number of live mesh nodes.
func (l *DistributedLimiter) LiveNodeCount() int {
	return l.cluster.LiveNodeCount()
}
