package ratelimit

import (
	"context"
	"sync"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Limiter answers rate limit checks against in-process counters. It is the
// single-node backend; every decision is local and holds the counter map's
// write lock for the lookup and the increment.
type Limiter struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	rules    *RuleStore
}

// NewLimiter returns a limiter resolving limits from the given rule store.
// A nil store serves the default limit only.
func NewLimiter(rules *RuleStore) *Limiter {
	l := &Limiter{
		counters: make(map[string]*Counter),
		rules:    rules,
	}
	if rules != nil {
		// New limits apply to fresh counters only, so drop the old ones when
		// the rules change. In-window counts restart.
		rules.OnReload(l.Clear)
	}
	return l
}

// CheckRateLimit increments the counter for the descriptor and reports the
// decision. A hits value of zero counts as one.
func (l *Limiter) CheckRateLimit(ctx context.Context, domain string, descriptor *ratelimitv3.RateLimitDescriptor, hits uint32) *pb.RateLimitResponse_DescriptorStatus {
	if hits == 0 {
		hits = 1
	}
	key := NewDescriptorKey(domain, descriptor).String()

	// The guard is held through the increment so the counter reference can
	// never race a Clear. The increment itself is a single CAS loop.
	l.mu.Lock()
	counter, ok := l.counters[key]
	if !ok {
		cfg := resolveLimit(l.rules, domain, descriptor)
		counter = NewCounter(cfg.limit, cfg.window)
		l.counters[key] = counter
		log.Debug().
			Str("key", key).
			Uint64("limit", cfg.limit).
			Str("window", cfg.window.String()).
			Msg("Creating rate limit counter")
	}
	withinLimit := counter.Increment(hits)
	limit := counter.Limit()
	window := counter.Window()
	remaining := counter.Remaining()
	untilReset := counter.DurationUntilReset()
	l.mu.Unlock()

	code := pb.RateLimitResponse_OK
	if !withinLimit {
		code = pb.RateLimitResponse_OVER_LIMIT
		log.Debug().Str("key", key).Msg("Rate limit exceeded")
	}

	lc := limitConfig{limit: limit, window: window}
	return &pb.RateLimitResponse_DescriptorStatus{
		Code:               code,
		CurrentLimit:       lc.wireLimit(),
		LimitRemaining:     clampUint32(remaining),
		DurationUntilReset: durationpb.New(untilReset),
	}
}

// CounterValue returns the current count for a descriptor, or false when no
// counter exists yet.
func (l *Limiter) CounterValue(domain string, descriptor *ratelimitv3.RateLimitDescriptor) (uint64, bool) {
	key := NewDescriptorKey(domain, descriptor).String()
	l.mu.RLock()
	defer l.mu.RUnlock()
	counter, ok := l.counters[key]
	if !ok {
		return 0, false
	}
	return counter.CurrentCount(), true
}

// CounterCount returns the number of live counters.
func (l *Limiter) CounterCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.counters)
}

// Clear drops all counters.
func (l *Limiter) Clear() {
	l.mu.Lock()
	l.counters = make(map[string]*Counter)
	l.mu.Unlock()
}

func clampUint32(v uint64) uint32 {
	if v > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
