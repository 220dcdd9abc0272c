package ratelimit

import (
	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
)

// Defaults applied when neither the descriptor nor the rules name a limit.
const (
	DefaultLimit  uint64     = 1000
	DefaultWindow TimeWindow = WindowSecond
)

// limitConfig is the effective limit chosen for one check.
type limitConfig struct {
	limit  uint64
	window TimeWindow
	name   string
}

func defaultLimitConfig() limitConfig {
	return limitConfig{limit: DefaultLimit, window: DefaultWindow}
}

// resolveLimit picks the effective limit for a descriptor: an inline
// override on the descriptor supersedes the rule tree, which supersedes the
// default. An override with an unrecognized unit falls back to the default
// window.
func resolveLimit(rules *RuleStore, domain string, descriptor *ratelimitv3.RateLimitDescriptor) limitConfig {
	if override := descriptor.GetLimit(); override != nil {
		window, ok := WindowFromProto(int32(override.GetUnit()))
		if !ok {
			window = DefaultWindow
		}
		return limitConfig{
			limit:  uint64(override.GetRequestsPerUnit()),
			window: window,
		}
	}

	if rules != nil {
		if rule := rules.FindLimit(domain, descriptor); rule != nil {
			window, err := rule.Unit.Window()
			if err != nil {
				window = DefaultWindow
			}
			return limitConfig{
				limit:  rule.RequestsPerUnit,
				window: window,
				name:   rule.Name,
			}
		}
	}

	return defaultLimitConfig()
}

// wireLimit renders the effective limit for the response payload.
func (lc limitConfig) wireLimit() *pb.RateLimitResponse_RateLimit {
	requests := lc.limit
	if requests > uint64(^uint32(0)) {
		requests = uint64(^uint32(0))
	}
	return &pb.RateLimitResponse_RateLimit{
		Name:            lc.name,
		RequestsPerUnit: uint32(requests),
		Unit:            pb.RateLimitResponse_RateLimit_Unit(lc.window.ToProto()),
	}
}
