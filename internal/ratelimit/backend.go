package ratelimit

import (
	"context"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
)

// Backend answers rate limit checks. The local and distributed limiters both
// implement it, so the gRPC service works with either.
type Backend interface {
	CheckRateLimit(ctx context.Context, domain string, descriptor *ratelimitv3.RateLimitDescriptor, hits uint32) *pb.RateLimitResponse_DescriptorStatus
}
