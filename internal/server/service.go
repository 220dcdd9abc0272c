// Package server exposes the Envoy rate limit service v3 over gRPC and
// adapts wire requests to the active limiter backend.
package server

import (
	"context"
	"time"

	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meshlimit/meshlimit/internal/metrics"
	"github.com/meshlimit/meshlimit/internal/ratelimit"
)

// Service implements Envoy's RateLimitService on top of a limiter backend.
type Service struct {
	pb.UnimplementedRateLimitServiceServer

	limiter ratelimit.Backend
	metrics *metrics.Metrics
	mode    string
}

// NewService returns a service delegating decisions to the given backend.
// mode labels decision latency metrics ("local" or "mesh").
func NewService(limiter ratelimit.Backend, m *metrics.Metrics, mode string) *Service {
	return &Service{limiter: limiter, metrics: m, mode: mode}
}

// ShouldRateLimit answers one Envoy rate limit request. Each descriptor is
// checked independently; the overall code is OVER_LIMIT when any descriptor
// is over its limit.
func (s *Service) ShouldRateLimit(ctx context.Context, req *pb.RateLimitRequest) (*pb.RateLimitResponse, error) {
	start := time.Now()

	if req.GetDomain() == "" {
		log.Warn().Msg("Rate limit request with empty domain")
		s.metrics.ObserveRequestError("empty_domain")
		return nil, status.Error(codes.InvalidArgument, "domain is required")
	}
	if len(req.GetDescriptors()) == 0 {
		log.Warn().Str("domain", req.GetDomain()).Msg("Rate limit request with no descriptors")
		s.metrics.ObserveRequestError("no_descriptors")
		return nil, status.Error(codes.InvalidArgument, "at least one descriptor is required")
	}

	hits := req.GetHitsAddend()
	if hits == 0 {
		hits = 1
	}

	log.Debug().
		Str("domain", req.GetDomain()).
		Int("descriptor_count", len(req.GetDescriptors())).
		Uint32("hits", hits).
		Msg("Processing rate limit request")

	statuses := make([]*pb.RateLimitResponse_DescriptorStatus, 0, len(req.GetDescriptors()))
	overall := pb.RateLimitResponse_OK

	for _, descriptor := range req.GetDescriptors() {
		// A canceled request is dropped mid-flight; increments already
		// applied are not rolled back.
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Str("domain", req.GetDomain()).Msg("Rate limit request canceled")
			return nil, status.FromContextError(err).Err()
		}

		descriptorStatus := s.limiter.CheckRateLimit(ctx, req.GetDomain(), descriptor, hits)
		if descriptorStatus.GetCode() == pb.RateLimitResponse_OVER_LIMIT {
			overall = pb.RateLimitResponse_OVER_LIMIT
		}
		statuses = append(statuses, descriptorStatus)
	}

	s.metrics.ObserveDecision(req.GetDomain(), overall.String(), s.mode, time.Since(start))
	log.Debug().
		Str("domain", req.GetDomain()).
		Str("overall_code", overall.String()).
		Msg("Rate limit decision made")

	return &pb.RateLimitResponse{
		OverallCode: overall,
		Statuses:    statuses,
	}, nil
}
