// Package admission provides the envoy rate limit service over gRPC.
package admission

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	commonv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// GRPCTransport serves envoy's RateLimitService v3 so envoy-style data
// planes can consult the limiter remotely. The descriptor domain selects
// the route scope; descriptor entries carry the request identity.
type GRPCTransport struct {
	addr       string
	lis        net.Listener
	srv        *grpc.Server
	controller *Controller
	keepAlive  time.Duration
	mu         sync.Mutex
}

// NewGRPCTransport constructs a transport bound to an address.
func NewGRPCTransport(addr string, controller *Controller, keepAlive time.Duration) *GRPCTransport {
	if addr == "" {
		addr = ":9090"
	}
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	return &GRPCTransport{addr: addr, controller: controller, keepAlive: keepAlive}
}

// Start begins serving gRPC requests.
func (t *GRPCTransport) Start() error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	t.mu.Lock()
	if t.controller == nil {
		t.mu.Unlock()
		return errors.New("controller must be set before starting")
	}
	listener := t.lis
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.lis = listener
	}
	if t.srv == nil {
		t.srv = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: t.keepAlive}),
		)
		rlsv3.RegisterRateLimitServiceServer(t.srv, &rateLimitServer{controller: t.controller})
	}
	srv := t.srv
	t.mu.Unlock()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ServeListener serves on a provided listener, used with bufconn in tests.
func (t *GRPCTransport) ServeListener(lis net.Listener) error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	t.mu.Lock()
	t.lis = lis
	t.mu.Unlock()
	return t.Start()
}

// Shutdown stops the gRPC server.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	listener := t.lis
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		if listener != nil {
			_ = listener.Close()
		}
		return ctx.Err()
	}
	return nil
}

type rateLimitServer struct {
	rlsv3.UnimplementedRateLimitServiceServer
	controller *Controller
}

// ShouldRateLimit evaluates each descriptor against the rules scoped to the
// request domain. The overall code is OVER_LIMIT when any descriptor is.
func (s *rateLimitServer) ShouldRateLimit(ctx context.Context, req *rlsv3.RateLimitRequest) (*rlsv3.RateLimitResponse, error) {
	if req == nil || req.GetDomain() == "" {
		return nil, status.Error(codes.InvalidArgument, "domain is required")
	}
	if s == nil || s.controller == nil {
		return nil, status.Error(codes.Internal, "controller is required")
	}
	permits := int64(req.GetHitsAddend())
	if permits <= 0 {
		permits = 1
	}
	descriptors := req.GetDescriptors()
	if len(descriptors) == 0 {
		descriptors = []*commonv3.RateLimitDescriptor{nil}
	}

	resp := &rlsv3.RateLimitResponse{
		OverallCode: rlsv3.RateLimitResponse_OK,
		Statuses:    make([]*rlsv3.RateLimitResponse_DescriptorStatus, len(descriptors)),
	}
	var worst *Verdict
	for i, descriptor := range descriptors {
		rc := descriptorContext(req.GetDomain(), descriptor)
		verdict := s.controller.CheckRate(ctx, rc, permits)
		resp.Statuses[i] = descriptorStatus(verdict)
		if !verdict.Allowed() {
			resp.OverallCode = rlsv3.RateLimitResponse_OVER_LIMIT
			if worst == nil {
				worst = verdict
			}
		}
	}
	if worst != nil {
		resp.ResponseHeadersToAdd = []*corev3.HeaderValue{
			{Key: "x-ratelimit-remaining", Value: "0"},
			{Key: "retry-after", Value: retryAfterSeconds(worst)},
		}
	}
	return resp, nil
}

// descriptorContext maps descriptor entries onto a request context. Known
// keys carry identity; an entry keyed "path" narrows the route below the
// domain default.
func descriptorContext(domain string, descriptor *commonv3.RateLimitDescriptor) *RequestContext {
	rc := &RequestContext{Route: domain}
	if descriptor == nil {
		return rc
	}
	for _, entry := range descriptor.GetEntries() {
		if entry == nil {
			continue
		}
		switch entry.GetKey() {
		case KeyClientID:
			rc.ClientID = entry.GetValue()
		case KeyIP:
			rc.RemoteIP = entry.GetValue()
		case KeyAPIKey:
			rc.APIKey = entry.GetValue()
		case "path":
			rc.Route = entry.GetValue()
		default:
			if rc.Headers == nil {
				rc.Headers = make(map[string]string)
			}
			rc.Headers[lowerASCII(entry.GetKey())] = entry.GetValue()
		}
	}
	return rc
}

func descriptorStatus(verdict *Verdict) *rlsv3.RateLimitResponse_DescriptorStatus {
	st := &rlsv3.RateLimitResponse_DescriptorStatus{Code: rlsv3.RateLimitResponse_OK}
	if verdict == nil {
		return st
	}
	if verdict.Remaining >= 0 {
		st.LimitRemaining = uint32(verdict.Remaining)
	}
	if verdict.Limit > 0 {
		st.CurrentLimit = &rlsv3.RateLimitResponse_RateLimit{
			RequestsPerUnit: uint32(verdict.Limit),
			Unit:            rlsv3.RateLimitResponse_RateLimit_UNKNOWN,
		}
	}
	if !verdict.Allowed() {
		st.Code = rlsv3.RateLimitResponse_OVER_LIMIT
		st.LimitRemaining = 0
		if verdict.RetryAfter > 0 {
			st.DurationUntilReset = durationpb.New(verdict.RetryAfter)
		}
	}
	return st
}
