package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "phasegate.v1.PolicyEngine"

// Method names. Action gating is absent: it is an in-process
// call only.
const (
	MethodRecordSignal       = "RecordSignal"
	MethodGetTrajectory      = "GetTrajectory"
	MethodExportTrajectories = "ExportTrajectories"
	MethodDiscoverAttractors = "DiscoverAttractors"
	MethodReviewIntervention = "ReviewIntervention"
)

// #region service

// Service is the engine surface exposed remotely.
type Service interface {
	RecordSignal(agentID string, kind signals.Kind, p signals.Payload) error
	GetTrajectory(ctx context.Context, agentID string, since, until time.Time) ([]trajectory.Transition, error)
	ExportTrajectories(ctx context.Context, w io.Writer) error
	DiscoverAttractors(ctx context.Context, p attractor.Params, agentIDs ...string) ([]attractor.Attractor, error)
	ReviewIntervention(ctx context.Context, agentID, reviewer string) error
}

// Server adapts a Service to the wire messages.
type Server struct {
	svc      Service
	defaults attractor.Params
	logger   *zap.Logger
}

// NewServer creates a server. defaults fill discovery parameters the
// caller leaves unset.
func NewServer(svc Service, defaults attractor.Params, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, defaults: defaults, logger: logger}
}

// Register attaches the server to a gRPC registrar.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&serviceDesc, s)
}

// #endregion service

// #region handlers

// RecordSignal expects {agent_id, kind, value?, at? (RFC 3339)}.
func (s *Server) RecordSignal(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	f := in.GetFields()
	p := signals.Payload{Value: f["value"].GetNumberValue()}
	if at := f["at"].GetStringValue(); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "at: %v", err)
		}
		p.At = t
	}
	err := s.svc.RecordSignal(f["agent_id"].GetStringValue(), signals.Kind(f["kind"].GetStringValue()), p)
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetTrajectory expects {agent_id, since?, until?} and returns the
// transitions as a JSON array.
func (s *Server) GetTrajectory(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	f := in.GetFields()
	agentID := f["agent_id"].GetStringValue()
	if agentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	since, err := parseTime(f, "since")
	if err != nil {
		return nil, err
	}
	until, err := parseTime(f, "until")
	if err != nil {
		return nil, err
	}
	trs, err := s.svc.GetTrajectory(ctx, agentID, since, until)
	if err != nil {
		return nil, toStatus(err)
	}
	if trs == nil {
		trs = []trajectory.Transition{}
	}
	return marshalBytes(trs)
}

// ExportTrajectories returns the full JSON Lines export.
func (s *Server) ExportTrajectories(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	var buf bytes.Buffer
	if err := s.svc.ExportTrajectories(ctx, &buf); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

// DiscoverAttractors accepts an optional agent_id and optional {eps,
// min_samples, window_size, stride} overrides and returns the attractors as
// a JSON array.
func (s *Server) DiscoverAttractors(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	p := s.defaults
	f := in.GetFields()
	if v, ok := f["eps"]; ok {
		p.Eps = v.GetNumberValue()
	}
	if v, ok := f["min_samples"]; ok {
		p.MinSamples = int(v.GetNumberValue())
	}
	if v, ok := f["window_size"]; ok {
		p.WindowSize = int(v.GetNumberValue())
	}
	if v, ok := f["stride"]; ok {
		p.Stride = int(v.GetNumberValue())
	}
	if p.Eps <= 0 || p.MinSamples < 1 || p.WindowSize < 1 || p.Stride < 1 {
		return nil, status.Error(codes.InvalidArgument, "eps must be positive; min_samples, window_size and stride at least 1")
	}
	var agents []string
	if id := f["agent_id"].GetStringValue(); id != "" {
		agents = append(agents, id)
	}
	found, err := s.svc.DiscoverAttractors(ctx, p, agents...)
	if err != nil {
		return nil, toStatus(err)
	}
	if found == nil {
		found = []attractor.Attractor{}
	}
	return marshalBytes(found)
}

// ReviewIntervention expects {agent_id, reviewer}.
func (s *Server) ReviewIntervention(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	f := in.GetFields()
	agentID, reviewer := f["agent_id"].GetStringValue(), f["reviewer"].GetStringValue()
	if agentID == "" || reviewer == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id and reviewer are required")
	}
	if err := s.svc.ReviewIntervention(ctx, agentID, reviewer); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func parseTime(f map[string]*structpb.Value, key string) (time.Time, error) {
	raw := f[key].GetStringValue()
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return t, nil
}

func marshalBytes(v any) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, signals.ErrMalformedSignal):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, intervention.ErrNoIntervention):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// #endregion handlers

// #region interceptor

// LoggingInterceptor logs every call with its method, code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if code == codes.Internal {
			logger.Error("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}

// #endregion interceptor

// #region desc

func unary[In any, Out any](call func(*Server, context.Context, *In) (Out, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(In)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*In))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary((*Server).RecordSignal, MethodRecordSignal),
		unary((*Server).GetTrajectory, MethodGetTrajectory),
		unary((*Server).ExportTrajectories, MethodExportTrajectories),
		unary((*Server).DiscoverAttractors, MethodDiscoverAttractors),
		unary((*Server).ReviewIntervention, MethodReviewIntervention),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "phasegate/v1/policy_engine.proto",
}

// #endregion desc
