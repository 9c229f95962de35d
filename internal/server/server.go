package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pb "github.com/ChuLiYu/tonebridge/api/proto/v1"
	"github.com/ChuLiYu/tonebridge/internal/controller"
	"github.com/ChuLiYu/tonebridge/internal/jobmanager"
	"github.com/ChuLiYu/tonebridge/internal/statscache"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

var log = slog.Default()

// Orchestrator is the controller surface exposed over gRPC.
type Orchestrator interface {
	Submit(ctx context.Context, req jobmanager.SubmitRequest) (*types.Job, error)
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	List(ctx context.Context, req controller.ListRequest) (*controller.ListResult, error)
	Stats(ctx context.Context, f types.StatsFilter) (statscache.Counts, error)
	Retry(ctx context.Context, id types.JobID) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID) (*types.Job, error)
}

// Server implements tonebridge.v1.JobService.
type Server struct {
	jobs Orchestrator
}

// NewServer creates a new gRPC service instance.
func NewServer(jobs Orchestrator) *Server {
	return &Server{jobs: jobs}
}

// NewGRPCServer builds a grpc.Server with the job service, the standard
// health service and request logging registered.
func NewGRPCServer(jobs Orchestrator, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	pb.RegisterJobServiceServer(gs, NewServer(jobs))

	hs := health.NewServer()
	hs.SetServingStatus(pb.ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// Submit handles job submission from clients.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.SubmitRequest
	if err := pb.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job, err := s.jobs.Submit(ctx, jobmanager.SubmitRequest{
		UserID: req.UserID,
		Mode:   req.Mode,
		RefKey: req.RefKey,
		TgtKey: req.TgtKey,
		Params: req.Params,
	})
	return reply(job, err)
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.jobs.Get(ctx, types.JobID(in.GetValue()))
	return reply(job, err)
}

func (s *Server) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.ListRequest
	if err := pb.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	lr, err := listRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.jobs.List(ctx, lr)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(pb.ListResponse{Items: res.Items, NextCursor: res.NextCursor}, nil)
}

func (s *Server) Stats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.StatsRequest
	if err := pb.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f := types.StatsFilter{UserID: req.UserID}
	var err error
	if f.CreatedAfter, err = types.ParseTimestamp("created_after", req.CreatedAfter); err != nil {
		return nil, toStatus(err)
	}
	if f.CreatedBefore, err = types.ParseTimestamp("created_before", req.CreatedBefore); err != nil {
		return nil, toStatus(err)
	}
	counts, err := s.jobs.Stats(ctx, f)
	return reply(counts, err)
}

func (s *Server) Retry(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.jobs.Retry(ctx, types.JobID(in.GetValue()))
	return reply(job, err)
}

func (s *Server) Cancel(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.jobs.Cancel(ctx, types.JobID(in.GetValue()))
	return reply(job, err)
}

// Helpers

func reply(v interface{}, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := pb.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func listRequest(req pb.ListRequest) (controller.ListRequest, error) {
	out := controller.ListRequest{
		Limit:  req.Limit,
		Cursor: req.Cursor,
		Filter: types.ListFilter{UserID: req.UserID},
	}
	if out.Limit == 0 {
		out.Limit = controller.DefaultListLimit
	}
	var err error
	if req.Status != "" {
		if out.Filter.Status, err = types.ParseStatus(req.Status); err != nil {
			return out, err
		}
	}
	if out.SortBy, err = types.ParseSortField(req.SortBy); err != nil {
		return out, err
	}
	if out.Order, err = types.ParseSortOrder(req.Order); err != nil {
		return out, err
	}
	for _, b := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{
		{"created_after", req.CreatedAfter, &out.Filter.CreatedAfter},
		{"created_before", req.CreatedBefore, &out.Filter.CreatedBefore},
		{"updated_after", req.UpdatedAfter, &out.Filter.UpdatedAfter},
		{"updated_before", req.UpdatedBefore, &out.Filter.UpdatedBefore},
	} {
		if *b.dst, err = types.ParseTimestamp(b.name, b.raw); err != nil {
			return out, err
		}
	}
	return out, nil
}

// toStatus maps orchestrator errors onto gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, types.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	level := slog.LevelInfo
	if code == codes.Internal || code == codes.Unknown {
		level = slog.LevelError
	}
	log.Log(ctx, level, "gRPC request", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	return resp, err
}
