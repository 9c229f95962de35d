package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pb "github.com/ChuLiYu/tonebridge/api/proto/v1"
	"github.com/ChuLiYu/tonebridge/internal/controller"
	"github.com/ChuLiYu/tonebridge/internal/jobmanager"
	"github.com/ChuLiYu/tonebridge/internal/statscache"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: bad mode", types.ErrInvalidArgument), codes.InvalidArgument},
		{fmt.Errorf("%w: x", types.ErrNotFound), codes.NotFound},
		{fmt.Errorf("%w: x", types.ErrInvalidState), codes.FailedPrecondition},
		{fmt.Errorf("%w: x", types.ErrStoreUnavailable), codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}

// recordingOrchestrator 記錄收到的請求
type recordingOrchestrator struct {
	list  controller.ListRequest
	stats types.StatsFilter
}

func (r *recordingOrchestrator) Submit(_ context.Context, req jobmanager.SubmitRequest) (*types.Job, error) {
	return &types.Job{ID: "j1", UserID: req.UserID, Status: types.StatusPending, Params: req.Params}, nil
}
func (r *recordingOrchestrator) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
}
func (r *recordingOrchestrator) List(_ context.Context, req controller.ListRequest) (*controller.ListResult, error) {
	r.list = req
	return &controller.ListResult{Items: []*types.Job{{ID: "j1"}}, NextCursor: "next"}, nil
}
func (r *recordingOrchestrator) Stats(_ context.Context, f types.StatsFilter) (statscache.Counts, error) {
	r.stats = f
	return statscache.Counts{types.StatusPending: 3}, nil
}
func (r *recordingOrchestrator) Retry(context.Context, types.JobID) (*types.Job, error) {
	return nil, types.ErrInvalidState
}
func (r *recordingOrchestrator) Cancel(context.Context, types.JobID) (*types.Job, error) {
	return nil, types.ErrStoreUnavailable
}

func TestServerDecodesRequests(t *testing.T) {
	orch := &recordingOrchestrator{}
	s := NewServer(orch)
	ctx := context.Background()

	in, err := pb.Encode(pb.ListRequest{
		UserID:       "alice",
		Status:       "failed",
		SortBy:       "updated_at",
		Order:        "asc",
		Limit:        5,
		CreatedAfter: "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)
	out, err := s.List(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, "alice", orch.list.Filter.UserID)
	assert.Equal(t, types.StatusFailed, orch.list.Filter.Status)
	assert.Equal(t, types.SortByUpdatedAt, orch.list.SortBy)
	assert.Equal(t, types.OrderAsc, orch.list.Order)
	assert.Equal(t, 5, orch.list.Limit)
	require.NotNil(t, orch.list.Filter.CreatedAfter)
	assert.True(t, orch.list.Filter.CreatedAfter.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "next", out.AsMap()["next_cursor"])

	submit, err := pb.Encode(pb.SubmitRequest{Mode: "A", RefKey: "r", TgtKey: "t", UserID: "bob", Params: map[string]interface{}{"strength": 0.5}})
	require.NoError(t, err)
	job, err := s.Submit(ctx, submit)
	require.NoError(t, err)
	assert.Equal(t, "bob", job.AsMap()["user_id"])
	assert.Equal(t, 0.5, job.AsMap()["params"].(map[string]interface{})["strength"])

	stats, err := s.Stats(ctx, &structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, stats.AsMap()["PENDING"])
}

func TestListDefaultsLimit(t *testing.T) {
	orch := &recordingOrchestrator{}
	s := NewServer(orch)

	in, err := pb.Encode(pb.ListRequest{UserID: "alice"})
	require.NoError(t, err)
	_, err = s.List(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, controller.DefaultListLimit, orch.list.Limit)
}

func TestServerRejectsBadFields(t *testing.T) {
	s := NewServer(&recordingOrchestrator{})
	ctx := context.Background()

	for _, req := range []pb.ListRequest{
		{Limit: 1, Status: "bogus"},
		{Limit: 1, SortBy: "size"},
		{Limit: 1, UpdatedBefore: "tomorrow"},
	} {
		in, err := pb.Encode(req)
		require.NoError(t, err)
		_, err = s.List(ctx, in)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "%+v", req)
	}

	_, err := s.Get(ctx, wrapperspb.String("x"))
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = s.Retry(ctx, wrapperspb.String("x"))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = s.Cancel(ctx, wrapperspb.String("x"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
