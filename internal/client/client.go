// Package client is the gRPC client for tonebridge.v1.JobService.
//
// Status codes are mapped back onto the orchestrator's sentinel errors, so
// callers (the CLI and the progress poller) can classify failures with
// errors.Is exactly as they would in-process.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pb "github.com/ChuLiYu/tonebridge/api/proto/v1"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// ListOptions mirrors the REST list query.
type ListOptions struct {
	UserID        string
	Status        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
	SortBy        string
	Order         string
	Limit         int
	Cursor        string
}

// Client talks to a tonebridge server.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// New wraps an existing connection; Close leaves it open.
func New(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c.own {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, req pb.SubmitRequest) (*types.Job, error) {
	in, err := pb.Encode(req)
	if err != nil {
		return nil, err
	}
	return c.job(ctx, pb.MethodSubmit, in)
}

func (c *Client) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.job(ctx, pb.MethodGet, wrapperspb.String(string(id)))
}

func (c *Client) Retry(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.job(ctx, pb.MethodRetry, wrapperspb.String(string(id)))
}

func (c *Client) Cancel(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.job(ctx, pb.MethodCancel, wrapperspb.String(string(id)))
}

func (c *Client) List(ctx context.Context, opts ListOptions) (*pb.ListResponse, error) {
	req := pb.ListRequest{
		UserID:        opts.UserID,
		Status:        opts.Status,
		CreatedAfter:  stamp(opts.CreatedAfter),
		CreatedBefore: stamp(opts.CreatedBefore),
		UpdatedAfter:  stamp(opts.UpdatedAfter),
		UpdatedBefore: stamp(opts.UpdatedBefore),
		SortBy:        opts.SortBy,
		Order:         opts.Order,
		Limit:         opts.Limit,
		Cursor:        opts.Cursor,
	}
	in, err := pb.Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, pb.MethodList, in, out); err != nil {
		return nil, err
	}
	var res pb.ListResponse
	if err := pb.Decode(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Stats(ctx context.Context, userID string, after, before *time.Time) (map[types.JobStatus]int64, error) {
	in, err := pb.Encode(pb.StatsRequest{UserID: userID, CreatedAfter: stamp(after), CreatedBefore: stamp(before)})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, pb.MethodStats, in, out); err != nil {
		return nil, err
	}
	counts := make(map[types.JobStatus]int64)
	if err := pb.Decode(out, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *Client) job(ctx context.Context, method string, in interface{}) (*types.Job, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	var job types.Job
	if err := pb.Decode(out, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// fromStatus maps gRPC codes onto the sentinel errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = types.ErrInvalidArgument
	case codes.NotFound:
		sentinel = types.ErrNotFound
	case codes.FailedPrecondition:
		sentinel = types.ErrInvalidState
	case codes.Unavailable:
		sentinel = types.ErrStoreUnavailable
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(st.Message(), sentinel.Error()+": "))
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
