// Package jobv1 describes the tonebridge.v1.JobService gRPC contract.
//
// Messages are protobuf well-known types: requests carrying a job id use
// wrapperspb.StringValue, everything else is a structpb.Struct whose fields
// follow the JSON field names of the REST API. The service descriptor is
// maintained by hand next to the codec helpers below.
package jobv1

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const ServiceName = "tonebridge.v1.JobService"

// Full method names.
const (
	MethodSubmit = "/" + ServiceName + "/Submit"
	MethodGet    = "/" + ServiceName + "/Get"
	MethodList   = "/" + ServiceName + "/List"
	MethodStats  = "/" + ServiceName + "/Stats"
	MethodRetry  = "/" + ServiceName + "/Retry"
	MethodCancel = "/" + ServiceName + "/Cancel"
)

// JobServiceServer is implemented by internal/server.
type JobServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Cancel(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterJobServiceServer attaches srv to s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobService_ServiceDesc, srv)
}

func structHandler(name string, call func(JobServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(JobServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func idHandler(name string, call func(JobServiceServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(JobServiceServer), ctx, req.(*wrapperspb.StringValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// JobService_ServiceDesc is the grpc.ServiceDesc for tonebridge.v1.JobService.
var JobService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: structHandler(MethodSubmit, JobServiceServer.Submit)},
		{MethodName: "Get", Handler: idHandler(MethodGet, JobServiceServer.Get)},
		{MethodName: "List", Handler: structHandler(MethodList, JobServiceServer.List)},
		{MethodName: "Stats", Handler: structHandler(MethodStats, JobServiceServer.Stats)},
		{MethodName: "Retry", Handler: idHandler(MethodRetry, JobServiceServer.Retry)},
		{MethodName: "Cancel", Handler: idHandler(MethodCancel, JobServiceServer.Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tonebridge/v1/jobservice",
}

// ============================================================================
// Codec
// ============================================================================

// SubmitRequest is the Submit payload.
type SubmitRequest struct {
	Mode   string                 `json:"mode"`
	RefKey string                 `json:"ref_key"`
	TgtKey string                 `json:"tgt_key"`
	UserID string                 `json:"user_id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ListRequest is the List payload. Times are RFC 3339 strings.
type ListRequest struct {
	UserID        string `json:"user_id,omitempty"`
	Status        string `json:"status,omitempty"`
	CreatedAfter  string `json:"created_after,omitempty"`
	CreatedBefore string `json:"created_before,omitempty"`
	UpdatedAfter  string `json:"updated_after,omitempty"`
	UpdatedBefore string `json:"updated_before,omitempty"`
	SortBy        string `json:"sort_by,omitempty"`
	Order         string `json:"order,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
}

// ListResponse is the List result.
type ListResponse struct {
	Items      []*types.Job `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// StatsRequest is the Stats payload.
type StatsRequest struct {
	UserID        string `json:"user_id,omitempty"`
	CreatedAfter  string `json:"created_after,omitempty"`
	CreatedBefore string `json:"created_before,omitempty"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from s. A nil Struct leaves v untouched.
func Decode(s *structpb.Struct, v interface{}) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
