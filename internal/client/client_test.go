package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/ChuLiYu/tonebridge/api/proto/v1"
	"github.com/ChuLiYu/tonebridge/internal/blob"
	"github.com/ChuLiYu/tonebridge/internal/controller"
	"github.com/ChuLiYu/tonebridge/internal/pipeline"
	"github.com/ChuLiYu/tonebridge/internal/poller"
	"github.com/ChuLiYu/tonebridge/internal/server"
	"github.com/ChuLiYu/tonebridge/internal/store/memstore"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// newBufconnClient 以記憶體連線啟動完整的 gRPC server
func newBufconnClient(t *testing.T, start bool) (*Client, *grpc.ClientConn) {
	t.Helper()
	blobs := blob.LocalFS{Root: t.TempDir()}
	for _, key := range []string{"uploads/ref.wav", "uploads/tgt.wav"} {
		_, err := blobs.Put(key, strings.NewReader("pcm"))
		require.NoError(t, err)
	}
	stages := pipeline.NewSimulatedStages(pipeline.Simulated{Steps: 2, Step: time.Millisecond, ScratchDir: t.TempDir()})
	exec := pipeline.NewExecutor(pipeline.Config{StageTimeout: 5 * time.Second}, stages, blobs, nil)
	ctrl := controller.New(controller.Config{WorkerCount: 2}, memstore.New(), nil, exec, nil)
	if start {
		require.NoError(t, ctrl.Start(context.Background()))
	}

	lis := bufconn.Listen(1 << 20)
	gs, _ := server.NewGRPCServer(ctrl)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Stop(ctx)
	})
	return New(conn), conn
}

func paired() pb.SubmitRequest {
	return pb.SubmitRequest{Mode: "PAIRED", RefKey: "uploads/ref.wav", TgtKey: "uploads/tgt.wav", UserID: "alice"}
}

func TestRoundTrip(t *testing.T) {
	c, _ := newBufconnClient(t, false)
	ctx := context.Background()

	job, err := c.Submit(ctx, paired())
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.ModePaired, job.Mode)
	assert.Equal(t, 1, job.Attempt)
	assert.False(t, job.CreatedAt.IsZero())

	got, err := c.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))

	counts, err := c.Stats(ctx, "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[types.StatusPending])
	assert.Len(t, counts, len(types.AllStatuses))

	cancelled, err := c.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
}

func TestListOverGRPC(t *testing.T) {
	c, _ := newBufconnClient(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Submit(ctx, paired())
		require.NoError(t, err)
	}

	first, err := c.List(ctx, ListOptions{Limit: 2, UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	second, err := c.List(ctx, ListOptions{Limit: 2, UserID: "alice", Cursor: first.NextCursor})
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	// limit 省略時與 REST 相同，預設一頁 20 筆
	all, err := c.List(ctx, ListOptions{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)
	assert.Empty(t, all.NextCursor)
}

func TestErrorsMapToSentinels(t *testing.T) {
	c, _ := newBufconnClient(t, false)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = c.Submit(ctx, pb.SubmitRequest{Mode: "nope", RefKey: "a", TgtKey: "b"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = c.List(ctx, ListOptions{Limit: -1})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	job, err := c.Submit(ctx, paired())
	require.NoError(t, err)
	_, err = c.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.NotContains(t, err.Error(), "invalid state: invalid state")
}

func TestHealthService(t *testing.T) {
	_, conn := newBufconnClient(t, false)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: pb.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestPollerOverGRPC(t *testing.T) {
	c, _ := newBufconnClient(t, true)

	job, err := c.Submit(context.Background(), paired())
	require.NoError(t, err)

	p := poller.New(c, poller.Options{Coarse: 10 * time.Millisecond, Fine: 2 * time.Millisecond})
	defer p.Close()

	var progress []int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := p.Watch(ctx, job.ID, func(j *types.Job) { progress = append(progress, j.Progress) })
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)
	require.NotNil(t, final.ResultKey)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress is monotonic")
	}
}
