package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// scriptedClient 依序回傳預先安排的結果，最後一個重複使用
type scriptedClient struct {
	mu        sync.Mutex
	script    []step
	gets      int
	cancels   []types.JobID
	cancelErr error
	cancelled chan struct{}
}

type step struct {
	status   types.JobStatus
	progress int
	err      error
}

func (c *scriptedClient) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.script[len(c.script)-1]
	if c.gets < len(c.script) {
		s = c.script[c.gets]
	}
	c.gets++
	if s.err != nil {
		return nil, s.err
	}
	return &types.Job{ID: id, Status: s.status, Progress: s.progress}, nil
}

func (c *scriptedClient) Cancel(ctx context.Context, id types.JobID) (*types.Job, error) {
	c.mu.Lock()
	c.cancels = append(c.cancels, id)
	c.mu.Unlock()
	if c.cancelled != nil {
		close(c.cancelled)
	}
	return &types.Job{ID: id, Status: types.StatusCancelled}, c.cancelErr
}

func (c *scriptedClient) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func fastOptions() Options {
	return Options{Coarse: 4 * time.Millisecond, Fine: time.Millisecond, MaxRetries: 2, RetryBackoff: time.Millisecond, CancelTimeout: time.Second}
}

func TestInterval(t *testing.T) {
	p := New(&scriptedClient{}, Options{Coarse: 2 * time.Second, Fine: 200 * time.Millisecond})

	tests := []struct {
		progress int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{50, 1100 * time.Millisecond},
		{100, 200 * time.Millisecond},
		{-5, 2 * time.Second},
		{150, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Interval(tt.progress), "progress %d", tt.progress)
	}
	assert.GreaterOrEqual(t, p.Interval(10), p.Interval(90), "interval shortens as progress grows")
}

func TestWatchUntilTerminal(t *testing.T) {
	client := &scriptedClient{script: []step{
		{status: types.StatusPending},
		{status: types.StatusAnalyzing, progress: 10},
		{status: types.StatusAnalyzing, progress: 10},
		{status: types.StatusRendering, progress: 80},
		{status: types.StatusCompleted, progress: 100},
	}}
	p := New(client, fastOptions())

	var seen []int
	job, err := p.Watch(context.Background(), "job-1", func(j *types.Job) { seen = append(seen, j.Progress) })

	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, []int{0, 10, 80, 100}, seen, "unchanged polls are not reported")
	assert.Equal(t, 5, client.getCount())
	assert.Empty(t, client.cancels)
}

func TestWatchRetriesTransientErrors(t *testing.T) {
	unavailable := errors.New("connection reset")
	client := &scriptedClient{script: []step{
		{err: unavailable},
		{err: unavailable},
		{status: types.StatusFailed, progress: 33},
	}}
	p := New(client, fastOptions())

	job, err := p.Watch(context.Background(), "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 3, client.getCount())
}

func TestWatchGivesUpAfterMaxRetries(t *testing.T) {
	cause := types.ErrStoreUnavailable
	client := &scriptedClient{script: []step{{err: cause}}}
	p := New(client, fastOptions())

	_, err := p.Watch(context.Background(), "job-1", nil)
	assert.ErrorIs(t, err, ErrPollFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, client.getCount(), "one try plus two retries")
}

func TestWatchDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", types.ErrNotFound},
		{"invalid argument", types.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{script: []step{{err: tt.err}}}
			p := New(client, fastOptions())

			_, err := p.Watch(context.Background(), "job-1", nil)
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, ErrPollFailed)
			assert.Equal(t, 1, client.getCount())
		})
	}
}

func TestWatchCancellationIssuesCancel(t *testing.T) {
	client := &scriptedClient{
		script:    []step{{status: types.StatusInverting, progress: 40}},
		cancelled: make(chan struct{}),
	}
	p := New(client, Options{Coarse: time.Hour, Fine: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	last, err := p.Watch(ctx, "job-1", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "returns without waiting for the next poll")
	require.NotNil(t, last)
	assert.Equal(t, 40, last.Progress)

	p.Close()
	select {
	case <-client.cancelled:
	default:
		t.Fatal("cancel was not issued")
	}
	assert.Equal(t, []types.JobID{"job-1"}, client.cancels)
}

func TestCloseWaitsForSlowCancel(t *testing.T) {
	release := make(chan struct{})
	client := &slowCancelClient{release: release}
	p := New(client, Options{Coarse: time.Hour, Fine: time.Hour, CancelTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Watch(ctx, "job-1", nil)
	require.ErrorIs(t, err, context.Canceled)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before the background cancel finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed
}

type slowCancelClient struct{ release chan struct{} }

func (c *slowCancelClient) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return nil, ctx.Err()
}

func (c *slowCancelClient) Cancel(ctx context.Context, id types.JobID) (*types.Job, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return nil, nil
}
