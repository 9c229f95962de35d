package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, cancellation, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// sleepRunner waits d (or until ctx is done) and fails jobs whose id ends with "-fail"
func sleepRunner(d time.Duration) RunnerFunc {
	return func(ctx context.Context, job *types.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		if len(job.ID) > 5 && job.ID[len(job.ID)-5:] == "-fail" {
			return errors.New("simulated execution failure")
		}
		return nil
	}
}

func newTask(id string) Task {
	return Task{Ctx: context.Background(), Job: &types.Job{ID: types.JobID(id), Attempt: 1}, Attempt: 1}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, sleepRunner(0))
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, sleepRunner(0))

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10, sleepRunner(time.Millisecond))
	require.NoError(t, pool.Start(1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		id := fmt.Sprintf("task-%d", i)
		if i%3 == 0 {
			id += "-fail"
		}
		require.NoError(t, pool.Submit(newTask(id)))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Equal(t, taskCount, len(results))
	assert.True(t, results["task-1"].Success)
	assert.False(t, results["task-0-fail"].Success)
	assert.EqualError(t, results["task-0-fail"].Error, "simulated execution failure")
	assert.Equal(t, 1, results["task-1"].Attempt)

	pool.Stop()
}

func TestCancelledTaskIsSkipped(t *testing.T) {
	var calls atomic.Int32
	pool := NewPool(10, RunnerFunc(func(ctx context.Context, job *types.Job) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := newTask("cancelled")
	task.Ctx = ctx
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.Canceled)
	assert.Zero(t, calls.Load())
}

func TestRunCancellation(t *testing.T) {
	pool := NewPool(10, sleepRunner(time.Minute))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	task := newTask("long")
	task.Ctx = ctx
	require.NoError(t, pool.Submit(task))

	time.AfterFunc(20*time.Millisecond, cancel)
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.Canceled)
	assert.Less(t, result.Duration, time.Second)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	pool := NewPool(10, RunnerFunc(func(ctx context.Context, job *types.Job) error {
		if job.ID == "boom" {
			panic("decoder crashed")
		}
		return nil
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask("boom")))
	require.NoError(t, pool.Submit(newTask("fine")))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error.Error(), "worker panic: decoder crashed")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success, "worker must keep serving after a panic")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool := NewPool(100, sleepRunner(20*time.Millisecond))
	workerCount := 8
	taskCount := 80
	require.NoError(t, pool.Start(workerCount))

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(newTask(fmt.Sprintf("task-%d", i))))
	}
	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	duration := time.Since(start)

	// serial would take 1.6s
	assert.Less(t, duration, time.Second)
	t.Logf("Processed %d tasks in %v with %d workers", taskCount, duration, workerCount)

	pool.Stop()
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100, sleepRunner(time.Millisecond))
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(newTask(fmt.Sprintf("task-%d", index))))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	pool.Stop()
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdownDeliversAllResults every accepted task produces a result before resultCh closes
func TestGracefulShutdownDeliversAllResults(t *testing.T) {
	pool := NewPool(4, sleepRunner(5*time.Millisecond))
	require.NoError(t, pool.Start(2))

	var received atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	taskCount := 20
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(newTask(fmt.Sprintf("task-%d", i))))
	}
	pool.Stop()
	<-done

	assert.Equal(t, int32(taskCount), received.Load())
}

func TestStopUnblocksSubmit(t *testing.T) {
	pool := NewPool(1, sleepRunner(time.Minute))
	require.NoError(t, pool.Start(1))

	ctx, cancel := context.WithCancel(context.Background())
	busy := newTask("busy")
	busy.Ctx = ctx
	require.NoError(t, pool.Submit(busy)) // taken by the worker
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, time.Millisecond)
	buffered := newTask("buffered")
	buffered.Ctx = ctx
	require.NoError(t, pool.Submit(buffered))

	errCh := make(chan error, 1)
	blocked := newTask("blocked")
	blocked.Ctx = ctx
	go func() { errCh <- pool.Submit(blocked) }()

	time.Sleep(20 * time.Millisecond)
	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()
	cancel()
	go pool.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit stayed blocked after Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, sleepRunner(0))

	assert.NotPanics(t, func() {
		pool.Stop()
		pool.Stop()
	})
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, sleepRunner(0))
	require.NoError(t, pool.Start(2))

	pool.Stop()

	err := pool.Submit(newTask("task-after-stop"))
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, sleepRunner(0))

	err := pool.Submit(newTask("task-before-start"))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, sleepRunner(0))
	require.NoError(t, pool.Start(2))

	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, sleepRunner(0))
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(newTask(fmt.Sprintf("task-%d", i)))
	}
}
