// ============================================================================
// Tonebridge Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs one pipeline at a time, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Skip it if its context is already cancelled
//   3. Call Runner.Run(task.Ctx, task.Job)
//   4. Send result to resultCh (blocking; the pool closes resultCh only after all workers exit)
//   5. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ ctx already done? skip  │   │
//   │  │   ├─ runner.Run(ctx, job)    │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout / cancellation:
//   Per-stage timeouts live in the pipeline executor. The worker only
//   forwards the run context owned by the controller.
//
// Panic handling:
//   A panicking runner is turned into a failed Result; the worker keeps serving.
//
// ============================================================================

package worker

import (
	"fmt"
	"log/slog"
	"time"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	runner   Runner        // Executes the job
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, runner Runner) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		runner:   runner,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.resultCh <- w.execute(task)
	}
}

// execute runs one task and never panics
func (w *Worker) execute(task Task) (res Result) {
	start := time.Now()
	res = Result{JobID: task.Job.ID, Attempt: task.Attempt}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Worker panic", "worker", w.id, "jobID", task.Job.ID, "panic", r)
			res.Success = false
			res.Error = fmt.Errorf("worker panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	if err := task.Ctx.Err(); err != nil {
		res.Error = err
		return res
	}

	err := w.runner.Run(task.Ctx, task.Job)
	res.Success = err == nil
	res.Error = err
	return res
}
