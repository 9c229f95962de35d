package jobmanager

import (
	"errors"
	"testing"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)

// newTestJob creates a PENDING job through NewJob
func newTestJob(t *testing.T, id string) *types.Job {
	t.Helper()
	job, err := NewJob(SubmitRequest{
		UserID: "user-1",
		Mode:   "PAIRED",
		RefKey: "uploads/ref.wav",
		TgtKey: "uploads/tgt.wav",
	}, types.JobID(id), t0)
	assertNoError(t, err)
	return job
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

func assertStatus(t *testing.T, job *types.Job, want types.JobStatus) {
	t.Helper()
	if job.Status != want {
		t.Fatalf("job %s status: got %s, want %s", job.ID, job.Status, want)
	}
}

func ev(job *types.Job, typ types.EventType, stage types.Stage) types.Event {
	return types.Event{JobID: job.ID, Attempt: job.Attempt, Type: typ, Stage: stage}
}

// runTo drives a job through stage_started events up to the given stage
func runTo(t *testing.T, job *types.Job, stage types.Stage) {
	t.Helper()
	for _, s := range types.Stages {
		assertNoError(t, Apply(job, ev(job, types.EventStageStarted, s), t0))
		if s == stage {
			return
		}
		assertNoError(t, Apply(job, ev(job, types.EventStageCompleted, s), t0))
	}
}

// ============================================================================
// NewJob
// ============================================================================

func TestNewJob(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
		mode    types.Mode
	}{
		{name: "paired", req: SubmitRequest{Mode: "PAIRED", RefKey: "a", TgtKey: "b"}, mode: types.ModePaired},
		{name: "style lowercase", req: SubmitRequest{Mode: "style", RefKey: "a", TgtKey: "b"}, mode: types.ModeStyle},
		{name: "legacy alias A", req: SubmitRequest{Mode: "A", RefKey: "a", TgtKey: "b"}, mode: types.ModePaired},
		{name: "unknown mode", req: SubmitRequest{Mode: "remix", RefKey: "a", TgtKey: "b"}, wantErr: types.ErrInvalidArgument},
		{name: "empty ref", req: SubmitRequest{Mode: "PAIRED", RefKey: " ", TgtKey: "b"}, wantErr: types.ErrInvalidArgument},
		{name: "empty tgt", req: SubmitRequest{Mode: "PAIRED", RefKey: "a"}, wantErr: types.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := NewJob(tt.req, "job-1", t0)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			assertStatus(t, job, types.StatusPending)
			if job.Progress != 0 || job.Attempt != 1 {
				t.Errorf("fresh job: progress=%d attempt=%d", job.Progress, job.Attempt)
			}
			if job.Mode != tt.mode {
				t.Errorf("mode: got %s, want %s", job.Mode, tt.mode)
			}
			assertNoError(t, Validate(job))
		})
	}
}

// ============================================================================
// Happy path
// ============================================================================

func TestApplyHappyPath(t *testing.T) {
	job := newTestJob(t, "job-happy")
	later := t0.Add(time.Second)

	steps := []struct {
		event    types.Event
		status   types.JobStatus
		progress int
	}{
		{ev(job, types.EventStageStarted, types.StageAnalyze), types.StatusAnalyzing, 0},
		{types.Event{Attempt: 1, Type: types.EventStageProgress, Stage: types.StageAnalyze, Progress: 50}, types.StatusAnalyzing, 16},
		{ev(job, types.EventStageCompleted, types.StageAnalyze), types.StatusAnalyzing, 33},
		{ev(job, types.EventStageStarted, types.StageInvert), types.StatusInverting, 33},
		{ev(job, types.EventStageCompleted, types.StageInvert), types.StatusInverting, 66},
		{ev(job, types.EventStageStarted, types.StageRender), types.StatusRendering, 66},
		{types.Event{Attempt: 1, Type: types.EventStageCompleted, Stage: types.StageRender, ResultKey: "processed/job-happy.wav",
			Metrics: types.Metrics{"render_s": 1.5}}, types.StatusCompleted, 100},
	}

	for i, step := range steps {
		assertNoError(t, Apply(job, step.event, later))
		assertStatus(t, job, step.status)
		if job.Progress != step.progress {
			t.Fatalf("step %d: progress got %d, want %d", i, job.Progress, step.progress)
		}
		assertNoError(t, Validate(job))
	}

	if job.ResultKey == nil || *job.ResultKey != "processed/job-happy.wav" {
		t.Errorf("result key not set: %v", job.ResultKey)
	}
	if job.Metrics["render_s"] != 1.5 {
		t.Errorf("metrics not merged: %v", job.Metrics)
	}
	if !job.UpdatedAt.Equal(later) {
		t.Errorf("updated_at not bumped")
	}
}

// ============================================================================
// Failure
// ============================================================================

func TestApplyStageFailed(t *testing.T) {
	job := newTestJob(t, "job-a")
	runTo(t, job, types.StageInvert)

	failed := ev(job, types.EventStageFailed, types.StageInvert)
	failed.Error = "bad features"
	failed.Metrics = types.Metrics{"invert_s": 0.25}
	assertNoError(t, Apply(job, failed, t0))

	assertStatus(t, job, types.StatusFailed)
	if job.Error == nil || *job.Error != "bad features" {
		t.Fatalf("error: got %v", job.Error)
	}
	if job.Progress != 33 {
		t.Errorf("progress pinned at 33, got %d", job.Progress)
	}
	if job.Metrics["invert_s"] != 0.25 {
		t.Errorf("partial metrics lost: %v", job.Metrics)
	}
	assertNoError(t, Validate(job))
}

// ============================================================================
// Stale callbacks
// ============================================================================

func TestApplyStaleCallbacks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, job *types.Job)
		event func(job *types.Job) types.Event
	}{
		{
			name:  "duplicate stage_started",
			setup: func(t *testing.T, job *types.Job) { runTo(t, job, types.StageAnalyze) },
			event: func(job *types.Job) types.Event { return ev(job, types.EventStageStarted, types.StageAnalyze) },
		},
		{
			name:  "late stage_completed for passed stage",
			setup: func(t *testing.T, job *types.Job) { runTo(t, job, types.StageRender) },
			event: func(job *types.Job) types.Event { return ev(job, types.EventStageCompleted, types.StageAnalyze) },
		},
		{
			name:  "out of order stage_started",
			setup: func(t *testing.T, job *types.Job) {},
			event: func(job *types.Job) types.Event { return ev(job, types.EventStageStarted, types.StageRender) },
		},
		{
			name:  "event from previous attempt",
			setup: func(t *testing.T, job *types.Job) { job.Attempt = 2 },
			event: func(job *types.Job) types.Event {
				return types.Event{Attempt: 1, Type: types.EventStageStarted, Stage: types.StageAnalyze}
			},
		},
		{
			name: "event after cancel",
			setup: func(t *testing.T, job *types.Job) {
				runTo(t, job, types.StageInvert)
				assertNoError(t, Cancel(job, t0))
			},
			event: func(job *types.Job) types.Event { return ev(job, types.EventStageCompleted, types.StageInvert) },
		},
		{
			name: "failure after completion",
			setup: func(t *testing.T, job *types.Job) {
				runTo(t, job, types.StageRender)
				done := ev(job, types.EventStageCompleted, types.StageRender)
				done.ResultKey = "processed/x.wav"
				assertNoError(t, Apply(job, done, t0))
			},
			event: func(job *types.Job) types.Event { return ev(job, types.EventStageFailed, types.StageRender) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newTestJob(t, "job-stale")
			tt.setup(t, job)
			before := *job.Clone()

			err := Apply(job, tt.event(job), t0.Add(time.Hour))
			assertError(t, err, types.ErrStaleCallback)

			if job.Status != before.Status || job.Progress != before.Progress || !job.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("stale event mutated job: before=%+v after=%+v", before, *job)
			}
		})
	}
}

func TestApplyProgressMonotonic(t *testing.T) {
	job := newTestJob(t, "job-mono")
	runTo(t, job, types.StageAnalyze)

	for _, pct := range []int{80, 20, 50, 150} {
		p := ev(job, types.EventStageProgress, types.StageAnalyze)
		p.Progress = pct
		last := job.Progress
		assertNoError(t, Apply(job, p, t0))
		if job.Progress < last {
			t.Fatalf("progress decreased from %d to %d", last, job.Progress)
		}
	}
	if job.Progress != 33 {
		t.Errorf("progress clamped to stage upper bound, got %d", job.Progress)
	}
}

func TestApplyRenderWithoutResultKey(t *testing.T) {
	job := newTestJob(t, "job-nokey")
	runTo(t, job, types.StageRender)
	assertError(t, Apply(job, ev(job, types.EventStageCompleted, types.StageRender), t0), types.ErrInvalidArgument)
	assertStatus(t, job, types.StatusRendering)
}

// ============================================================================
// Retry / Cancel
// ============================================================================

func TestRetry(t *testing.T) {
	job := newTestJob(t, "job-b")
	runTo(t, job, types.StageInvert)
	failed := ev(job, types.EventStageFailed, types.StageInvert)
	failed.Error = "boom"
	failed.Metrics = types.Metrics{"analyze_s": 1}
	assertNoError(t, Apply(job, failed, t0))

	assertNoError(t, Retry(job, t0.Add(time.Minute)))
	assertStatus(t, job, types.StatusPending)
	if job.Progress != 0 || job.Error != nil || job.ResultKey != nil {
		t.Fatalf("retry did not reset: %+v", job)
	}
	if job.Attempt != 2 {
		t.Errorf("attempt: got %d, want 2", job.Attempt)
	}
	if job.Metrics["analyze_s"] != 1 {
		t.Errorf("metrics must survive retry")
	}
	assertNoError(t, Validate(job))
}

func TestRetryRequiresFailed(t *testing.T) {
	for _, st := range []types.JobStatus{
		types.StatusPending, types.StatusAnalyzing, types.StatusInverting,
		types.StatusRendering, types.StatusCompleted, types.StatusCancelled,
	} {
		t.Run(string(st), func(t *testing.T) {
			job := newTestJob(t, "job-r")
			job.Status = st
			job.Progress = 40
			assertError(t, Retry(job, t0.Add(time.Hour)), types.ErrInvalidState)
			if job.Status != st || job.Progress != 40 || job.Attempt != 1 {
				t.Errorf("failed retry mutated job: %+v", job)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	tests := []struct {
		status  types.JobStatus
		wantErr error
	}{
		{types.StatusPending, nil},
		{types.StatusAnalyzing, nil},
		{types.StatusInverting, nil},
		{types.StatusRendering, nil},
		{types.StatusCompleted, types.ErrInvalidState},
		{types.StatusFailed, types.ErrInvalidState},
		{types.StatusCancelled, types.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			job := newTestJob(t, "job-c")
			job.Status = tt.status
			job.Progress = 50
			err := Cancel(job, t0)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				assertStatus(t, job, tt.status)
				return
			}
			assertNoError(t, err)
			assertStatus(t, job, types.StatusCancelled)
			if job.Progress != 50 {
				t.Errorf("progress must be pinned, got %d", job.Progress)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	if CanTransition(types.StatusPending, types.StatusInverting) {
		t.Error("PENDING must not skip to INVERTING")
	}
	if !CanTransition(types.StatusRendering, types.StatusCompleted) {
		t.Error("RENDERING -> COMPLETED must be legal")
	}
	if CanTransition(types.StatusCompleted, types.StatusFailed) {
		t.Error("terminal states have no exits")
	}
	if !CanTransition(types.StatusFailed, types.StatusPending) {
		t.Error("retry edge missing")
	}
}

func TestStageRangesAreContiguous(t *testing.T) {
	prev := 0
	for _, s := range types.Stages {
		r, ok := StageRange(s)
		if !ok {
			t.Fatalf("missing range for %s", s)
		}
		if r.Lo != prev || r.Hi <= r.Lo {
			t.Fatalf("range for %s not contiguous: %+v", s, r)
		}
		prev = r.Hi
	}
	if prev != 100 {
		t.Errorf("ranges end at %d", prev)
	}
}
