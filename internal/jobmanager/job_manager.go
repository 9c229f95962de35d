// ============================================================================
// Tonebridge 任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 定義任務生命週期的純轉移函式，不持有任何狀態、不做 I/O
//
// 狀態轉換 (State Machine):
//
//	PENDING ──stage_started(analyze)──> ANALYZING
//	ANALYZING ──stage_started(invert)──> INVERTING
//	INVERTING ──stage_started(render)──> RENDERING
//	RENDERING ──stage_completed(render)──> COMPLETED
//
//	任一非終態 ──stage_failed / Fail()──> FAILED
//	任一非終態 ──Cancel()──> CANCELLED
//	FAILED ──Retry()──> PENDING（progress 歸零、attempt+1）
//
// 終態: COMPLETED, FAILED, CANCELLED
//
// 事件驗證:
//   - event.Attempt 必須等於 job.Attempt（舊輪次的 executor 回呼一律 stale）
//   - job 不可為終態
//   - job.Status 必須與事件所屬 stage 一致
//   不符合者回傳 types.ErrStaleCallback 且不修改 job，
//   因此重複或遲到的事件天然是 no-op。
//
// 進度區間:
//   Analyze [0,33]，Invert [33,66]，Render [66,100]
//   階段內百分比線性映射到區間內，progress 只增不減。
//
// 呼叫端（controller）負責持有 per-job 鎖並持久化結果。
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// ============================================================================
// 進度區間
// ============================================================================

// Range 階段在整體進度上的區間 [Lo, Hi]
type Range struct {
	Lo int
	Hi int
}

var stageRanges = map[types.Stage]Range{
	types.StageAnalyze: {Lo: 0, Hi: 33},
	types.StageInvert:  {Lo: 33, Hi: 66},
	types.StageRender:  {Lo: 66, Hi: 100},
}

// StageRange 回傳階段的進度區間
func StageRange(stage types.Stage) (Range, bool) {
	r, ok := stageRanges[stage]
	return r, ok
}

// Scale 將階段內百分比映射到整體進度
func (r Range) Scale(pct int) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return r.Lo + (r.Hi-r.Lo)*pct/100
}

// ============================================================================
// 轉移表
// ============================================================================

var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusPending:   {types.StatusAnalyzing, types.StatusFailed, types.StatusCancelled},
	types.StatusAnalyzing: {types.StatusInverting, types.StatusFailed, types.StatusCancelled},
	types.StatusInverting: {types.StatusRendering, types.StatusFailed, types.StatusCancelled},
	types.StatusRendering: {types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
	types.StatusFailed:    {types.StatusPending},
}

// CanTransition 判斷 from -> to 是否為合法轉移
func CanTransition(from, to types.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// 建立
// ============================================================================

// SubmitRequest 建立任務所需的輸入
type SubmitRequest struct {
	UserID string
	Mode   string
	RefKey string
	TgtKey string
	Params map[string]interface{}
}

// NewJob 驗證請求並建立 PENDING 任務
//
// 錯誤處理：
//   - mode 無法辨識、ref_key / tgt_key 為空 → types.ErrInvalidArgument
func NewJob(req SubmitRequest, id types.JobID, now time.Time) (*types.Job, error) {
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RefKey) == "" {
		return nil, fmt.Errorf("%w: ref_key is required", types.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.TgtKey) == "" {
		return nil, fmt.Errorf("%w: tgt_key is required", types.ErrInvalidArgument)
	}

	return &types.Job{
		ID:        id,
		UserID:    req.UserID,
		Mode:      mode,
		RefKey:    req.RefKey,
		TgtKey:    req.TgtKey,
		Params:    req.Params,
		Status:    types.StatusPending,
		Progress:  0,
		Attempt:   1,
		Metrics:   types.Metrics{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ============================================================================
// Executor 事件
// ============================================================================

// Apply 套用 executor 事件
//
// 返回值：
//   - nil: job 已更新（呼叫端需持久化）
//   - types.ErrStaleCallback: 事件與目前狀態不一致，job 未修改
//   - types.ErrInvalidArgument: 事件本身不完整
func Apply(job *types.Job, ev types.Event, now time.Time) error {
	rng, ok := StageRange(ev.Stage)
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", types.ErrInvalidArgument, ev.Stage)
	}
	if ev.Attempt != job.Attempt || job.Status.IsTerminal() {
		return stale(job, ev)
	}

	switch ev.Type {
	case types.EventStageStarted:
		if job.Status != ev.Stage.EntryStatus() {
			return stale(job, ev)
		}
		job.Status = ev.Stage.Status()
		raiseProgress(job, rng.Lo)

	case types.EventStageProgress:
		if job.Status != ev.Stage.Status() {
			return stale(job, ev)
		}
		raiseProgress(job, rng.Scale(ev.Progress))
		job.Metrics = job.Metrics.Merge(ev.Metrics)

	case types.EventStageCompleted:
		if job.Status != ev.Stage.Status() {
			return stale(job, ev)
		}
		if ev.Stage == types.StageRender {
			if ev.ResultKey == "" {
				return fmt.Errorf("%w: render completion without result key", types.ErrInvalidArgument)
			}
			job.Status = types.StatusCompleted
			job.ResultKey = types.StringPtr(ev.ResultKey)
		}
		raiseProgress(job, rng.Hi)
		job.Metrics = job.Metrics.Merge(ev.Metrics)

	case types.EventStageFailed:
		if job.Status != ev.Stage.Status() {
			return stale(job, ev)
		}
		msg := ev.Error
		if msg == "" {
			msg = fmt.Sprintf("%s stage failed", ev.Stage)
		}
		job.Status = types.StatusFailed
		job.Error = types.StringPtr(msg)
		job.Metrics = job.Metrics.Merge(ev.Metrics)

	default:
		return fmt.Errorf("%w: unknown event type %q", types.ErrInvalidArgument, ev.Type)
	}

	job.UpdatedAt = now
	return nil
}

// ============================================================================
// 使用者操作
// ============================================================================

// Retry FAILED → PENDING，progress 歸零、清除 error 與 result_key、attempt+1
// metrics 保留（只增不刪）
func Retry(job *types.Job, now time.Time) error {
	if job.Status != types.StatusFailed {
		return fmt.Errorf("%w: retry requires FAILED, job %s is %s", types.ErrInvalidState, job.ID, job.Status)
	}
	job.Status = types.StatusPending
	job.Progress = 0
	job.Error = nil
	job.ResultKey = nil
	job.Attempt++
	job.UpdatedAt = now
	return nil
}

// Cancel 非終態 → CANCELLED，progress 保留最後值
func Cancel(job *types.Job, now time.Time) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", types.ErrInvalidState, job.ID, job.Status)
	}
	job.Status = types.StatusCancelled
	job.UpdatedAt = now
	return nil
}

// Fail 非終態 → FAILED（恢復流程用）
func Fail(job *types.Job, msg string, now time.Time) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", types.ErrInvalidState, job.ID, job.Status)
	}
	job.Status = types.StatusFailed
	job.Error = types.StringPtr(msg)
	job.UpdatedAt = now
	return nil
}

// ============================================================================
// 不變量
// ============================================================================

// Validate 檢查任務不變量：
//   - result_key 存在 ⇔ COMPLETED
//   - error 存在 ⇔ FAILED
//   - COMPLETED 時 progress = 100
//   - progress ∈ [0,100]
func Validate(job *types.Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", job.ID, job.Status)
	}
	if (job.ResultKey != nil) != (job.Status == types.StatusCompleted) {
		return fmt.Errorf("job %s: result_key present=%t with status %s", job.ID, job.ResultKey != nil, job.Status)
	}
	if (job.Error != nil) != (job.Status == types.StatusFailed) {
		return fmt.Errorf("job %s: error present=%t with status %s", job.ID, job.Error != nil, job.Status)
	}
	if job.Progress < 0 || job.Progress > 100 {
		return fmt.Errorf("job %s: progress %d out of range", job.ID, job.Progress)
	}
	if job.Status == types.StatusCompleted && job.Progress != 100 {
		return fmt.Errorf("job %s: completed with progress %d", job.ID, job.Progress)
	}
	return nil
}

func raiseProgress(job *types.Job, p int) {
	if p > job.Progress {
		job.Progress = p
	}
}

func stale(job *types.Job, ev types.Event) error {
	return fmt.Errorf("%w: %s/%s (attempt %d) against job %s in %s (attempt %d)",
		types.ErrStaleCallback, ev.Type, ev.Stage, ev.Attempt, job.ID, job.Status, job.Attempt)
}
