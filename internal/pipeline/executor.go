// ============================================================================
// Tonebridge Pipeline Executor - 三階段音訊 pipeline 執行器
// ============================================================================
//
// Package: internal/pipeline
// 文件: executor.go
// 功能: 為單一任務依序執行 Analyze → Invert → Render，並把進度以事件回報給 controller
//
// 事件流 (每個階段):
//   stage_started → stage_progress* → stage_completed | stage_failed
//   render 的 stage_completed 攜帶 result_key，controller 據此轉為 COMPLETED
//
// 進度:
//   階段只回報 0..100 的階段內百分比，對應到整體區間由 jobmanager 負責
//
// 逾時:
//   每個階段在 stage_timeout 內必須返回；超時的階段被放棄（goroutine 自行結束），
//   以 stage_failed / "stage timeout" 回報
//
// 取消 (協作式):
//   - 階段之間檢查 ctx
//   - 階段內透過 Hooks.Cancelled 詢問
//   - interruptible_render=false 時 Render 不受取消影響，跑完後丟棄輸出
//   - WithShutdown 的 context 結束時所有階段（含 Render）立即放棄
//   - 取消不會產生 stage_failed，CANCELLED 由 controller 決定
//
// 指標:
//   analyze_s / invert_s / render_s / total_s（秒，小數三位），
//   失敗時也會帶上已量到的部分
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/tonebridge/internal/metrics"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

var log = slog.Default()

const (
	DefaultStageTimeout = 10 * time.Minute
	DefaultResultExt    = ".wav"
)

// Config Executor 配置
type Config struct {
	StageTimeout        time.Duration // 單一階段上限，<=0 表示不限
	InterruptibleRender bool          // Render 是否響應取消
	ResultExt           string        // 輸出檔沒有副檔名時使用
}

// Blobs 輸入檔解析與輸出檔匯入
type Blobs interface {
	Path(key string) (string, error)
	Import(key, src string) (string, error)
}

// Emitter 把事件交給 controller；回傳 ErrStaleCallback 表示此輪執行已失效
type Emitter func(ctx context.Context, ev types.Event) error

// Executor 執行 pipeline，本身無狀態，可被多個 worker 共用
type Executor struct {
	stages  Stages
	blobs   Blobs
	cfg     Config
	metrics *metrics.Collector
}

// NewExecutor 建立 Executor；m 可為 nil
func NewExecutor(cfg Config, stages Stages, blobs Blobs, m *metrics.Collector) *Executor {
	if cfg.ResultExt == "" {
		cfg.ResultExt = DefaultResultExt
	}
	return &Executor{stages: stages, blobs: blobs, cfg: cfg, metrics: m}
}

// ResultKey 輸出檔在 blob 儲存區的 key
func ResultKey(id types.JobID, ext string) string {
	return "processed/" + string(id) + ext
}

type stageOutput struct {
	Metrics   types.Metrics
	ResultKey string
}

type stageFunc func(ctx context.Context, h Hooks) (stageOutput, error)

// run 單次執行的狀態，只在 Execute 的 goroutine 上修改 metrics
type run struct {
	ex      *Executor
	job     *types.Job
	emit    Emitter
	emitCtx context.Context
	metrics types.Metrics
	start   time.Time
	stale   atomic.Bool
}

// Execute 執行 job 的完整 pipeline
//
// 回傳值：
//   - nil: render 完成且 stage_completed 已被接受
//   - *StageError: 某階段失敗（已回報 stage_failed）
//   - context.Canceled: 被取消
//   - ErrStaleCallback: controller 拒絕了此輪事件
func (e *Executor) Execute(ctx context.Context, job *types.Job, emit Emitter) error {
	ctx = WithJob(ctx, job)
	r := &run{
		ex:      e,
		job:     job,
		emit:    emit,
		emitCtx: context.WithoutCancel(ctx),
		metrics: types.Metrics{},
		start:   time.Now(),
	}

	refPath, tgtPath, pathErr := e.paths(job)

	var features Features
	err := r.stage(ctx, types.StageAnalyze, func(sctx context.Context, h Hooks) (stageOutput, error) {
		if pathErr != nil {
			return stageOutput{}, pathErr
		}
		f, err := e.stages.Analyzer.Analyze(sctx, refPath, tgtPath, h)
		features = f
		return stageOutput{}, err
	})
	if err != nil {
		return err
	}

	var style StyleParams
	err = r.stage(ctx, types.StageInvert, func(sctx context.Context, h Hooks) (stageOutput, error) {
		p, err := e.stages.Inverter.Invert(sctx, features, job.Mode, job.Params, h)
		style = p
		return stageOutput{}, err
	})
	if err != nil {
		return err
	}

	return r.stage(ctx, types.StageRender, func(sctx context.Context, h Hooks) (stageOutput, error) {
		out, err := e.stages.Renderer.Render(sctx, tgtPath, style, h)
		if err != nil {
			return stageOutput{Metrics: out.Metrics}, err
		}
		if ctx.Err() != nil {
			// 不可中斷的 render 跑完了，但任務已被取消
			_ = os.Remove(out.OutputPath)
			return stageOutput{}, ErrCancelled
		}
		ext := filepath.Ext(out.OutputPath)
		if ext == "" {
			ext = e.cfg.ResultExt
		}
		key, err := e.blobs.Import(ResultKey(job.ID, ext), out.OutputPath)
		if err != nil {
			return stageOutput{Metrics: out.Metrics}, fmt.Errorf("store result: %w", err)
		}
		return stageOutput{Metrics: out.Metrics, ResultKey: key}, nil
	})
}

func (e *Executor) paths(job *types.Job) (string, string, error) {
	refPath, err := e.blobs.Path(job.RefKey)
	if err != nil {
		return "", "", fmt.Errorf("resolve ref_key: %w", err)
	}
	tgtPath, err := e.blobs.Path(job.TgtKey)
	if err != nil {
		return "", "", fmt.Errorf("resolve tgt_key: %w", err)
	}
	return refPath, tgtPath, nil
}

// stage 執行單一階段並回報事件
func (r *run) stage(ctx context.Context, stage types.Stage, fn stageFunc) error {
	if err := r.stopped(ctx); err != nil {
		return err
	}
	if err := r.send(types.Event{Type: types.EventStageStarted, Stage: stage}); err != nil {
		return err
	}

	interruptible := stage != types.StageRender || r.ex.cfg.InterruptibleRender
	base := ctx
	if !interruptible {
		base = context.WithoutCancel(ctx)
	}
	stageCtx, cancel := withTimeout(base, r.ex.cfg.StageTimeout)
	defer cancel()
	if !interruptible {
		if shutdown := shutdownFrom(ctx); shutdown != nil {
			stop := context.AfterFunc(shutdown, cancel)
			defer stop()
		}
	}

	var finished atomic.Bool
	hooks := Hooks{
		Progress: func(pct int) {
			if finished.Load() || r.stale.Load() {
				return
			}
			_ = r.send(types.Event{Type: types.EventStageProgress, Stage: stage, Progress: clamp(pct)})
		},
		Cancelled: func() bool {
			if !interruptible {
				return false
			}
			return r.stale.Load() || ctx.Err() != nil
		},
	}

	type outcome struct {
		out stageOutput
		err error
	}
	done := make(chan outcome, 1)
	began := time.Now()
	go func() {
		out, err := fn(stageCtx, hooks)
		done <- outcome{out, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-stageCtx.Done():
		select {
		case res = <-done:
		default:
			res.err = stageCtx.Err()
		}
	}
	finished.Store(true)
	elapsed := time.Since(began)
	r.metrics[string(stage)+"_s"] = seconds(elapsed)

	if res.err == nil {
		r.metrics.Merge(res.out.Metrics)
		ev := types.Event{Type: types.EventStageCompleted, Stage: stage}
		if stage == types.StageRender {
			r.metrics["total_s"] = seconds(time.Since(r.start))
			ev.ResultKey = res.out.ResultKey
		}
		ev.Metrics = r.snapshot()
		r.ex.metrics.ObserveStage(string(stage), "ok", elapsed)
		if err := r.send(ev); err != nil {
			return err
		}
		log.Debug("Stage completed", "jobID", r.job.ID, "stage", stage, "duration", elapsed)
		return nil
	}

	if r.stale.Load() {
		return r.stopped(ctx)
	}
	if ctx.Err() != nil {
		r.ex.metrics.ObserveStage(string(stage), "cancelled", elapsed)
		log.Info("Stage cancelled", "jobID", r.job.ID, "stage", stage)
		return ctx.Err()
	}

	outcomeLabel := "failed"
	msg := message(stage, res.err)
	if errors.Is(res.err, context.DeadlineExceeded) && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		outcomeLabel = "timeout"
		msg = ErrStageTimeout.Error()
		res.err = ErrStageTimeout
	} else {
		r.metrics.Merge(res.out.Metrics)
	}
	r.metrics["total_s"] = seconds(time.Since(r.start))
	r.ex.metrics.ObserveStage(string(stage), outcomeLabel, elapsed)

	log.Warn("Stage failed", "jobID", r.job.ID, "stage", stage, "error", msg)
	if err := r.send(types.Event{
		Type:    types.EventStageFailed,
		Stage:   stage,
		Error:   msg,
		Metrics: r.snapshot(),
	}); err != nil {
		return err
	}
	return &StageError{Stage: stage, Message: msg, Err: res.err}
}

func (r *run) send(ev types.Event) error {
	ev.JobID = r.job.ID
	ev.Attempt = r.job.Attempt
	err := r.emit(r.emitCtx, ev)
	if errors.Is(err, types.ErrStaleCallback) {
		r.stale.Store(true)
	}
	return err
}

// stopped 階段開始前的檢查點
func (r *run) stopped(ctx context.Context) error {
	if r.stale.Load() {
		return fmt.Errorf("%w: job %s attempt %d", types.ErrStaleCallback, r.job.ID, r.job.Attempt)
	}
	return ctx.Err()
}

func (r *run) snapshot() types.Metrics {
	out := make(types.Metrics, len(r.metrics))
	for k, v := range r.metrics {
		out[k] = v
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
