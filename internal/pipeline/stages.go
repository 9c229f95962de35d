package pipeline

import (
	"context"
	"errors"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// Features Analyze 階段輸出，內容對 orchestrator 不透明
type Features map[string]float64

// StyleParams Invert 階段輸出的風格參數
type StyleParams map[string]float64

// RenderOutput Render 階段輸出：本地檔案路徑與品質指標
type RenderOutput struct {
	OutputPath string
	Metrics    types.Metrics
}

// Hooks 階段內可選的回呼
type Hooks struct {
	// Progress 回報階段內百分比 [0,100]
	Progress func(pct int)
	// Cancelled 回傳 true 時階段應盡快返回
	Cancelled func() bool
}

// Analyzer 特徵分析
type Analyzer interface {
	Analyze(ctx context.Context, refPath, tgtPath string, h Hooks) (Features, error)
}

// Inverter 參數反演；params 為任務附帶的選項
type Inverter interface {
	Invert(ctx context.Context, f Features, mode types.Mode, params map[string]interface{}, h Hooks) (StyleParams, error)
}

// Renderer 依風格參數渲染目標檔
type Renderer interface {
	Render(ctx context.Context, tgtPath string, p StyleParams, h Hooks) (RenderOutput, error)
}

// Stages 三個外部協作者
type Stages struct {
	Analyzer Analyzer
	Inverter Inverter
	Renderer Renderer
}

var (
	// ErrStageTimeout 階段超過 stage_timeout
	ErrStageTimeout = errors.New("stage timeout")
	// ErrCancelled 階段觀察到取消訊號而提前返回
	ErrCancelled = errors.New("stage cancelled")
)

// StageError 階段失敗，Message 寫入 Job.error
type StageError struct {
	Stage   types.Stage
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Stage) + " failed"
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fail 建立 StageError，外部階段實作可直接回傳
func Fail(stage types.Stage, msg string) error {
	return &StageError{Stage: stage, Message: msg}
}

// message 取出要寫入任務的錯誤訊息
func message(stage types.Stage, err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Error()
	}
	if errors.Is(err, ErrStageTimeout) {
		return ErrStageTimeout.Error()
	}
	return err.Error()
}

type jobKey struct{}

// WithJob 把任務快照放進 context，供需要讀取任務選項的階段使用
func WithJob(ctx context.Context, job *types.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext 取出 WithJob 放入的任務，可能為 nil
func JobFromContext(ctx context.Context) *types.Job {
	job, _ := ctx.Value(jobKey{}).(*types.Job)
	return job
}

type shutdownKey struct{}

// WithShutdown 附上行程關閉訊號；不可中斷的 render 忽略一般取消，但 shutdown 結束時一定停止
func WithShutdown(ctx, shutdown context.Context) context.Context {
	return context.WithValue(ctx, shutdownKey{}, shutdown)
}

func shutdownFrom(ctx context.Context) context.Context {
	s, _ := ctx.Value(shutdownKey{}).(context.Context)
	return s
}
