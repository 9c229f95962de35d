package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// Task 代表一次 pipeline 執行
type Task struct {
	Ctx     context.Context // 此輪執行的 context，取消即要求 pipeline 停止
	Job     *types.Job      // 派發當下的任務快照
	Attempt int             // 執行輪次，與 Job.Attempt 相同
}

// Result 代表執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Attempt  int           // 執行輪次
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Runner 實際執行任務的邏輯
type Runner interface {
	Run(ctx context.Context, job *types.Job) error
}

// RunnerFunc 讓普通函式實作 Runner
type RunnerFunc func(ctx context.Context, job *types.Job) error

func (f RunnerFunc) Run(ctx context.Context, job *types.Job) error {
	return f(ctx, job)
}
