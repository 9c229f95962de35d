// ============================================================================
// Tonebridge Progress Poller - 客戶端進度輪詢
// ============================================================================
//
// Package: internal/poller
// 文件: poller.go
// 功能: 以自適應間隔輪詢任務直到終態，使用者取消時代為送出 Cancel
//
// 輪詢間隔:
//   interval(p) = coarse - (coarse - fine) * p / 100
//   progress 越接近 100 間隔越短
//
// 錯誤處理:
//   - NotFound / InvalidArgument：立即返回，不重試
//   - 其他讀取錯誤：以固定 backoff 重試 max_retries 次，之後返回 ErrPollFailed
//
// 取消:
//   ctx 被使用者取消時，在背景送出 Cancel（以 cancel_timeout 為上限）並立即返回，
//   不等待伺服器確認。Close 等待所有背景 Cancel 結束。
//
// ============================================================================

package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

var log = slog.Default()

// ErrPollFailed 重試用盡後的客戶端錯誤
var ErrPollFailed = errors.New("poll failed")

const (
	DefaultCoarse        = 2 * time.Second
	DefaultFine          = 250 * time.Millisecond
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = 500 * time.Millisecond
	DefaultCancelTimeout = 5 * time.Second
)

// JobClient 輪詢所需的最小介面（gRPC client 與 controller 皆滿足）
type JobClient interface {
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID) (*types.Job, error)
}

// Options 輪詢設定，零值使用預設
type Options struct {
	Coarse        time.Duration // progress 0 時的間隔
	Fine          time.Duration // progress 100 時的間隔
	MaxRetries    int
	RetryBackoff  time.Duration
	CancelTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Coarse <= 0 {
		o.Coarse = DefaultCoarse
	}
	if o.Fine <= 0 {
		o.Fine = DefaultFine
	}
	if o.Fine > o.Coarse {
		o.Fine = o.Coarse
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = DefaultCancelTimeout
	}
	return o
}

// Poller 輪詢器，可同時 Watch 多個任務
type Poller struct {
	client JobClient
	opts   Options
	wg     sync.WaitGroup // 背景 Cancel
}

// New 建立 Poller；MaxRetries 為負數表示不重試
func New(client JobClient, opts Options) *Poller {
	return &Poller{client: client, opts: opts.withDefaults()}
}

// Interval 依 progress 計算下次輪詢的等待時間
func (p *Poller) Interval(progress int) time.Duration {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	span := p.opts.Coarse - p.opts.Fine
	return p.opts.Coarse - span*time.Duration(progress)/100
}

// Watch 輪詢直到任務進入終態
//
// 返回值：
//   - 終態任務與 nil
//   - 最後一次觀察到的任務與 ctx.Err()（使用者取消，已在背景送出 Cancel）
//   - nil/最後觀察值與 ErrPollFailed、ErrNotFound 等錯誤
//
// onUpdate 在狀態或進度改變時呼叫，可為 nil
func (p *Poller) Watch(ctx context.Context, id types.JobID, onUpdate func(*types.Job)) (*types.Job, error) {
	var last *types.Job
	for {
		job, err := p.get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				p.cancelInBackground(id)
				return last, ctx.Err()
			}
			return last, err
		}

		if onUpdate != nil && changed(last, job) {
			onUpdate(job)
		}
		last = job
		if job.Status.IsTerminal() {
			return job, nil
		}

		timer := time.NewTimer(p.Interval(job.Progress))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.cancelInBackground(id)
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

// Close 等待背景 Cancel 結束
func (p *Poller) Close() {
	p.wg.Wait()
}

// get 帶重試的讀取
func (p *Poller) get(ctx context.Context, id types.JobID) (*types.Job, error) {
	for attempt := 0; ; attempt++ {
		job, err := p.client.Get(ctx, id)
		if err == nil {
			return job, nil
		}
		if !transient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= p.opts.MaxRetries {
			return nil, fmt.Errorf("%w: job %s after %d attempts: %w", ErrPollFailed, id, attempt+1, err)
		}
		log.Debug("Poll failed, retrying", "jobID", id, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.RetryBackoff):
		}
	}
}

func (p *Poller) cancelInBackground(id types.JobID) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CancelTimeout)
		defer cancel()
		if _, err := p.client.Cancel(ctx, id); err != nil && !errors.Is(err, types.ErrInvalidState) {
			log.Warn("Background cancel failed", "jobID", id, "error", err)
		}
	}()
}

func transient(err error) bool {
	return !errors.Is(err, types.ErrNotFound) && !errors.Is(err, types.ErrInvalidArgument)
}

func changed(prev, cur *types.Job) bool {
	return prev == nil || prev.Status != cur.Status || prev.Progress != cur.Progress
}
