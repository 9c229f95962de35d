// ============================================================================
// Tonebridge 控制器 - 任務編排核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 任務的單一寫入者，協調 Store、Stats Cache、Executor 與 Worker Pool
//
// 架構設計:
//   所有對任務記錄的修改都經過 Controller：
//   - API 操作：Submit / Retry / Cancel
//   - Executor 回報：HandleEvent（stage_started / progress / completed / failed）
//   - 恢復與兜底：Start 時的 recovery、resultLoop 的 orphan 失敗處理
//   每個修改都在該任務的 keyed mutex 下完成：讀取 → jobmanager 轉移 → 寫回 Store
//   → 失效 Stats Cache。不同任務互不阻塞。
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 取出 FIFO 隊列中的 job id，建立執行 context 交給 Worker Pool
//   2. Result Loop   - 接收 Worker 結果，清除 running 標記，喚醒 dispatch
//
// 執行輪次 (run):
//   running map 記錄每個任務目前唯一的執行 {attempt, cancel}。
//   - 同一任務的前一輪尚未結束時，dispatch 保留該 id 等下一輪
//   - Cancel 標記 run 為 cancelled 並取消其 context
//   - HandleEvent 只接受 active 且未取消的 run 的事件，其餘視為 stale
//
// 恢復流程（Start）:
//   1. ANALYZING / INVERTING / RENDERING 的任務：上一個行程已死 → FAILED
//   2. PENDING 的任務依 created_at 遞增重新排隊
//   3. 啟動 Worker Pool 與循環
//
// 優雅關閉（Stop）:
//   1. 關閉 stopCh，dispatch 不再派送新任務；尚未開始的 run 立即取消
//   2. 等待執行中的 run 完成，直到 ctx 到期
//   3. 取消 baseCtx（連不可中斷的 render 也會放棄），關閉 Worker Pool，等待循環退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/tonebridge/internal/cursor"
	"github.com/ChuLiYu/tonebridge/internal/jobmanager"
	"github.com/ChuLiYu/tonebridge/internal/metrics"
	"github.com/ChuLiYu/tonebridge/internal/pipeline"
	"github.com/ChuLiYu/tonebridge/internal/statscache"
	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/internal/worker"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

var log = slog.Default()

// RecoveryErrorMessage 重啟時被中斷任務的錯誤訊息
const RecoveryErrorMessage = "interrupted by orchestrator restart"

const (
	DefaultWorkerCount  = 4
	DefaultQueueSize    = 64
	DefaultListLimit    = 20
	DefaultMaxListLimit = 100

	// dispatch 的保底輪詢間隔，處理 Store 暫時不可用時留在隊列中的任務
	sweepInterval = 500 * time.Millisecond
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount  int // Worker 數量
	QueueSize    int // Worker Pool 任務通道緩衝
	MaxListLimit int // List 單頁上限
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxListLimit <= 0 {
		c.MaxListLimit = DefaultMaxListLimit
	}
	return c
}

// Executor 執行單一任務的 pipeline（*pipeline.Executor）
type Executor interface {
	Execute(ctx context.Context, job *types.Job, emit pipeline.Emitter) error
}

// ListRequest 一次列表查詢
type ListRequest struct {
	Filter types.ListFilter
	SortBy types.SortField
	Order  types.SortOrder
	Limit  int
	Cursor string
}

// ListResult 一頁結果；NextCursor 為空表示沒有下一頁
type ListResult struct {
	Items      []*types.Job
	NextCursor string
}

// Status 運行狀態摘要
type Status struct {
	Uptime   time.Duration
	Started  bool // Worker Pool 已啟動
	Workers  int
	Queued   int // dispatch 隊列中
	Buffered int // 已交給 Pool、尚未被 Worker 取走
	Running  int
}

// run 任務目前的一輪執行
type run struct {
	attempt   int
	cancel    context.CancelFunc
	started   bool // Worker 已開始執行
	cancelled bool // 已被 Cancel
}

// Controller 任務編排器
type Controller struct {
	store   store.Store
	stats   *statscache.Cache
	exec    Executor
	pool    *worker.Pool
	metrics *metrics.Collector
	config  Config
	locks   *keyLock

	newID func() types.JobID
	now   func() time.Time

	mu      sync.Mutex // 保護 running / queue / queued / stopped
	running map[types.JobID]*run
	queue   []types.JobID
	queued  map[types.JobID]bool
	wakeCh  chan struct{}

	baseCtx    context.Context // 所有 run context 的父 context，Stop 逾時後取消
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	stopped    bool
	startTime  time.Time
	loopWg     sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller
// stats 為 nil 時以預設選項建立；m 為 nil 時不記錄指標
func New(config Config, st store.Store, stats *statscache.Cache, exec Executor, m *metrics.Collector) *Controller {
	config = config.withDefaults()
	if stats == nil {
		stats = statscache.New(st, statscache.Options{}, m)
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      st,
		stats:      stats,
		exec:       exec,
		metrics:    m,
		config:     config,
		locks:      newKeyLock(),
		newID:      func() types.JobID { return types.JobID(uuid.NewString()) },
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		running:    make(map[types.JobID]*run),
		queued:     make(map[types.JobID]bool),
		wakeCh:     make(chan struct{}, 1),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		stopCh:     make(chan struct{}),
	}
	c.pool = worker.NewPool(config.QueueSize, worker.RunnerFunc(c.runJob))
	return c
}

// Start 執行恢復並啟動 Worker Pool 與循環
func (c *Controller) Start(ctx context.Context) error {
	c.startTime = time.Now()

	log.Info("Starting recovery...")
	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	c.metrics.SetRecoveryTime(time.Since(c.startTime))

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(2)
	go c.dispatchLoop()
	go c.resultLoop()
	c.wake()

	log.Info("Controller started", "workers", c.config.WorkerCount)
	return nil
}

// recover 處理上一個行程遺留的任務
func (c *Controller) recover(ctx context.Context) error {
	interrupted, err := c.store.ListByStatus(ctx, types.StatusAnalyzing, types.StatusInverting, types.StatusRendering)
	if err != nil {
		return err
	}
	failed := 0
	for _, job := range interrupted {
		if err := c.failInterrupted(ctx, job.ID); err != nil {
			return err
		}
		failed++
	}

	pending, err := c.store.ListByStatus(ctx, types.StatusPending)
	if err != nil {
		return err
	}
	for _, job := range pending {
		c.enqueue(job.ID)
	}

	c.metrics.RecordRecovered("failed", failed)
	c.metrics.RecordRecovered("requeued", len(pending))
	log.Info("Recovery completed",
		"duration", time.Since(c.startTime),
		"failed_jobs", failed,
		"requeued_jobs", len(pending))
	return nil
}

func (c *Controller) failInterrupted(ctx context.Context, id types.JobID) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsRunning() {
		return nil
	}
	if err := jobmanager.Fail(job, RecoveryErrorMessage, c.now()); err != nil {
		return err
	}
	return c.persist(ctx, job, true)
}

// Stop 停止派送，等待執行中的任務到 ctx 到期，然後取消其餘並關閉 Pool
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	// 還在 Pool 緩衝中的任務不再開始，留在 PENDING 等下次啟動
	for _, r := range c.running {
		if !r.started {
			r.cancel()
		}
	}
	c.mu.Unlock()

	log.Info("Stopping controller...")

	var err error
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
wait:
	for c.startedCount() > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			log.Warn("Shutdown grace period expired, cancelling running jobs", "running", c.startedCount())
			break wait
		case <-ticker.C:
		}
	}

	c.baseCancel()
	c.pool.Stop()
	c.loopWg.Wait()

	log.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return err
}

// ============================================================================
// API 操作
// ============================================================================

// Submit 驗證並建立 PENDING 任務，排入 dispatch 隊列後立即返回
func (c *Controller) Submit(ctx context.Context, req jobmanager.SubmitRequest) (*types.Job, error) {
	job, err := jobmanager.NewJob(req, c.newID(), c.now())
	if err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, job); err != nil {
		return nil, err
	}
	c.stats.Invalidate(job.UserID)
	c.metrics.RecordSubmit()
	c.metrics.RecordTransition(string(job.Status))
	c.enqueue(job.ID)

	log.Info("Job submitted", "jobID", job.ID, "userID", job.UserID, "mode", job.Mode)
	return job, nil
}

// Get 讀取單一任務
func (c *Controller) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.store.Get(ctx, id)
}

// List keyset 分頁列表
func (c *Controller) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", types.ErrInvalidArgument)
	}
	limit := req.Limit
	if limit > c.config.MaxListLimit {
		limit = c.config.MaxListLimit
	}
	sortBy, order := req.SortBy, req.Order
	if sortBy == "" {
		sortBy = types.SortByCreatedAt
	}
	if order == "" {
		order = types.OrderDesc
	}

	q := store.Query{Filter: req.Filter, SortBy: sortBy, Order: order, Limit: limit + 1}
	if req.Cursor != "" {
		pos, err := cursor.Decode(req.Cursor, sortBy, order)
		if err != nil {
			return nil, err
		}
		q.After = &pos
	}

	rows, err := c.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	res := &ListResult{Items: rows}
	if len(rows) > limit {
		res.Items = rows[:limit]
		last := res.Items[limit-1]
		res.NextCursor = cursor.Encode(sortBy, order, types.Position{Key: last.SortValue(sortBy), ID: last.ID})
	}
	return res, nil
}

// Stats 依狀態計數（經 Stats Cache）
func (c *Controller) Stats(ctx context.Context, f types.StatsFilter) (statscache.Counts, error) {
	return c.stats.Get(ctx, f)
}

// Retry FAILED → PENDING 並重新排隊
func (c *Controller) Retry(ctx context.Context, id types.JobID) (*types.Job, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := jobmanager.Retry(job, c.now()); err != nil {
		return nil, err
	}
	if err := c.persist(ctx, job, true); err != nil {
		return nil, err
	}
	c.enqueue(id)

	log.Info("Job retried", "jobID", id, "attempt", job.Attempt)
	return job, nil
}

// Cancel 任一非終態 → CANCELLED，並取消執行中的 run
func (c *Controller) Cancel(ctx context.Context, id types.JobID) (*types.Job, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := jobmanager.Cancel(job, c.now()); err != nil {
		return nil, err
	}
	if err := c.persist(ctx, job, true); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if r, ok := c.running[id]; ok && r.attempt == job.Attempt {
		r.cancelled = true
		r.cancel()
	}
	c.mu.Unlock()

	log.Info("Job cancelled", "jobID", id)
	return job, nil
}

// HandleEvent Executor 回報的唯一入口（pipeline.Emitter）
// 事件不屬於目前 active 的 run 或與任務狀態不符時回傳 ErrStaleCallback
func (c *Controller) HandleEvent(ctx context.Context, ev types.Event) error {
	unlock := c.locks.Lock(ev.JobID)
	defer unlock()

	if !c.isActive(ev.JobID, ev.Attempt) {
		return c.stale(ev, "no active run")
	}

	job, err := c.store.Get(ctx, ev.JobID)
	if err != nil {
		return err
	}
	prev := job.Status
	if err := jobmanager.Apply(job, ev, c.now()); err != nil {
		if errors.Is(err, types.ErrStaleCallback) {
			return c.stale(ev, err.Error())
		}
		return err
	}
	if err := c.persist(ctx, job, job.Status != prev); err != nil {
		return err
	}
	if job.Status != prev {
		log.Info("Job transitioned", "jobID", job.ID, "from", prev, "to", job.Status, "progress", job.Progress)
	}
	return nil
}

// Status 運行狀態摘要
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Started:  c.pool.IsStarted(),
		Workers:  c.pool.GetWorkerCount(),
		Queued:   len(c.queue),
		Buffered: c.pool.Pending(),
		Running:  len(c.running),
	}
	if !c.startTime.IsZero() {
		s.Uptime = time.Since(c.startTime)
	}
	return s
}

// ============================================================================
// 兩個核心循環
// ============================================================================

// dispatchLoop 將隊列中的任務交給 Worker Pool
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-c.wakeCh:
		case <-ticker.C:
		}

		for {
			select {
			case <-c.stopCh:
				log.Info("Dispatch loop stopped")
				return
			default:
			}
			id, ok := c.nextDispatchable()
			if !ok || !c.dispatch(id) {
				break
			}
		}
	}
}

// nextDispatchable 取出第一個沒有 active run 的 id
func (c *Controller) nextDispatchable() (types.JobID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.queue {
		if _, busy := c.running[id]; busy {
			continue
		}
		c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
		delete(c.queued, id)
		return id, true
	}
	return "", false
}

// dispatch 回傳 false 表示本輪應暫停（Store 不可用或 Pool 已關閉）
func (c *Controller) dispatch(id types.JobID) bool {
	unlock := c.locks.Lock(id)
	job, err := c.store.Get(context.Background(), id)
	if err != nil {
		unlock()
		if errors.Is(err, types.ErrNotFound) {
			return true
		}
		log.Error("Failed to load job for dispatch, will retry", "jobID", id, "error", err)
		c.requeue(id)
		return false
	}
	if job.Status != types.StatusPending {
		unlock()
		return true
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.running[id] = &run{attempt: job.Attempt, cancel: cancel}
	c.updateQueueStatsLocked()
	c.mu.Unlock()
	unlock()

	taskCtx := pipeline.WithShutdown(runCtx, c.baseCtx)
	if err := c.pool.Submit(worker.Task{Ctx: taskCtx, Job: job, Attempt: job.Attempt}); err != nil {
		c.mu.Lock()
		if r, ok := c.running[id]; ok && r.attempt == job.Attempt {
			delete(c.running, id)
		}
		c.updateQueueStatsLocked()
		c.mu.Unlock()
		cancel()
		log.Warn("Failed to submit job to worker pool", "jobID", id, "error", err)
		return false
	}
	log.Debug("Job dispatched", "jobID", id, "attempt", job.Attempt)
	return true
}

// resultLoop 收集 Worker 結果直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		res, err := c.pool.ReceiveResult()
		if err != nil {
			log.Info("Result loop stopped")
			return
		}
		c.handleResult(res)
	}
}

func (c *Controller) handleResult(res worker.Result) {
	c.mu.Lock()
	r, ok := c.running[res.JobID]
	if ok && r.attempt == res.Attempt {
		delete(c.running, res.JobID)
	}
	c.updateQueueStatsLocked()
	c.mu.Unlock()
	if ok {
		r.cancel()
	}

	if res.Success {
		log.Info("Job run finished", "jobID", res.JobID, "attempt", res.Attempt, "duration", res.Duration)
	} else if !ok || !r.cancelled {
		c.settleAbandoned(res)
	}
	c.wake()
}

// settleAbandoned 執行異常結束（panic、Store 寫入失敗）且任務仍停在該輪次時標記 FAILED
// 取消、stale 與已回報的階段失敗都已在 HandleEvent 中落地
func (c *Controller) settleAbandoned(res worker.Result) {
	var se *pipeline.StageError
	switch {
	case res.Error == nil,
		errors.Is(res.Error, context.Canceled),
		errors.Is(res.Error, types.ErrStaleCallback),
		errors.Is(res.Error, pipeline.ErrCancelled),
		errors.As(res.Error, &se):
		log.Info("Job run ended", "jobID", res.JobID, "attempt", res.Attempt, "reason", res.Error)
		return
	}

	unlock := c.locks.Lock(res.JobID)
	defer unlock()

	ctx := context.Background()
	job, err := c.store.Get(ctx, res.JobID)
	if err != nil {
		log.Error("Failed to load job after abnormal run", "jobID", res.JobID, "error", err)
		return
	}
	if job.Status.IsTerminal() || job.Attempt != res.Attempt {
		return
	}
	if err := jobmanager.Fail(job, res.Error.Error(), c.now()); err != nil {
		log.Error("Failed to fail job after abnormal run", "jobID", res.JobID, "error", err)
		return
	}
	if err := c.persist(ctx, job, true); err != nil {
		log.Error("Failed to persist failed job", "jobID", res.JobID, "error", err)
		return
	}
	log.Warn("Job failed after abnormal run", "jobID", res.JobID, "error", res.Error)
}

// ============================================================================
// 內部工具
// ============================================================================

// runJob Worker 執行的邏輯
func (c *Controller) runJob(ctx context.Context, job *types.Job) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return context.Canceled
	}
	if r, ok := c.running[job.ID]; ok && r.attempt == job.Attempt {
		r.started = true
	}
	c.mu.Unlock()
	return c.exec.Execute(ctx, job, c.HandleEvent)
}

// persist 寫回 Store；transitioned 時失效統計並記錄指標
func (c *Controller) persist(ctx context.Context, job *types.Job, transitioned bool) error {
	if err := c.store.Update(ctx, job); err != nil {
		return err
	}
	if transitioned {
		c.stats.Invalidate(job.UserID)
		c.metrics.RecordTransition(string(job.Status))
	}
	return nil
}

func (c *Controller) isActive(id types.JobID, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.running[id]
	return ok && r.attempt == attempt && !r.cancelled
}

func (c *Controller) stale(ev types.Event, reason string) error {
	c.metrics.RecordStale()
	log.Debug("Dropping stale callback",
		"jobID", ev.JobID, "attempt", ev.Attempt, "type", ev.Type, "stage", ev.Stage, "reason", reason)
	return fmt.Errorf("%w: %s", types.ErrStaleCallback, reason)
}

func (c *Controller) enqueue(id types.JobID) {
	c.mu.Lock()
	if !c.queued[id] {
		c.queued[id] = true
		c.queue = append(c.queue, id)
	}
	c.updateQueueStatsLocked()
	c.mu.Unlock()
	c.wake()
}

// requeue 放回隊尾，等下一次 sweep
func (c *Controller) requeue(id types.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.queued[id] {
		c.queued[id] = true
		c.queue = append(c.queue, id)
	}
}

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// startedCount 已被 Worker 開始執行且尚未回報結果的 run 數
func (c *Controller) startedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.running {
		if r.started {
			n++
		}
	}
	return n
}

func (c *Controller) updateQueueStatsLocked() {
	c.metrics.UpdateQueueStats(len(c.queue), len(c.running))
}
