// ============================================================================
// Tonebridge Worker Pool - 並發 pipeline 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行（worker.worker_count）
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//   4. Pool 大小與 HTTP/gRPC 請求處理無關
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(buffer, runner) - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果，直到 resultCh 關閉
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成，關閉 resultCh
//
// 並發控制:
//   - mu (RWMutex): Submit 持讀鎖完成發送；Stop 持寫鎖關閉 taskCh，
//     因此不會出現向已關閉 channel 發送
//   - stopCh: 先於寫鎖關閉，喚醒因 taskCh 已滿而阻塞的 Submit
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 stopCh，阻塞中的 Submit 返回 ErrPoolClosed
//   2. 取得寫鎖，標記 stopped 並關閉 taskCh
//   3. Worker 處理完緩衝中的任務後退出（已取消的任務會立即返回）
//   4. WaitGroup.Wait() 等待所有 Worker 完成
//   5. 關閉 resultCh，結果接收端據此結束
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 重複啟動
	ErrPoolStarted = errors.New("pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // Worker 列表
	runner   Runner         // 所有 Worker 共用的執行邏輯
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	stopOnce sync.Once      // 確保 stopCh 只關閉一次
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool           // 是否已啟動
	stopped  bool           // 是否已停止
	mu       sync.RWMutex   // 保護 started / stopped 與 taskCh 的關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - runner: Worker 執行任務時呼叫的邏輯
func NewPool(bufferSize int, runner Runner) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		runner:   runner,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.runner)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	log.Info("Worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務到 Worker Pool
// taskCh 已滿時阻塞，直到有 Worker 空出或 Pool 關閉
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// 只有在 resultCh 關閉（所有 Worker 已退出）後才返回 ErrPoolClosed，
// 保證 Stop 期間完成的任務結果不會遺失
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	log.Info("Worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Pending 緩衝中尚未被 Worker 取走的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
