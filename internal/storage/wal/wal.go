package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務記錄到日誌檔案（append-only，先寫日誌再改記憶體）
// 2. 提供重放功能以恢復 memstore 狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性（CRC32）
// 5. 批次模式下背景每 FlushInterval 把緩衝落盤，已確認的寫入不會卡在記憶體
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

var log = slog.Default()

// Options WAL 行為設定
type Options struct {
	SyncOnAppend  bool          // 每次追加都 flush + fsync
	BufferSize    int           // 批次模式下累積多少筆才 flush
	FlushInterval time.Duration // 批次模式下距上次 flush 超過此時間即 flush
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	seq    uint64 // 最後配發的事件序號
	opts   Options
	closed bool

	pending       int // 已寫入 bufio 但尚未 fsync 的事件數
	lastFlushTime time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	flushWg  sync.WaitGroup
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
  - 如果檔案不存在，建立新檔案，seq 從 0 開始
  - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
  - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, end, torn, err := scanLog(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		if last != nil {
			seq = last.Seq
		}
		// 崩潰時寫到一半的尾端記錄直接截掉，新記錄才不會黏在殘片後面
		if torn {
			if err := file.Truncate(end); err != nil {
				file.Close()
				return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
			}
			if end > 0 {
				if _, err := file.Write([]byte{'\n'}); err != nil {
					file.Close()
					return nil, err
				}
			}
		}
	}

	w := &WAL{
		file:          file,
		writer:        bufio.NewWriter(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		lastFlushTime: time.Now(),
		stopCh:        make(chan struct{}),
	}
	if !opts.SyncOnAppend {
		w.flushWg.Add(1)
		go w.flushLoop()
	}
	return w, nil
}

// Append 追加一筆任務記錄
//
// 行為：
//   - 自動遞增 seq 並計算 checksum
//   - SyncOnAppend 時立即 fsync；否則累積 BufferSize 筆或由背景 flushLoop 在 FlushInterval 內 fsync
func (w *WAL) Append(eventType EventType, job *types.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	seq := w.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Job:       job,
		Checksum:  CalculateChecksum(eventType, seq, job),
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("wal: encode seq=%d: %w", seq, err)
	}
	if _, err := w.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	w.seq = seq
	w.pending++

	if w.opts.SyncOnAppend || w.pending >= w.opts.BufferSize || time.Since(w.lastFlushTime) > w.opts.FlushInterval {
		return w.flushLocked()
	}
	return nil
}

// Replay 重放 seq > afterSeq 的所有事件
//
// 行為：
//   - 驗證每個事件的 checksum，不符回傳 *ChecksumError
//   - 檔案尾端被截斷的記錄（崩潰時寫到一半）視為不存在
//   - 其餘解析錯誤回傳 *CorruptionError
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastGood uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return &CorruptionError{Seq: lastGood, Offset: decoder.InputOffset(), Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		lastGood = event.Seq
		if event.Seq <= afterSeq {
			continue
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 清空日誌（呼叫前已寫好涵蓋目前 seq 的快照）
// seq 不歸零，快照的 LastSeq 與後續事件才能對得上
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.lastFlushTime = time.Now()
	return nil
}

// EnsureSeq 確保下一個配發的 seq 大於 min
// 旋轉後重啟時 WAL 為空，需以快照的 LastSeq 接續編號
func (w *WAL) EnsureSeq(min uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < min {
		w.seq = min
	}
}

// Flush 立即把緩衝寫入並 fsync
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close 關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.flushWg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLoop 批次模式的背景 flush
func (w *WAL) flushLoop() {
	defer w.flushWg.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil && !errors.Is(err, ErrWALClosed) {
				log.Error("WAL background flush failed", "path", w.path, "error", err)
			}
		}
	}
}

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if w.pending == 0 {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	w.pending = 0
	w.lastFlushTime = time.Now()
	return nil
}
