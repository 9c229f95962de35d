// ============================================================================
// Tonebridge 記憶體 Job Store
// ============================================================================
//
// Package: internal/store/memstore
// 文件: memstore.go
// 功能: 以 map 保存任務記錄；Open() 版本額外掛上 WAL + 快照取得持久性
//
// 持久化流程（Open 時）:
//   1. snapshot.Load()        - 載入最近一次快照（含 LastSeq）
//   2. wal.Replay(LastSeq)    - 重放快照之後的 CREATE/UPDATE 事件
//   3. checkpointLoop         - 定期寫快照並旋轉 WAL
//
// 冪等性保證:
//   - 每個修改先寫 WAL，成功後才改記憶體
//   - WAL 記錄完整任務，重放即覆寫，重複重放結果相同
//
// 並發安全:
//   - sync.RWMutex：List / Get / Count 用讀鎖，Create / Update / checkpoint 用寫鎖
//
// ============================================================================

package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/internal/storage/wal"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

var log = slog.Default()

// Store 記憶體任務表
type Store struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job

	journal *journal // nil 表示純記憶體
}

var _ store.Store = (*Store)(nil)

// New 建立純記憶體 store（測試、demo、store.driver=memory）
func New() *Store {
	return &Store{jobs: make(map[types.JobID]*types.Job)}
}

// Create 寫入新任務
func (s *Store) Create(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", types.ErrInvalidArgument, job.ID)
	}
	c := job.Clone()
	if err := s.journal.append(wal.EventCreate, c); err != nil {
		return err
	}
	s.jobs[c.ID] = c
	return nil
}

// Get 依 id 讀取
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return job.Clone(), nil
}

// Update 覆寫既有任務
func (s *Store) Update(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, job.ID)
	}
	c := job.Clone()
	if err := s.journal.append(wal.EventUpdate, c); err != nil {
		return err
	}
	s.jobs[c.ID] = c
	return nil
}

// List keyset 分頁（全表掃描後排序）
func (s *Store) List(ctx context.Context, q store.Query) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.Page(s.snapshotLocked(), q), nil
}

// CountByStatus 依狀態計數，所有狀態皆有值
func (s *Store) CountByStatus(ctx context.Context, f types.StatsFilter) (map[types.JobStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := store.ZeroCounts()
	for _, j := range s.jobs {
		if f.Matches(j) {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// ListByStatus 依 created_at 遞增列出指定狀態的任務
func (s *Store) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*types.Job
	for _, j := range s.jobs {
		if len(want) == 0 || want[j.Status] {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return store.Less(out[i], out[k], types.SortByCreatedAt, types.OrderAsc) })
	return out, nil
}

// Len 目前任務數（除錯用）
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Close 純記憶體模式下無事可做；持久模式寫最後一次快照並關閉 WAL
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.close(s)
}

func (s *Store) snapshotLocked() []*types.Job {
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
