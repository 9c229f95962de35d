// ============================================================================
// Tonebridge Job Store - 任務持久化介面
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 定義 Job Store 的抽象，以及各後端共用的查詢描述與排序規則
//
// 後端實作:
//   - memstore: 記憶體 map，可選 WAL + 快照持久化
//   - sqlite:   modernc.org/sqlite（database/sql）
//   - postgres: jackc/pgx/v5 連線池
//
// 排序與分頁:
//   總序為 (sort_key ORDER, id ASC)。
//   Keyset 續接條件：
//     asc:  key > k OR (key = k AND id > id0)
//     desc: key < k OR (key = k AND id > id0)
//   新插入或更新的資料不會位移已發出的 cursor。
//
// 錯誤約定:
//   - 找不到任務          → types.ErrNotFound
//   - 重複 id             → types.ErrInvalidArgument
//   - 後端 I/O / 連線失敗 → types.ErrStoreUnavailable
//
// ============================================================================

package store

import (
	"context"
	"sort"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// Store 任務記錄的單一真實來源
type Store interface {
	// Create 寫入新任務
	Create(ctx context.Context, job *types.Job) error
	// Get 依 id 讀取
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	// Update 以完整記錄覆寫（呼叫端持有 per-job 鎖）
	Update(ctx context.Context, job *types.Job) error
	// List 依 Query 回傳已排序的一頁（最多 Limit 筆）
	List(ctx context.Context, q Query) ([]*types.Job, error)
	// CountByStatus 依狀態聚合計數
	CountByStatus(ctx context.Context, f types.StatsFilter) (map[types.JobStatus]int64, error)
	// ListByStatus 啟動恢復用：列出指定狀態的所有任務，依 created_at 遞增
	ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error)
	// Close 釋放資源
	Close() error
}

// Query 一次 keyset 分頁查詢
type Query struct {
	Filter types.ListFilter
	SortBy types.SortField
	Order  types.SortOrder
	After  *types.Position // nil 表示第一頁
	Limit  int
}

// Less 回傳 a 是否排在 b 之前（總序）
func Less(a, b *types.Job, field types.SortField, order types.SortOrder) bool {
	va, vb := a.SortValue(field), b.SortValue(field)
	if va.Equal(vb) {
		return a.ID < b.ID
	}
	if order == types.OrderAsc {
		return va.Before(vb)
	}
	return va.After(vb)
}

// Page 對記憶體中的候選集合套用過濾、排序、續接與 limit
// 回傳的是 clone，呼叫端可自由修改
func Page(candidates []*types.Job, q Query) []*types.Job {
	out := make([]*types.Job, 0, len(candidates))
	for _, j := range candidates {
		if !q.Filter.Matches(j) {
			continue
		}
		if q.After != nil && !q.After.Follows(j, q.SortBy, q.Order) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return Less(out[i], out[k], q.SortBy, q.Order) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, j := range out {
		out[i] = j.Clone()
	}
	return out
}

// ZeroCounts 建立所有狀態皆為 0 的計數表
func ZeroCounts() map[types.JobStatus]int64 {
	counts := make(map[types.JobStatus]int64, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		counts[s] = 0
	}
	return counts
}
