// ============================================================================
// Tonebridge Stats Cache - 狀態計數快取
// ============================================================================
//
// Package: internal/statscache
// 文件: statscache.go
// 功能: 以短 TTL 快取 CountByStatus 的結果，降低高頻輪詢對 store 的讀取放大
//
// 快取鍵:
//   v1:{scope}:{created_after}:{created_before}
//   scope = "all"（不限使用者）或 "user=<query-escaped user_id>"
//   時間以 Unix 微秒表示，缺省為 "-"
//
// 讀取流程 (read-through):
//   1. 命中且未過期 → 直接回傳（不碰 store）
//   2. 未命中 → singleflight 合併同鍵的並發載入 → CountByStatus → 補零
//   3. 載入期間若發生 Invalidate（epoch 改變）→ 結果只回傳，不寫入快取
//
// 失效策略:
//   Invalidate(userID) 保守地刪除該使用者的所有條目與所有全域條目，
//   以擴大失效範圍換取正確性的簡單。
//
// ============================================================================

package statscache

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/tonebridge/internal/metrics"
	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const (
	keyVersion  = "v1"
	globalScope = "all"

	DefaultTTL  = 5 * time.Second
	DefaultSize = 1024
)

// Counts 各狀態的任務數，七個狀態皆有值
type Counts map[types.JobStatus]int64

// Loader 快取未命中時的資料來源
type Loader interface {
	CountByStatus(ctx context.Context, f types.StatsFilter) (map[types.JobStatus]int64, error)
}

// Options 快取設定
type Options struct {
	TTL  time.Duration
	Size int
}

// Cache 狀態計數的 read-through 快取
type Cache struct {
	loader  Loader
	entries *expirable.LRU[string, Counts]
	group   singleflight.Group
	metrics *metrics.Collector

	mu    sync.Mutex
	epoch uint64 // 每次 Invalidate 遞增
}

// New 建立快取；m 可為 nil
func New(loader Loader, opts Options, m *metrics.Collector) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	return &Cache{
		loader:  loader,
		entries: expirable.NewLRU[string, Counts](opts.Size, nil, opts.TTL),
		metrics: m,
	}
}

// Key 回傳過濾條件對應的快取鍵
func Key(f types.StatsFilter) string {
	return scopePrefix(f.UserID) + stamp(f.CreatedAfter) + ":" + stamp(f.CreatedBefore)
}

// Get 回傳符合過濾條件的計數
func (c *Cache) Get(ctx context.Context, f types.StatsFilter) (Counts, error) {
	key := Key(f)
	if counts, ok := c.entries.Get(key); ok {
		c.metrics.RecordCacheHit()
		return counts.clone(), nil
	}
	c.metrics.RecordCacheMiss()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	// epoch 也放進 flight key：失效後的呼叫不會搭上失效前開始的載入
	flight := key + "#" + strconv.FormatUint(epoch, 10)
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		raw, err := c.loader.CountByStatus(ctx, f)
		if err != nil {
			return nil, err
		}
		counts := fill(raw)

		c.mu.Lock()
		if c.epoch == epoch {
			c.entries.Add(key, counts)
		}
		c.mu.Unlock()
		return counts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Counts).clone(), nil
}

// Invalidate 刪除 userID 的條目以及所有全域條目
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	global := scopePrefix("")
	scoped := ""
	if userID != "" {
		scoped = scopePrefix(userID)
	}
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, global) || (scoped != "" && strings.HasPrefix(key, scoped)) {
			c.entries.Remove(key)
		}
	}
}

// Len 目前快取條目數（含未清除的過期條目）
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c Counts) clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func fill(raw map[types.JobStatus]int64) Counts {
	counts := Counts(store.ZeroCounts())
	for status, n := range raw {
		if status.Valid() {
			counts[status] = n
		}
	}
	return counts
}

func scopePrefix(userID string) string {
	if userID == "" {
		return keyVersion + ":" + globalScope + ":"
	}
	return keyVersion + ":user=" + url.QueryEscape(userID) + ":"
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}
