package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// Dialect SQL 後端之間的差異
type Dialect struct {
	// Placeholder 第 n 個參數（1 起算）的佔位符
	Placeholder func(n int) string
	// Time 將時間轉成該後端儲存的參數值
	Time func(t time.Time) interface{}
}

// SQLQuery 組好的查詢與參數
type SQLQuery struct {
	Where string
	Order string
	Args  []interface{}
}

type builder struct {
	d     Dialect
	conds []string
	args  []interface{}
}

func (b *builder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) add(cond string) { b.conds = append(b.conds, cond) }

func (b *builder) window(col string, after, before *time.Time) {
	if after != nil {
		b.add(fmt.Sprintf("%s > %s", col, b.arg(b.d.Time(*after))))
	}
	if before != nil {
		b.add(fmt.Sprintf("%s < %s", col, b.arg(b.d.Time(*before))))
	}
}

func (b *builder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// BuildList 產生 keyset 列表查詢的 WHERE / ORDER BY / LIMIT 片段
// sort 欄位名稱來自白名單，不會拼入使用者輸入
func BuildList(q Query, d Dialect) SQLQuery {
	b := &builder{d: d}
	f := q.Filter
	if f.UserID != "" {
		b.add("user_id = " + b.arg(f.UserID))
	}
	if f.Status != "" {
		b.add("status = " + b.arg(string(f.Status)))
	}
	b.window("created_at", f.CreatedAfter, f.CreatedBefore)
	b.window("updated_at", f.UpdatedAfter, f.UpdatedBefore)

	col := "created_at"
	if q.SortBy == types.SortByUpdatedAt {
		col = "updated_at"
	}
	dir, cmp := "DESC", "<"
	if q.Order == types.OrderAsc {
		dir, cmp = "ASC", ">"
	}

	if q.After != nil {
		k1 := b.arg(d.Time(q.After.Key))
		k2 := b.arg(d.Time(q.After.Key))
		id := b.arg(string(q.After.ID))
		b.add(fmt.Sprintf("(%s %s %s OR (%s = %s AND id > %s))", col, cmp, k1, col, k2, id))
	}

	order := fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
	if q.Limit > 0 {
		order += " LIMIT " + b.arg(q.Limit)
	}
	return SQLQuery{Where: b.where(), Order: order, Args: b.args}
}

// BuildStats 產生 CountByStatus 的 WHERE 片段
func BuildStats(f types.StatsFilter, d Dialect) SQLQuery {
	b := &builder{d: d}
	if f.UserID != "" {
		b.add("user_id = " + b.arg(f.UserID))
	}
	b.window("created_at", f.CreatedAfter, f.CreatedBefore)
	return SQLQuery{Where: b.where(), Args: b.args}
}

// BuildStatusIn 產生 status IN (...) 片段
func BuildStatusIn(statuses []types.JobStatus, d Dialect) SQLQuery {
	b := &builder{d: d}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = b.arg(string(s))
		}
		b.add("status IN (" + strings.Join(ph, ", ") + ")")
	}
	return SQLQuery{Where: b.where(), Order: " ORDER BY created_at ASC, id ASC", Args: b.args}
}
