package types

import (
	"fmt"
	"strings"
	"time"
)

// SortField 列表排序欄位
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByUpdatedAt SortField = "updated_at"
)

// ParseSortField 空字串視為 created_at
func ParseSortField(raw string) (SortField, error) {
	switch SortField(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortByCreatedAt:
		return SortByCreatedAt, nil
	case SortByUpdatedAt:
		return SortByUpdatedAt, nil
	}
	return "", fmt.Errorf("%w: sort_by must be created_at or updated_at", ErrInvalidArgument)
}

// ParseTimestamp 解析 RFC 3339 時間過濾條件，空字串回傳 nil
func ParseTimestamp(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", ErrInvalidArgument, name)
	}
	t = t.UTC()
	return &t, nil
}

// SortOrder 排序方向
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// ParseSortOrder 空字串視為 desc
func ParseSortOrder(raw string) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OrderDesc:
		return OrderDesc, nil
	case OrderAsc:
		return OrderAsc, nil
	}
	return "", fmt.Errorf("%w: order must be asc or desc", ErrInvalidArgument)
}

// ListFilter 列表過濾條件，所有時間邊界皆為開區間
type ListFilter struct {
	UserID        string
	Status        JobStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
}

// Matches 判斷任務是否符合過濾條件
func (f ListFilter) Matches(j *Job) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return inWindow(j.CreatedAt, f.CreatedAfter, f.CreatedBefore) &&
		inWindow(j.UpdatedAt, f.UpdatedAfter, f.UpdatedBefore)
}

// StatsFilter 統計查詢可用的過濾子集
type StatsFilter struct {
	UserID        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Matches 判斷任務是否落在統計範圍內
func (f StatsFilter) Matches(j *Job) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	return inWindow(j.CreatedAt, f.CreatedAfter, f.CreatedBefore)
}

// Position keyset 分頁的續接位置：上一頁最後一筆的排序值與 id
type Position struct {
	Key time.Time
	ID  JobID
}

// Follows 判斷 job 是否排在 pos 之後（tie 時 id 遞增）
func (p Position) Follows(j *Job, field SortField, order SortOrder) bool {
	v := j.SortValue(field)
	if v.Equal(p.Key) {
		return j.ID > p.ID
	}
	if order == OrderAsc {
		return v.After(p.Key)
	}
	return v.Before(p.Key)
}

func inWindow(t time.Time, after, before *time.Time) bool {
	if after != nil && !t.After(*after) {
		return false
	}
	if before != nil && !t.Before(*before) {
		return false
	}
	return true
}
