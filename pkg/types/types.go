// Package types 定義了 tonebridge 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "PENDING"   // 已建立，等待排程
	StatusAnalyzing JobStatus = "ANALYZING" // 特徵分析中
	StatusInverting JobStatus = "INVERTING" // 參數反演中
	StatusRendering JobStatus = "RENDERING" // 渲染輸出中
	StatusCompleted JobStatus = "COMPLETED" // 成功完成（終態）
	StatusFailed    JobStatus = "FAILED"    // 執行失敗（終態，可 retry）
	StatusCancelled JobStatus = "CANCELLED" // 使用者取消（終態）
)

// AllStatuses 依生命週期順序列出所有狀態，統計時用於補零
var AllStatuses = []JobStatus{
	StatusPending,
	StatusAnalyzing,
	StatusInverting,
	StatusRendering,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal 是否為終態
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunning 是否為 pipeline 執行中的狀態
func (s JobStatus) IsRunning() bool {
	return s == StatusAnalyzing || s == StatusInverting || s == StatusRendering
}

// Valid 是否為已知狀態
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus 解析狀態字串（大小寫不敏感）
func ParseStatus(raw string) (JobStatus, error) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, raw)
	}
	return s, nil
}

// Mode 選擇 pipeline 變體
type Mode string

const (
	ModePaired Mode = "PAIRED" // 參考檔與目標檔成對比對
	ModeStyle  Mode = "STYLE"  // 只抽取參考檔風格
)

// ParseMode 解析 mode，接受舊版客戶端使用的 A/B 別名
func ParseMode(raw string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAIRED", "A":
		return ModePaired, nil
	case "STYLE", "B":
		return ModeStyle, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, raw)
}

// Metrics 執行期間累積的時間與品質數據，只增不刪
type Metrics map[string]float64

// Merge 將 other 合併進 m（同名覆寫），回傳合併後的 map
func (m Metrics) Merge(other Metrics) Metrics {
	if len(other) == 0 {
		return m
	}
	if m == nil {
		m = make(Metrics, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Job 任務結構，代表一次完整的音訊風格轉換
type Job struct {
	// 識別（建立後不可變）
	ID     JobID  `json:"id"`
	UserID string `json:"user_id"`
	Mode   Mode   `json:"mode"`
	RefKey string `json:"ref_key"`
	TgtKey string `json:"tgt_key"`

	// Invert 階段的額外選項
	Params map[string]interface{} `json:"params,omitempty"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Attempt  int       `json:"attempt"` // 第幾次執行，retry 時遞增

	// 結果
	ResultKey *string `json:"result_key"` // 僅 COMPLETED 時存在
	Error     *string `json:"error"`      // 僅 FAILED 時存在
	Metrics   Metrics `json:"metrics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 深拷貝，store 與 controller 之間不共享指標
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ResultKey != nil {
		v := *j.ResultKey
		c.ResultKey = &v
	}
	if j.Error != nil {
		v := *j.Error
		c.Error = &v
	}
	if j.Metrics != nil {
		c.Metrics = make(Metrics, len(j.Metrics))
		for k, v := range j.Metrics {
			c.Metrics[k] = v
		}
	}
	if j.Params != nil {
		c.Params = make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// SortValue 回傳指定排序欄位的值
func (j *Job) SortValue(field SortField) time.Time {
	if field == SortByUpdatedAt {
		return j.UpdatedAt
	}
	return j.CreatedAt
}

// SnapshotData 快照資料，用於 memstore 的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 快照涵蓋的最後 WAL 序號
}

// StringPtr 小工具：取字串指標
func StringPtr(s string) *string { return &s }
