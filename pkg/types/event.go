package types

// Stage pipeline 的三個固定階段
type Stage string

const (
	StageAnalyze Stage = "analyze"
	StageInvert  Stage = "invert"
	StageRender  Stage = "render"
)

// Stages 執行順序
var Stages = []Stage{StageAnalyze, StageInvert, StageRender}

// Status 階段執行中對應的任務狀態
func (s Stage) Status() JobStatus {
	switch s {
	case StageAnalyze:
		return StatusAnalyzing
	case StageInvert:
		return StatusInverting
	case StageRender:
		return StatusRendering
	}
	return ""
}

// EntryStatus 進入此階段前任務必須處於的狀態
func (s Stage) EntryStatus() JobStatus {
	switch s {
	case StageAnalyze:
		return StatusPending
	case StageInvert:
		return StatusAnalyzing
	case StageRender:
		return StatusInverting
	}
	return ""
}

// EventType executor 回報給 controller 的事件種類
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
)

// Event executor 送往 controller 單一寫入者轉移函式的訊息
type Event struct {
	JobID     JobID
	Attempt   int // 所屬執行輪次，舊輪次的事件一律視為 stale
	Type      EventType
	Stage     Stage
	Progress  int     // stage_progress：階段內百分比 [0,100]
	Metrics   Metrics // 附帶的時間/品質數據
	Error     string  // stage_failed：錯誤訊息
	ResultKey string  // render 的 stage_completed：輸出檔 key
}
