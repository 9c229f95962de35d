package types

import "errors"

// 錯誤分類。各層以 fmt.Errorf("%w: ...") 包裝，邊界處用 errors.Is 判斷。
var (
	// ErrInvalidArgument 請求格式錯誤（mode、空 key、limit、cursor 不相容）
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState 目前狀態不允許此操作（非 FAILED 的 retry、終態的 cancel）
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound 任務不存在
	ErrNotFound = errors.New("job not found")

	// ErrStaleCallback executor 回報的事件與任務目前狀態不一致，記錄後丟棄
	ErrStaleCallback = errors.New("stale callback")

	// ErrStoreUnavailable 後端儲存讀寫失敗，呼叫端可重試
	ErrStoreUnavailable = errors.New("store unavailable")
)
