package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// scanLog 掃描整個 WAL
//
// 回傳：
//   - last: 最後一筆可解析的事件（檔案為空時為 nil）
//   - end:  last 結尾的位元組位移
//   - torn: 尾端是否殘留寫到一半的記錄
func scanLog(path string) (last *Event, end int64, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return last, end, true, nil
			}
			var seq uint64
			if last != nil {
				seq = last.Seq
			}
			return last, end, false, &CorruptionError{Seq: seq, Offset: decoder.InputOffset(), Cause: err}
		}
		e := event
		last = &e
		end = decoder.InputOffset()
	}
	return last, end, false, nil
}

// GetLastEvent 從 WAL 檔案讀取最後一個可解析的事件
// 檔案為空回傳 (nil, nil)；尾端被截斷的記錄會被忽略
func GetLastEvent(path string) (*Event, error) {
	last, _, _, err := scanLog(path)
	return last, err
}

// CountEvents 計算 WAL 中可解析的事件總數（除錯與監控）
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	n := 0
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return n, err
		}
		n++
	}
	return n, nil
}
