package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
//   - Type + Seq（十進位）+ Job 的 JSON 編碼
//   - 不包含 Timestamp
//   - CRC32-IEEE
func CalculateChecksum(eventType EventType, seq uint64, job *types.Job) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	if job != nil {
		payload, _ := json.Marshal(job)
		h.Write(payload)
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和，失敗時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.Seq, event.Job)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
