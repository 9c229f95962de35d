package wal

import "github.com/ChuLiYu/tonebridge/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the records persisted by the memstore write-ahead log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate EventType = "CREATE" // Job record inserted
	EventUpdate EventType = "UPDATE" // Job record replaced (state mutation)
)

// Event represents a WAL event record.
// Each record carries the full job so replay is a sequence of idempotent puts.
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing, survives rotation)
	Type      EventType   `json:"type"`      // Event type
	JobID     types.JobID `json:"job_id"`    // Job ID
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Job       *types.Job  `json:"job"`       // Full job record after the mutation
	Checksum  uint32      `json:"checksum"`  // CRC32 over type, seq and job payload
}

// EventHandler is the function type for processing WAL events during Replay
type EventHandler func(event Event) error
