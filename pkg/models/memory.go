// Package models defines the core data types shared across the engine.
package models

// MemoryRecord is one long-term-memory digest for a (user, session) pair.
// At most one record exists per pair; per-user count is capped and evicted
// LRU by UpdatedTime.
type MemoryRecord struct {
	ID          int64   `json:"id,omitempty"`
	UserID      string  `json:"user_id"`
	SessionID   string  `json:"session_id"`
	Summary     string  `json:"summary"`
	CreatedTime float64 `json:"created_time"`
	UpdatedTime float64 `json:"updated_time"`
}

// Memory task lifecycle states.
const (
	MemoryTaskQueued  = "queued"
	MemoryTaskRunning = "running"
	MemoryTaskDone    = "done"
	MemoryTaskFailed  = "failed"
)

// MemoryTaskLog tracks one summarization task from enqueue to completion.
// Payload snapshots the request messages handed to the summarizer.
type MemoryTaskLog struct {
	TaskID     string  `json:"task_id"`
	UserID     string  `json:"user_id"`
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	Payload    string  `json:"payload,omitempty"`
	QueuedTime float64 `json:"queued_time"`
	RunTime    float64 `json:"run_time,omitempty"`
	FinishTime float64 `json:"finish_time,omitempty"`
}

// MemoryStats summarizes one user's memory storage.
type MemoryStats struct {
	UserID  string `json:"user_id"`
	Records int    `json:"records"`
	Chars   int    `json:"chars"`
}
