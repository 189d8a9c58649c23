package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of orchestration event.
type EventType string

// Event types emitted by the engine. The values are part of the wire
// contract: SSE clients and the monitor dashboard match on them literally.
const (
	EventReceived       EventType = "received"
	EventProgress       EventType = "progress"
	EventRoundStart     EventType = "round_start"
	EventLLMRequest     EventType = "llm_request"
	EventLLMOutputDelta EventType = "llm_output_delta"
	EventLLMOutput      EventType = "llm_output"
	EventLLMResponse    EventType = "llm_response"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventTokenUsage     EventType = "token_usage"
	EventCompaction     EventType = "compaction"
	EventA2UI           EventType = "a2ui"
	EventFinal          EventType = "final"
	EventError          EventType = "error"
	EventCancel         EventType = "cancel"
	EventCancelled      EventType = "cancelled"
	EventFinished       EventType = "finished"
	EventLLMStreamRetry EventType = "llm_stream_retry"
	EventRestart        EventType = "restart"
)

// Event is a single orchestration event for one session.
//
// ID is monotonic per stream session. It is never serialized into the JSON
// payload: SSE transports carry it on the `id:` line, and the monitor keeps
// it alongside the record.
type Event struct {
	ID        uint64         `json:"-"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(sessionID string, typ EventType, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Type:      typ,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// MarshalPayload renders the SSE `data:` payload for the event.
func (e *Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e)
}
