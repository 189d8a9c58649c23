package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatRecordMetaType(t *testing.T) {
	rec := ChatRecord{Meta: map[string]any{MetaTypeKey: MetaTypeCompaction}}
	if got := rec.MetaType(); got != MetaTypeCompaction {
		t.Errorf("MetaType() = %q, want %q", got, MetaTypeCompaction)
	}

	if got := (ChatRecord{}).MetaType(); got != "" {
		t.Errorf("MetaType() on bare record = %q, want empty", got)
	}
	rec = ChatRecord{Meta: map[string]any{MetaTypeKey: 42}}
	if got := rec.MetaType(); got != "" {
		t.Errorf("MetaType() with non-string value = %q, want empty", got)
	}
}

func TestChatRecordCompactedUntil(t *testing.T) {
	cases := []struct {
		name string
		meta map[string]any
		want float64
	}{
		{"float64", map[string]any{MetaCompactedUntilKey: 12.5}, 12.5},
		{"int", map[string]any{MetaCompactedUntilKey: 12}, 12},
		{"absent", map[string]any{}, 0},
		{"nil meta", nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ChatRecord{Meta: tc.meta}
			if got := rec.CompactedUntil(); got != tc.want {
				t.Errorf("CompactedUntil() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestChatMessageIsObservation(t *testing.T) {
	obs := ChatMessage{Role: RoleUser, Content: ObservationPrefix + `{"tool":"x","ok":true}`}
	if !obs.IsObservation() {
		t.Error("prefixed user message should be an observation")
	}

	plain := ChatMessage{Role: RoleUser, Content: "tool_response looks like this"}
	if plain.IsObservation() {
		t.Error("message without the exact prefix is not an observation")
	}
	assistant := ChatMessage{Role: RoleAssistant, Content: ObservationPrefix + "x"}
	if assistant.IsObservation() {
		t.Error("assistant message is never an observation")
	}
}

func TestUsageAddAndZero(t *testing.T) {
	var u Usage
	if !u.Zero() {
		t.Error("fresh usage should be zero")
	}
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	u.Add(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	if u.InputTokens != 11 || u.OutputTokens != 7 || u.TotalTokens != 18 {
		t.Errorf("accumulated usage = %+v", u)
	}
	if u.Zero() {
		t.Error("non-empty usage reported zero")
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	terminal := []SessionStatus{StatusFinished, StatusError, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []SessionStatus{StatusRunning, StatusCancelling} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestEventPayloadOmitsID(t *testing.T) {
	ev := NewEvent("sess-1", EventProgress, map[string]any{"stage": "llm_call"})
	ev.ID = 42

	payload, err := ev.MarshalPayload()
	if err != nil {
		t.Fatalf("MarshalPayload() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	// The event ID travels on the SSE id: line, never inside the payload.
	if _, present := decoded["ID"]; present {
		t.Error("payload carries ID field")
	}
	if _, present := decoded["id"]; present {
		t.Error("payload carries id field")
	}
	if decoded["type"] != string(EventProgress) {
		t.Errorf("type = %v, want %q", decoded["type"], EventProgress)
	}
	if decoded["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", decoded["session_id"])
	}
}

func TestNewEventFillsData(t *testing.T) {
	ev := NewEvent("sess-1", EventFinished, nil)
	if ev.Data == nil {
		t.Fatal("NewEvent left Data nil")
	}
	if ev.Timestamp.IsZero() {
		t.Error("NewEvent left Timestamp zero")
	}
}

func TestObservationJSON(t *testing.T) {
	obs := Observation{Tool: "read_file", OK: true, Data: map[string]any{"size": 12}, Timestamp: 100}
	raw := obs.JSON()
	var decoded Observation
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", err)
	}
	if decoded.Tool != "read_file" || !decoded.OK {
		t.Errorf("round trip = %+v", decoded)
	}

	// Unserializable payloads collapse to the error form instead of panicking.
	bad := Observation{Tool: "x", OK: true, Data: make(chan int)}
	if got := bad.JSON(); !strings.Contains(got, "unserializable") {
		t.Errorf("JSON() on unserializable data = %q", got)
	}
}
