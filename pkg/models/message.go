package models

import "strings"

// Message roles stored in chat history and sent to the LLM.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ObservationPrefix marks tool results injected back into the LLM context.
// The prefix keeps observations distinguishable from genuine user input.
const ObservationPrefix = "tool_response: "

// ContentPart is one element of a multi-part message body, used for
// vision-capable models. Type is "text" or "image_url".
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ChatMessage is one turn in the LLM context window.
//
// Content carries plain text. Parts, when non-empty, carries a multi-part
// body and takes precedence over Content. Reasoning holds the model's
// reasoning trace when the provider returns one. Timestamp mirrors the
// persisted chat row's timestamp so compaction can record how far it
// summarized; it is never serialized to providers.
type ChatMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Parts     []ContentPart `json:"parts,omitempty"`
	Reasoning string        `json:"reasoning_content,omitempty"`
	Timestamp float64       `json:"-"`
}

// IsObservation reports whether the message is a tool observation that was
// converted to a user turn for the model.
func (m ChatMessage) IsObservation() bool {
	return m.Role == RoleUser && strings.HasPrefix(m.Content, ObservationPrefix)
}

// ChatRecord is one persisted chat history row.
//
// Timestamps are seconds since the Unix epoch. Meta carries structured
// markers such as {"type": "compaction_summary", "compacted_until_ts": ...}
// or {"type": "system_prompt", "language": ...}.
type ChatRecord struct {
	ID        int64          `json:"id,omitempty"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning_content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// Meta keys and values recognized on chat records.
const (
	MetaTypeKey           = "type"
	MetaTypeCompaction    = "compaction_summary"
	MetaTypeSystemPrompt  = "system_prompt"
	MetaCompactedUntilKey = "compacted_until_ts"
	MetaLanguageKey       = "language"
)

// MetaType returns the record's meta "type" value, or "".
func (r ChatRecord) MetaType() string {
	if r.Meta == nil {
		return ""
	}
	if v, ok := r.Meta[MetaTypeKey].(string); ok {
		return v
	}
	return ""
}

// CompactedUntil returns the compaction boundary timestamp carried by a
// compaction-summary record, or 0 when absent.
func (r ChatRecord) CompactedUntil() float64 {
	if r.Meta == nil {
		return 0
	}
	switch v := r.Meta[MetaCompactedUntilKey].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Attachment is a request-supplied file or image passed through to the
// model untouched. Content is the raw payload, base64 for binary data.
type Attachment struct {
	Type     string `json:"type"` // "file" or "image"
	Name     string `json:"name"`
	Content  string `json:"content"`
	MimeType string `json:"mime_type,omitempty"`
}
