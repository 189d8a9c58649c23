package models

import "encoding/json"

// ToolCall is one structured call extracted from model output.
// Arguments is always a JSON object after parser normalization.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec describes one callable tool to the model: the prompt composer
// serializes it into the tool protocol block and the dispatcher validates
// arguments against its schema.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ArgsSchema  map[string]any `json:"args_schema,omitempty"`
}

// Observation is the uniform tool outcome injected back into the LLM
// context and serialized after ObservationPrefix.
type Observation struct {
	Tool      string  `json:"tool"`
	OK        bool    `json:"ok"`
	Data      any     `json:"data,omitempty"`
	Error     string  `json:"error,omitempty"`
	Sandbox   bool    `json:"sandbox,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// JSON renders the observation payload appended to ObservationPrefix.
func (o Observation) JSON() string {
	b, err := json.Marshal(o)
	if err != nil {
		return `{"ok":false,"error":"unserializable observation"}`
	}
	return string(b)
}

// ToolLog is one persisted tool invocation row, independent of chat
// history. Used for per-tool analytics and artifact extraction.
type ToolLog struct {
	ID        int64   `json:"id,omitempty"`
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	Tool      string  `json:"tool"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	Args      string  `json:"args"`
	Data      string  `json:"data"`
	Sandbox   bool    `json:"sandbox,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Artifact kinds and actions recorded from file, command, and script tools.
const (
	ArtifactKindFile    = "file"
	ArtifactKindCommand = "command"
	ArtifactKindScript  = "script"
)

// ArtifactRecord is one persisted artifact row used to synthesize the
// artifact index injected into context after compaction.
type ArtifactRecord struct {
	ID        int64          `json:"id,omitempty"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`   // file | command | script
	Action    string         `json:"action"` // read | write | replace | edit | execute | run
	Name      string         `json:"name"`
	OK        bool           `json:"ok"`
	Meta      map[string]any `json:"meta,omitempty"`
	Tool      string         `json:"tool"`
	Timestamp float64        `json:"timestamp"`
}
