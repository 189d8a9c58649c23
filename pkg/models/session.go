package models

// SessionStatus is the lifecycle state of a monitored session.
type SessionStatus string

const (
	StatusRunning    SessionStatus = "running"
	StatusCancelling SessionStatus = "cancelling"
	StatusFinished   SessionStatus = "finished"
	StatusError      SessionStatus = "error"
	StatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status ends the session lifecycle.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// MonitorEvent is one entry of a session's bounded event ring.
type MonitorEvent struct {
	Timestamp float64        `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// MonitorSession is the persisted monitor record for one session.
type MonitorSession struct {
	SessionID       string         `json:"session_id"`
	UserID          string         `json:"user_id"`
	Question        string         `json:"question"`
	Status          SessionStatus  `json:"status"`
	Stage           string         `json:"stage"`
	Summary         string         `json:"summary,omitempty"`
	Rounds          int            `json:"rounds"`
	TokenUsage      Usage          `json:"token_usage"`
	CancelRequested bool           `json:"cancel_requested"`
	StartTime       float64        `json:"start_time"`
	UpdatedTime     float64        `json:"updated_time"`
	EndedTime       float64        `json:"ended_time,omitempty"`
	Events          []MonitorEvent `json:"events,omitempty"`
}

// Usage is cumulative token accounting from LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Zero reports whether no tokens were recorded.
func (u Usage) Zero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}
