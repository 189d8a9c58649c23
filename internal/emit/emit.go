// Package emit stamps orchestration events with monotonic per-session IDs
// and fans them out to the session monitor and, when a client is streaming,
// the stream bus.
package emit

import (
	"context"
	"sync/atomic"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// MonitorSink receives every event for dashboard bookkeeping.
type MonitorSink interface {
	RecordEvent(ctx context.Context, sessionID string, typ models.EventType, data map[string]any)
}

// StreamSink receives stamped events for SSE delivery. Finish marks the end
// of the stream.
type StreamSink interface {
	Publish(ctx context.Context, ev *models.Event)
	Finish()
}

// Emitter sequences one session's events. Emit is safe to call from tool
// executor goroutines; the atomic counter keeps IDs strictly increasing and
// each sink serializes its own delivery.
type Emitter struct {
	sessionID string
	userID    string
	monitor   MonitorSink
	stream    StreamSink
	nextID    atomic.Uint64
}

// New creates an emitter for one session. stream may be nil for unary
// requests; monitor may be nil in tests.
func New(sessionID, userID string, monitor MonitorSink, stream StreamSink) *Emitter {
	return &Emitter{
		sessionID: sessionID,
		userID:    userID,
		monitor:   monitor,
		stream:    stream,
	}
}

// SessionID returns the session this emitter stamps.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

// UserID returns the owning user.
func (e *Emitter) UserID() string {
	return e.userID
}

// Emit builds, stamps and dispatches one event, returning it for callers
// that persist or inspect the payload.
func (e *Emitter) Emit(ctx context.Context, typ models.EventType, data map[string]any) *models.Event {
	ev := models.NewEvent(e.sessionID, typ, data)
	ev.ID = e.nextID.Add(1)

	if e.monitor != nil {
		e.monitor.RecordEvent(ctx, e.sessionID, typ, ev.Data)
	}
	if e.stream != nil {
		e.stream.Publish(ctx, ev)
	}
	return ev
}

// Finish pushes the stream's done sentinel. Calling it without an attached
// stream is a no-op, so every exit path can invoke it unconditionally.
func (e *Emitter) Finish() {
	if e.stream != nil {
		e.stream.Finish()
	}
}
