// Package monitor tracks every session the process has handled: status,
// stage, a bounded ring of recent events, token usage and cancellation
// flags. Records live in one guarded map and are persisted through the
// store on every status change, so the dashboard survives restarts.
package monitor

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Sizing defaults; overridable through Config.
const (
	DefaultEventLimit      = 500
	DefaultPayloadMaxChars = 4000

	// forcedCancelTTL bounds how long a forced-cancel mark outlives its
	// session record: twice the session lock TTL, so any straggling worker
	// still sees the mark while its lock could possibly be alive.
	forcedCancelTTL = 240 * time.Second

	// watchBuffer sizes each live-feed channel. Slow watchers lose events
	// rather than blocking RecordEvent.
	watchBuffer = 64
)

// Persistence is the slice of the storage gateway the monitor needs.
type Persistence interface {
	UpsertMonitorSession(ctx context.Context, sess *models.MonitorSession) error
	ListMonitorSessions(ctx context.Context) ([]*models.MonitorSession, error)
	DeleteMonitorSessionsByUser(ctx context.Context, userID string) (int64, error)
	SweepMonitorSessions(ctx context.Context, cutoff float64) (int64, error)
	PurgeStreamEventsByUser(ctx context.Context, userID string) error
	ReleaseUserLocks(ctx context.Context, userID string) error
}

// Config sizes the per-session event ring and payload hygiene.
type Config struct {
	EventLimit      int
	PayloadMaxChars int
	DropEventTypes  []string
}

// Monitor is the process-wide session registry.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*models.MonitorSession
	forced   map[string]time.Time
	watchers map[int]chan *models.Event
	watchSeq int

	cfg     Config
	drop    map[string]bool
	db      Persistence
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a monitor. db may be nil, which disables persistence (used by
// lightweight tests).
func New(cfg Config, db Persistence, logger *observability.Logger, metrics *observability.Metrics) *Monitor {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = DefaultEventLimit
	}
	if cfg.PayloadMaxChars <= 0 {
		cfg.PayloadMaxChars = DefaultPayloadMaxChars
	}
	drop := make(map[string]bool, len(cfg.DropEventTypes))
	for _, t := range cfg.DropEventTypes {
		drop[t] = true
	}
	return &Monitor{
		sessions: map[string]*models.MonitorSession{},
		forced:   map[string]time.Time{},
		watchers: map[int]chan *models.Event{},
		cfg:      cfg,
		drop:     drop,
		db:       db,
		logger:   logger,
		metrics:  metrics,
	}
}

var (
	defaultMu sync.Mutex
	defaultM  *Monitor
)

// SetDefault installs the process-wide monitor.
func SetDefault(m *Monitor) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultM = m
}

// Default returns the process-wide monitor, or nil before SetDefault.
func Default() *Monitor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultM
}

// TryRegister admits a session into the registry. It fails when the same
// user already owns an active (running or cancelling) record, which backs
// the per-user exclusivity surface. Re-registering an inactive session
// reuses the record and increments its rounds counter.
func (m *Monitor) TryRegister(ctx context.Context, sessionID, userID, question string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gcForcedLocked()

	for id, rec := range m.sessions {
		if id == sessionID {
			continue
		}
		if rec.UserID == userID && !rec.Status.Terminal() {
			return false
		}
	}

	now := nowUnix()
	if rec, ok := m.sessions[sessionID]; ok {
		if !rec.Status.Terminal() {
			// Same session resubmitted while still running.
			return false
		}
		rec.Question = question
		rec.Status = models.StatusRunning
		rec.Stage = string(models.EventReceived)
		rec.Summary = ""
		rec.Rounds++
		rec.CancelRequested = false
		rec.UpdatedTime = now
		rec.EndedTime = 0
	} else {
		m.sessions[sessionID] = &models.MonitorSession{
			SessionID:   sessionID,
			UserID:      userID,
			Question:    question,
			Status:      models.StatusRunning,
			Stage:       string(models.EventReceived),
			Rounds:      1,
			StartTime:   now,
			UpdatedTime: now,
		}
	}
	delete(m.forced, sessionID)

	m.metrics.SessionStarted()
	return true
}

// RecordEvent folds one event into the session record: stage and summary
// derivation for the well-known types, payload sanitation, the drop list
// and the bounded ring. Unknown sessions are ignored.
func (m *Monitor) RecordEvent(ctx context.Context, sessionID string, typ models.EventType, data map[string]any) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	now := nowUnix()
	rec.UpdatedTime = now

	switch typ {
	case models.EventToolCall:
		rec.Stage = string(models.EventToolCall)
		if tool, ok := data["tool"].(string); ok {
			rec.Summary = "call(" + tool + ")"
		}
	case models.EventLLMRequest:
		rec.Stage = string(models.EventLLMRequest)
	case models.EventCompaction:
		rec.Stage = "compacting"
	case models.EventFinal:
		rec.Stage = string(models.EventFinal)
	case models.EventError:
		rec.Stage = string(models.EventError)
		if msg, ok := data["message"].(string); ok {
			rec.Summary = msg
		}
	case models.EventTokenUsage:
		rec.TokenUsage.Add(usageFromData(data))
	case models.EventProgress:
		if stage, ok := data["stage"].(string); ok && stage != "" {
			rec.Stage = stage
		}
	}

	var live *models.Event
	if !m.drop[string(typ)] {
		sanitized := m.sanitize(data)
		rec.Events = append(rec.Events, models.MonitorEvent{
			Timestamp: now,
			Type:      typ,
			Data:      sanitized,
		})
		if over := len(rec.Events) - m.cfg.EventLimit; over > 0 {
			rec.Events = rec.Events[over:]
		}
		live = &models.Event{
			Type:      typ,
			SessionID: sessionID,
			Data:      sanitized,
			Timestamp: time.Now().UTC(),
		}
	}
	m.mu.Unlock()

	if live != nil {
		m.broadcast(live)
	}
}

// Cancel requests cooperative termination: flag plus the cancelling status.
// The owning loop observes the flag at its next checkpoint.
func (m *Monitor) Cancel(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	rec.CancelRequested = true
	rec.Status = models.StatusCancelling
	rec.UpdatedTime = nowUnix()
	snapshot := cloneSession(rec)
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return true
}

// IsCancelled reports whether the session was asked to stop, either through
// its record flag or a forced-cancel mark left by user deletion.
func (m *Monitor) IsCancelled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forced[sessionID]; ok {
		return true
	}
	if rec, ok := m.sessions[sessionID]; ok {
		return rec.CancelRequested
	}
	return false
}

// MarkFinished transitions the session to its finished terminal state.
func (m *Monitor) MarkFinished(ctx context.Context, sessionID string) {
	m.markTerminal(ctx, sessionID, models.StatusFinished, "")
}

// MarkError transitions the session to error with the failure summary.
func (m *Monitor) MarkError(ctx context.Context, sessionID, summary string) {
	m.markTerminal(ctx, sessionID, models.StatusError, summary)
}

// MarkCancelled transitions the session to its cancelled terminal state.
func (m *Monitor) MarkCancelled(ctx context.Context, sessionID string) {
	m.markTerminal(ctx, sessionID, models.StatusCancelled, "")
}

func (m *Monitor) markTerminal(ctx context.Context, sessionID string, status models.SessionStatus, summary string) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.Status.Terminal() {
		// The first terminal transition wins; late markers are dropped.
		m.mu.Unlock()
		return
	}
	now := nowUnix()
	rec.Status = status
	rec.Stage = string(status)
	if summary != "" {
		rec.Summary = summary
	}
	rec.UpdatedTime = now
	rec.EndedTime = now
	snapshot := cloneSession(rec)
	m.mu.Unlock()

	m.metrics.SessionEnded(snapshot.EndedTime - snapshot.StartTime)
	m.persist(ctx, snapshot)
}

// PurgeUserSessions removes every record belonging to the user. Active
// sessions get a forced-cancel mark so in-flight loops terminate even
// though their records are gone, and the deletion cascades to the store.
func (m *Monitor) PurgeUserSessions(ctx context.Context, userID string) int {
	m.mu.Lock()
	n := 0
	now := time.Now()
	for id, rec := range m.sessions {
		if rec.UserID != userID {
			continue
		}
		if !rec.Status.Terminal() {
			m.forced[id] = now
		}
		delete(m.sessions, id)
		n++
	}
	m.gcForcedLocked()
	m.mu.Unlock()

	if m.db != nil {
		if _, err := m.db.DeleteMonitorSessionsByUser(ctx, userID); err != nil {
			m.logger.Warn(ctx, "purge monitor rows failed", "user_id", userID, "error", err)
		}
		if err := m.db.PurgeStreamEventsByUser(ctx, userID); err != nil {
			m.logger.Warn(ctx, "purge stream rows failed", "user_id", userID, "error", err)
		}
		if err := m.db.ReleaseUserLocks(ctx, userID); err != nil {
			m.logger.Warn(ctx, "release user locks failed", "user_id", userID, "error", err)
		}
	}
	return n
}

// Sweep drops terminal records older than maxAge from memory and mirrors
// the cut to the store. Active sessions are never touched. Returns how many
// in-memory records were dropped.
func (m *Monitor) Sweep(ctx context.Context, maxAge time.Duration) int {
	cutoff := nowUnix() - maxAge.Seconds()

	m.mu.Lock()
	dropped := 0
	for id, rec := range m.sessions {
		if rec.Status.Terminal() && rec.UpdatedTime < cutoff {
			delete(m.sessions, id)
			dropped++
		}
	}
	m.gcForcedLocked()
	m.mu.Unlock()

	if m.db != nil {
		if n, err := m.db.SweepMonitorSessions(ctx, cutoff); err != nil {
			m.logger.Warn(ctx, "monitor row sweep failed", "error", err)
		} else if n > 0 {
			m.logger.Debug(ctx, "swept monitor rows", "rows", n)
		}
	}
	if dropped > 0 {
		m.logger.Debug(ctx, "swept monitor records", "count", dropped)
	}
	return dropped
}

// Get returns a copy of one session record.
func (m *Monitor) Get(sessionID string) (*models.MonitorSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return cloneSession(rec), true
}

// List returns copies of all session records, most recently updated first.
func (m *Monitor) List() []*models.MonitorSession {
	m.mu.Lock()
	out := make([]*models.MonitorSession, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, cloneSession(rec))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedTime > out[j].UpdatedTime
	})
	return out
}

// ActiveCount reports how many sessions are not yet terminal.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.sessions {
		if !rec.Status.Terminal() {
			n++
		}
	}
	return n
}

// LoadPersisted restores records from the store. Terminal rows come back
// verbatim; rows that were active when the process died flip to error with
// a restart note, since their loops cannot be resumed.
func (m *Monitor) LoadPersisted(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListMonitorSessions(ctx)
	if err != nil {
		return err
	}

	now := nowUnix()
	var flipped []*models.MonitorSession
	m.mu.Lock()
	for _, rec := range rows {
		if !rec.Status.Terminal() {
			rec.Status = models.StatusError
			rec.Stage = string(models.StatusError)
			rec.Summary = "service restarted"
			rec.UpdatedTime = now
			rec.EndedTime = now
			rec.Events = append(rec.Events, models.MonitorEvent{
				Timestamp: now,
				Type:      models.EventRestart,
				Data:      map[string]any{"message": "service restarted"},
			})
			if over := len(rec.Events) - m.cfg.EventLimit; over > 0 {
				rec.Events = rec.Events[over:]
			}
			flipped = append(flipped, cloneSession(rec))
		}
		m.sessions[rec.SessionID] = rec
	}
	m.mu.Unlock()

	for _, rec := range flipped {
		m.persist(ctx, rec)
	}
	if len(flipped) > 0 {
		m.logger.Warn(ctx, "flipped interrupted sessions to error", "count", len(flipped))
	}
	return nil
}

// Watch registers a live feed of recorded events. The returned cancel func
// must be called when the watcher goes away.
func (m *Monitor) Watch() (<-chan *models.Event, func()) {
	m.mu.Lock()
	m.watchSeq++
	id := m.watchSeq
	ch := make(chan *models.Event, watchBuffer)
	m.watchers[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if got, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(got)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Monitor) broadcast(ev *models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
			// Slow watcher; the ring still has the event.
		}
	}
}

func (m *Monitor) persist(ctx context.Context, rec *models.MonitorSession) {
	if m.db == nil {
		return
	}
	if err := m.db.UpsertMonitorSession(ctx, rec); err != nil {
		m.logger.Warn(ctx, "persist monitor session failed", "session_id", rec.SessionID, "error", err)
	}
}

// sanitize copies the payload, truncating oversized string values so one
// giant tool result cannot bloat the ring or the persisted row.
func (m *Monitor) sanitize(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && len(s) > m.cfg.PayloadMaxChars {
			out[k] = s[:m.cfg.PayloadMaxChars] + "...(truncated)"
			continue
		}
		out[k] = v
	}
	return out
}

func (m *Monitor) gcForcedLocked() {
	cutoff := time.Now().Add(-forcedCancelTTL)
	for id, at := range m.forced {
		if at.Before(cutoff) {
			delete(m.forced, id)
		}
	}
}

func usageFromData(data map[string]any) models.Usage {
	return models.Usage{
		InputTokens:  intFrom(data["input_tokens"]),
		OutputTokens: intFrom(data["output_tokens"]),
		TotalTokens:  intFrom(data["total_tokens"]),
	}
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func cloneSession(rec *models.MonitorSession) *models.MonitorSession {
	clone := *rec
	if len(rec.Events) > 0 {
		clone.Events = append([]models.MonitorEvent(nil), rec.Events...)
	}
	return &clone
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
