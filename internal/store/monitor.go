package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

const monitorColumns = `session_id, user_id, question, status, stage, summary, rounds,
	input_tokens, output_tokens, total_tokens, cancel_requested,
	start_time, updated_time, ended_time, events`

// UpsertMonitorSession writes the full monitor snapshot for one session.
// The event ring is serialized as a JSON array.
func (s *Store) UpsertMonitorSession(ctx context.Context, sess *models.MonitorSession) error {
	start := time.Now()
	events := "[]"
	if len(sess.Events) > 0 {
		b, err := json.Marshal(sess.Events)
		if err != nil {
			return fmt.Errorf("marshal monitor events: %w", err)
		}
		events = string(b)
	}
	query := s.rebind(`INSERT INTO monitor_sessions (` + monitorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = excluded.user_id,
			question = excluded.question,
			status = excluded.status,
			stage = excluded.stage,
			summary = excluded.summary,
			rounds = excluded.rounds,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			cancel_requested = excluded.cancel_requested,
			start_time = excluded.start_time,
			updated_time = excluded.updated_time,
			ended_time = excluded.ended_time,
			events = excluded.events`)
	_, err := s.db.ExecContext(ctx, query,
		sess.SessionID, sess.UserID, sess.Question, string(sess.Status), sess.Stage,
		sess.Summary, sess.Rounds,
		sess.TokenUsage.InputTokens, sess.TokenUsage.OutputTokens, sess.TokenUsage.TotalTokens,
		sess.CancelRequested, sess.StartTime, sess.UpdatedTime, sess.EndedTime, events)
	s.observe("upsert", "monitor_sessions", start, err)
	if err != nil {
		return fmt.Errorf("upsert monitor session: %w", err)
	}
	return nil
}

// ListMonitorSessions returns every persisted snapshot, most recently
// updated first.
func (s *Store) ListMonitorSessions(ctx context.Context) ([]*models.MonitorSession, error) {
	start := time.Now()
	query := s.rebind(`SELECT ` + monitorColumns + ` FROM monitor_sessions ORDER BY updated_time DESC`)
	rows, err := s.db.QueryContext(ctx, query)
	s.observe("select", "monitor_sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("list monitor sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.MonitorSession
	for rows.Next() {
		sess, err := scanMonitorSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitor sessions: %w", err)
	}
	return out, nil
}

// DeleteMonitorSession removes one snapshot.
func (s *Store) DeleteMonitorSession(ctx context.Context, sessionID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM monitor_sessions WHERE session_id = ?`), sessionID)
	s.observe("delete", "monitor_sessions", start, err)
	if err != nil {
		return fmt.Errorf("delete monitor session: %w", err)
	}
	return nil
}

// DeleteMonitorSessionsByUser removes every snapshot belonging to a user
// and reports how many rows were deleted.
func (s *Store) DeleteMonitorSessionsByUser(ctx context.Context, userID string) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM monitor_sessions WHERE user_id = ?`), userID)
	s.observe("delete", "monitor_sessions", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete monitor sessions for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SweepMonitorSessions deletes snapshots whose last update is older than
// cutoff (epoch seconds).
func (s *Store) SweepMonitorSessions(ctx context.Context, cutoff float64) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM monitor_sessions WHERE updated_time < ?`), cutoff)
	s.observe("delete", "monitor_sessions", start, err)
	if err != nil {
		return 0, fmt.Errorf("sweep monitor sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func scanMonitorSession(r rowScanner) (*models.MonitorSession, error) {
	var (
		sess   models.MonitorSession
		status string
		events string
	)
	if err := r.Scan(&sess.SessionID, &sess.UserID, &sess.Question, &status, &sess.Stage,
		&sess.Summary, &sess.Rounds,
		&sess.TokenUsage.InputTokens, &sess.TokenUsage.OutputTokens, &sess.TokenUsage.TotalTokens,
		&sess.CancelRequested, &sess.StartTime, &sess.UpdatedTime, &sess.EndedTime, &events); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	if events != "" && events != "[]" {
		_ = json.Unmarshal([]byte(events), &sess.Events)
	}
	return &sess, nil
}
