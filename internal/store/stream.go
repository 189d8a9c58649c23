package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// InsertStreamEvent spills one overflowed event to the replay table. The
// event ID lives in its own column (the JSON payload never carries it) so
// readers can resume strictly after their last delivered ID.
func (s *Store) InsertStreamEvent(ctx context.Context, userID string, ev *models.Event) error {
	start := time.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	query := s.rebind(`INSERT INTO stream_events (session_id, event_id, user_id, payload, created_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, event_id) DO NOTHING`)
	_, err = s.db.ExecContext(ctx, query, ev.SessionID, int64(ev.ID), userID, string(payload), nowUnix())
	s.observe("insert", "stream_events", start, err)
	if err != nil {
		return fmt.Errorf("insert stream event: %w", err)
	}
	return nil
}

// StreamEventsAfter returns up to limit spilled events with IDs strictly
// greater than after, in ascending ID order.
func (s *Store) StreamEventsAfter(ctx context.Context, sessionID string, after uint64, limit int) ([]*models.Event, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 200
	}
	query := s.rebind(`SELECT event_id, payload FROM stream_events
		WHERE session_id = ? AND event_id > ?
		ORDER BY event_id ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, sessionID, int64(after), limit)
	s.observe("select", "stream_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("load stream events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// Skip rows that no longer decode instead of wedging replay.
			continue
		}
		ev.ID = uint64(id)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream events: %w", err)
	}
	return out, nil
}

// SweepStreamEvents deletes spilled events older than cutoff (epoch seconds)
// and reports how many rows were removed.
func (s *Store) SweepStreamEvents(ctx context.Context, cutoff float64) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM stream_events WHERE created_time < ?`), cutoff)
	s.observe("delete", "stream_events", start, err)
	if err != nil {
		return 0, fmt.Errorf("sweep stream events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// PurgeStreamEventsBySession removes spilled events for one session. Stream
// owners call it when a session opens a fresh stream, since per-stream event
// IDs restart at one and stale rows would otherwise replay into the new run.
func (s *Store) PurgeStreamEventsBySession(ctx context.Context, sessionID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM stream_events WHERE session_id = ?`), sessionID)
	s.observe("delete", "stream_events", start, err)
	if err != nil {
		return fmt.Errorf("purge stream events for session %s: %w", sessionID, err)
	}
	return nil
}

// PurgeStreamEventsByUser removes every spilled event belonging to a user.
func (s *Store) PurgeStreamEventsByUser(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM stream_events WHERE user_id = ?`), userID)
	s.observe("delete", "stream_events", start, err)
	if err != nil {
		return fmt.Errorf("purge stream events for %s: %w", userID, err)
	}
	return nil
}
