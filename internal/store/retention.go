package store

import (
	"context"
	"fmt"
	"time"
)

// SweepRetention deletes rows older than retentionDays across the aging
// tables and returns per-table delete counts. Locks, memory records and
// memory settings are exempt: locks expire on their own TTL and memory is
// user data with its own cap.
func (s *Store) SweepRetention(ctx context.Context, retentionDays int) (map[string]int64, error) {
	if retentionDays <= 0 {
		return nil, nil
	}
	cutoff := nowUnix() - float64(retentionDays)*86400

	counts := make(map[string]int64, 6)
	sweeps := []struct {
		table string
		query string
		args  []any
	}{
		{"chat_history", `DELETE FROM chat_history WHERE timestamp < ?`, []any{cutoff}},
		{"tool_logs", `DELETE FROM tool_logs WHERE timestamp < ?`, []any{cutoff}},
		{"artifact_logs", `DELETE FROM artifact_logs WHERE timestamp < ?`, []any{cutoff}},
		{"monitor_sessions", `DELETE FROM monitor_sessions WHERE updated_time < ?`, []any{cutoff}},
		{"stream_events", `DELETE FROM stream_events WHERE created_time < ?`, []any{cutoff}},
		// created_at is RFC 3339 UTC, so lexicographic comparison matches
		// chronological order.
		{"system_logs", `DELETE FROM system_logs WHERE created_at < ?`, []any{
			time.Unix(int64(cutoff), 0).UTC().Format(time.RFC3339)}},
	}
	for _, sw := range sweeps {
		start := time.Now()
		res, err := s.db.ExecContext(ctx, s.rebind(sw.query), sw.args...)
		s.observe("delete", sw.table, start, err)
		if err != nil {
			return counts, fmt.Errorf("sweep %s: %w", sw.table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			counts[sw.table] = n
		}
	}
	return counts, nil
}
