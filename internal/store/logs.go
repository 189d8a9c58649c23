package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// AppendToolLog persists one tool invocation row.
func (s *Store) AppendToolLog(ctx context.Context, log *models.ToolLog) error {
	start := time.Now()
	if log.Timestamp == 0 {
		log.Timestamp = nowUnix()
	}
	query := s.rebind(`INSERT INTO tool_logs (user_id, session_id, tool, ok, error, args, data, sandbox, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowContext(ctx, query,
		log.UserID, log.SessionID, log.Tool, log.OK, log.Error,
		log.Args, log.Data, log.Sandbox, log.Timestamp,
	).Scan(&log.ID)
	s.observe("insert", "tool_logs", start, err)
	if err != nil {
		return fmt.Errorf("append tool log: %w", err)
	}
	return nil
}

// AppendArtifact persists one artifact row.
func (s *Store) AppendArtifact(ctx context.Context, rec *models.ArtifactRecord) error {
	start := time.Now()
	if rec.Timestamp == 0 {
		rec.Timestamp = nowUnix()
	}
	metaJSON := ""
	if len(rec.Meta) > 0 {
		b, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("marshal artifact meta: %w", err)
		}
		metaJSON = string(b)
	}
	query := s.rebind(`INSERT INTO artifact_logs (user_id, session_id, kind, action, name, ok, meta, tool, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowContext(ctx, query,
		rec.UserID, rec.SessionID, rec.Kind, rec.Action, rec.Name,
		rec.OK, metaJSON, rec.Tool, rec.Timestamp,
	).Scan(&rec.ID)
	s.observe("insert", "artifact_logs", start, err)
	if err != nil {
		return fmt.Errorf("append artifact row: %w", err)
	}
	return nil
}

// LoadArtifacts returns the most recent artifact rows for the session, in
// insertion order, capped at limit.
func (s *Store) LoadArtifacts(ctx context.Context, userID, sessionID string, limit int) ([]*models.ArtifactRecord, error) {
	start := time.Now()
	const cols = `id, user_id, session_id, kind, action, name, ok, meta, tool, timestamp`
	base := `SELECT ` + cols + ` FROM artifact_logs WHERE user_id = ? AND session_id = ?`
	query := base + ` ORDER BY id ASC`
	args := []any{userID, sessionID}
	if limit > 0 {
		query = `SELECT ` + cols + ` FROM (` + base + ` ORDER BY id DESC LIMIT ?) AS tail ORDER BY id ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	s.observe("select", "artifact_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("load artifact rows: %w", err)
	}
	defer rows.Close()

	var out []*models.ArtifactRecord
	for rows.Next() {
		var rec models.ArtifactRecord
		var metaJSON string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.Kind, &rec.Action,
			&rec.Name, &rec.OK, &metaJSON, &rec.Tool, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &rec.Meta)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact rows: %w", err)
	}
	return out, nil
}

// AppendSystemLog records one service-level log row. created_at keeps an
// RFC 3339 UTC string so operators can read and filter rows directly.
func (s *Store) AppendSystemLog(ctx context.Context, level, component, message string, detail map[string]any) error {
	start := time.Now()
	detailJSON := ""
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal system log detail: %w", err)
		}
		detailJSON = string(b)
	}
	query := s.rebind(`INSERT INTO system_logs (level, component, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, level, component, message, detailJSON,
		time.Now().UTC().Format(time.RFC3339))
	s.observe("insert", "system_logs", start, err)
	if err != nil {
		return fmt.Errorf("append system log: %w", err)
	}
	return nil
}
