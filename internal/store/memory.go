package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// SetMemoryEnabled stores the per-user memory switch.
func (s *Store) SetMemoryEnabled(ctx context.Context, userID string, enabled bool) error {
	start := time.Now()
	query := s.rebind(`INSERT INTO memory_settings (user_id, enabled, updated_time) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET enabled = excluded.enabled, updated_time = excluded.updated_time`)
	_, err := s.db.ExecContext(ctx, query, userID, enabled, nowUnix())
	s.observe("upsert", "memory_settings", start, err)
	if err != nil {
		return fmt.Errorf("set memory enabled for %s: %w", userID, err)
	}
	return nil
}

// MemoryEnabled reports the user's memory switch. ok is false when the user
// has never set one, in which case the caller applies the config default.
func (s *Store) MemoryEnabled(ctx context.Context, userID string) (enabled, ok bool, err error) {
	start := time.Now()
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT enabled FROM memory_settings WHERE user_id = ?`), userID,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		s.observe("select", "memory_settings", start, nil)
		return false, false, nil
	}
	s.observe("select", "memory_settings", start, err)
	if err != nil {
		return false, false, fmt.Errorf("get memory enabled for %s: %w", userID, err)
	}
	return enabled, true, nil
}

// UpsertMemoryRecord writes the digest for a (user, session) pair and
// enforces the per-user cap in the same transaction, evicting the least
// recently updated records first.
func (s *Store) UpsertMemoryRecord(ctx context.Context, rec *models.MemoryRecord, maxRecords int) error {
	start := time.Now()
	err := s.upsertMemoryRecord(ctx, rec, maxRecords)
	s.observe("upsert", "memory_records", start, err)
	return err
}

func (s *Store) upsertMemoryRecord(ctx context.Context, rec *models.MemoryRecord, maxRecords int) error {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	now := nowUnix()
	if rec.CreatedTime == 0 {
		rec.CreatedTime = now
	}
	if rec.UpdatedTime == 0 {
		rec.UpdatedTime = now
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO memory_records (user_id, session_id, summary, created_time, updated_time)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, session_id) DO UPDATE SET
				summary = excluded.summary,
				updated_time = excluded.updated_time`),
		rec.UserID, rec.SessionID, rec.Summary, rec.CreatedTime, rec.UpdatedTime); err != nil {
		return fmt.Errorf("upsert memory record: %w", err)
	}

	if maxRecords > 0 {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM memory_records WHERE user_id = ? AND id NOT IN (
				SELECT id FROM memory_records WHERE user_id = ?
				ORDER BY updated_time DESC, id DESC LIMIT ?)`),
			rec.UserID, rec.UserID, maxRecords); err != nil {
			return fmt.Errorf("evict memory records: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory record: %w", err)
	}
	return nil
}

// ListMemoryRecords returns a user's digests, most recently updated first.
func (s *Store) ListMemoryRecords(ctx context.Context, userID string) ([]*models.MemoryRecord, error) {
	start := time.Now()
	query := s.rebind(`SELECT id, user_id, session_id, summary, created_time, updated_time
		FROM memory_records WHERE user_id = ? ORDER BY updated_time DESC, id DESC`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	s.observe("select", "memory_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("list memory records: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryRecord
	for rows.Next() {
		var rec models.MemoryRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.Summary,
			&rec.CreatedTime, &rec.UpdatedTime); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

// DeleteMemoryRecord removes the digest for one (user, session) pair.
func (s *Store) DeleteMemoryRecord(ctx context.Context, userID, sessionID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memory_records WHERE user_id = ? AND session_id = ?`),
		userID, sessionID)
	s.observe("delete", "memory_records", start, err)
	if err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}

// DeleteMemoryRecordsByUser removes all digests for a user.
func (s *Store) DeleteMemoryRecordsByUser(ctx context.Context, userID string) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memory_records WHERE user_id = ?`), userID)
	s.observe("delete", "memory_records", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete memory records for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// MemoryStats reports the record count and total summary size for a user.
func (s *Store) MemoryStats(ctx context.Context, userID string) (*models.MemoryStats, error) {
	start := time.Now()
	stats := &models.MemoryStats{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*), COALESCE(SUM(LENGTH(summary)), 0) FROM memory_records WHERE user_id = ?`),
		userID,
	).Scan(&stats.Records, &stats.Chars)
	s.observe("select", "memory_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("memory stats for %s: %w", userID, err)
	}
	return stats, nil
}

// UpsertMemoryTaskLog writes the task log row for a (user, session) pair.
// Only the most recent task per pair is kept; a newer enqueue replaces the
// previous row entirely.
func (s *Store) UpsertMemoryTaskLog(ctx context.Context, log *models.MemoryTaskLog) error {
	start := time.Now()
	query := s.rebind(`INSERT INTO memory_task_logs (task_id, user_id, session_id, status, error, payload, queued_time, run_time, finish_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			task_id = excluded.task_id,
			status = excluded.status,
			error = excluded.error,
			payload = excluded.payload,
			queued_time = excluded.queued_time,
			run_time = excluded.run_time,
			finish_time = excluded.finish_time`)
	_, err := s.db.ExecContext(ctx, query,
		log.TaskID, log.UserID, log.SessionID, log.Status, log.Error, log.Payload,
		log.QueuedTime, log.RunTime, log.FinishTime)
	s.observe("upsert", "memory_task_logs", start, err)
	if err != nil {
		return fmt.Errorf("upsert memory task log: %w", err)
	}
	return nil
}

// ListMemoryTaskLogs returns task logs, most recently queued first, capped
// at limit when positive.
func (s *Store) ListMemoryTaskLogs(ctx context.Context, limit int) ([]*models.MemoryTaskLog, error) {
	start := time.Now()
	query := `SELECT task_id, user_id, session_id, status, error, payload, queued_time, run_time, finish_time
		FROM memory_task_logs ORDER BY queued_time DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	s.observe("select", "memory_task_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("list memory task logs: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryTaskLog
	for rows.Next() {
		log, err := scanMemoryTaskLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory task log: %w", err)
		}
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory task logs: %w", err)
	}
	return out, nil
}

// GetMemoryTaskLog returns the task log with the given task ID, or nil when
// it has been superseded or never existed.
func (s *Store) GetMemoryTaskLog(ctx context.Context, taskID string) (*models.MemoryTaskLog, error) {
	start := time.Now()
	query := s.rebind(`SELECT task_id, user_id, session_id, status, error, payload, queued_time, run_time, finish_time
		FROM memory_task_logs WHERE task_id = ?`)
	log, err := scanMemoryTaskLog(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		s.observe("select", "memory_task_logs", start, nil)
		return nil, nil
	}
	s.observe("select", "memory_task_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("get memory task log %s: %w", taskID, err)
	}
	return log, nil
}

func scanMemoryTaskLog(r rowScanner) (*models.MemoryTaskLog, error) {
	var log models.MemoryTaskLog
	if err := r.Scan(&log.TaskID, &log.UserID, &log.SessionID, &log.Status, &log.Error,
		&log.Payload, &log.QueuedTime, &log.RunTime, &log.FinishTime); err != nil {
		return nil, err
	}
	return &log, nil
}
