package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

const chatColumns = `id, user_id, session_id, role, content, reasoning, meta, timestamp`

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// AppendChat persists one chat row and fills in its assigned ID. A zero
// timestamp is stamped with the current time.
func (s *Store) AppendChat(ctx context.Context, rec *models.ChatRecord) error {
	start := time.Now()
	if rec.Timestamp == 0 {
		rec.Timestamp = nowUnix()
	}
	metaJSON := ""
	if len(rec.Meta) > 0 {
		b, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("marshal chat meta: %w", err)
		}
		metaJSON = string(b)
	}
	query := s.rebind(`INSERT INTO chat_history (user_id, session_id, role, content, reasoning, meta, meta_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowContext(ctx, query,
		rec.UserID, rec.SessionID, rec.Role, rec.Content, rec.Reasoning,
		metaJSON, rec.MetaType(), rec.Timestamp,
	).Scan(&rec.ID)
	s.observe("insert", "chat_history", start, err)
	if err != nil {
		return fmt.Errorf("append chat row: %w", err)
	}
	return nil
}

// LoadChat returns rows for the session in insertion order. A positive limit
// keeps only the most recent rows (the tail), still ascending.
func (s *Store) LoadChat(ctx context.Context, userID, sessionID string, limit int) ([]*models.ChatRecord, error) {
	start := time.Now()
	base := `SELECT ` + chatColumns + ` FROM chat_history WHERE user_id = ? AND session_id = ?`
	query := base + ` ORDER BY id ASC`
	args := []any{userID, sessionID}
	if limit > 0 {
		query = `SELECT ` + chatColumns + ` FROM (` + base + ` ORDER BY id DESC LIMIT ?) AS tail ORDER BY id ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	s.observe("select", "chat_history", start, err)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatRecord
	for rows.Next() {
		rec, err := scanChatRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// LatestSystemPrompt returns the most recent persisted system prompt row for
// the session, or nil when none exists.
func (s *Store) LatestSystemPrompt(ctx context.Context, userID, sessionID string) (*models.ChatRecord, error) {
	start := time.Now()
	query := s.rebind(`SELECT ` + chatColumns + ` FROM chat_history
		WHERE user_id = ? AND session_id = ? AND meta_type = ?
		ORDER BY id DESC LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query, userID, sessionID, models.MetaTypeSystemPrompt)
	rec, err := scanChatRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.observe("select", "chat_history", start, nil)
		return nil, nil
	}
	s.observe("select", "chat_history", start, err)
	if err != nil {
		return nil, fmt.Errorf("load system prompt row: %w", err)
	}
	return rec, nil
}

// LatestCompactionSummary returns the most recent compaction summary row for
// the session, or nil when the session has never been compacted.
func (s *Store) LatestCompactionSummary(ctx context.Context, userID, sessionID string) (*models.ChatRecord, error) {
	start := time.Now()
	query := s.rebind(`SELECT ` + chatColumns + ` FROM chat_history
		WHERE user_id = ? AND session_id = ? AND meta_type = ?
		ORDER BY id DESC LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query, userID, sessionID, models.MetaTypeCompaction)
	rec, err := scanChatRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.observe("select", "chat_history", start, nil)
		return nil, nil
	}
	s.observe("select", "chat_history", start, err)
	if err != nil {
		return nil, fmt.Errorf("load compaction summary row: %w", err)
	}
	return rec, nil
}

// CountChat reports how many rows the session has accumulated.
func (s *Store) CountChat(ctx context.Context, userID, sessionID string) (int, error) {
	start := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM chat_history WHERE user_id = ? AND session_id = ?`),
		userID, sessionID,
	).Scan(&n)
	s.observe("select", "chat_history", start, err)
	if err != nil {
		return 0, fmt.Errorf("count chat rows: %w", err)
	}
	return n, nil
}

func scanChatRecord(r rowScanner) (*models.ChatRecord, error) {
	var rec models.ChatRecord
	var metaJSON string
	if err := r.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.Role, &rec.Content,
		&rec.Reasoning, &metaJSON, &rec.Timestamp); err != nil {
		return nil, err
	}
	if metaJSON != "" {
		// A corrupt meta blob must not make history unloadable.
		_ = json.Unmarshal([]byte(metaJSON), &rec.Meta)
	}
	return &rec, nil
}
