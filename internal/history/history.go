// Package history prepares the LLM context window from persisted chat rows:
// loading and filtering past turns, synthesizing the artifact index, and
// compacting oversized conversations into summaries.
package history

import (
	"context"
	"io"
	"strings"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Store is the slice of the workspace manager the history package reads and
// writes.
type Store interface {
	LoadHistory(ctx context.Context, userID, sessionID string, maxItems int) ([]*models.ChatRecord, error)
	AppendChat(ctx context.Context, rec *models.ChatRecord) error
	LatestCompactionSummary(ctx context.Context, userID, sessionID string) (*models.ChatRecord, error)
	LoadArtifactLogs(ctx context.Context, userID, sessionID string, limit int) ([]*models.ArtifactRecord, error)
}

// Manager loads conversation context for the reason-act loop.
type Manager struct {
	store  Store
	logger *observability.Logger
}

// NewManager wires a history manager over the workspace store.
func NewManager(store Store, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &Manager{store: store, logger: logger}
}

// LoadContext rebuilds the message window for a session.
//
// System rows are dropped (the live system prompt is composed fresh each
// request). Rows at or before the latest compaction boundary are cut. Tool
// rows become user turns carrying the observation prefix so the model sees
// them the same way it did originally. The latest compaction summary and the
// artifact index, when present, are prepended as system messages.
func (m *Manager) LoadContext(ctx context.Context, userID, sessionID string, maxItems int) ([]models.ChatMessage, error) {
	rows, err := m.store.LoadHistory(ctx, userID, sessionID, maxItems)
	if err != nil {
		return nil, err
	}

	rows = cutAtCompaction(rows)

	msgs := make([]models.ChatMessage, 0, len(rows)+2)
	for _, rec := range rows {
		switch rec.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			content := rec.Content
			if !strings.HasPrefix(content, models.ObservationPrefix) {
				content = models.ObservationPrefix + content
			}
			msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: content, Timestamp: rec.Timestamp})
		case models.RoleAssistant:
			msgs = append(msgs, models.ChatMessage{
				Role:      models.RoleAssistant,
				Content:   rec.Content,
				Reasoning: rec.Reasoning,
				Timestamp: rec.Timestamp,
			})
		default:
			msgs = append(msgs, models.ChatMessage{Role: rec.Role, Content: rec.Content, Timestamp: rec.Timestamp})
		}
	}

	var prefix []models.ChatMessage
	summary, err := m.store.LatestCompactionSummary(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if summary != nil && strings.TrimSpace(summary.Content) != "" {
		prefix = append(prefix, models.ChatMessage{
			Role:      models.RoleSystem,
			Content:   summary.Content,
			Timestamp: summary.Timestamp,
		})
	}
	index, err := m.ArtifactIndex(ctx, userID, sessionID)
	if err != nil {
		m.logger.Warn(ctx, "artifact index unavailable", "session_id", sessionID, "error", err)
	} else if index != "" {
		prefix = append(prefix, models.ChatMessage{Role: models.RoleSystem, Content: index})
	}

	if len(prefix) > 0 {
		msgs = append(prefix, msgs...)
	}
	return msgs, nil
}

// cutAtCompaction drops rows already covered by the latest compaction
// summary. The boundary is the summary's compacted_until_ts; when the
// timestamps are unusable the cut falls back to the summary row's position.
func cutAtCompaction(rows []*models.ChatRecord) []*models.ChatRecord {
	summaryIdx := -1
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].MetaType() == models.MetaTypeCompaction {
			summaryIdx = i
			break
		}
	}
	if summaryIdx == -1 {
		return rows
	}

	until := rows[summaryIdx].CompactedUntil()
	if until > 0 {
		out := rows[:0:0]
		for _, rec := range rows {
			if rec.Timestamp <= until {
				continue
			}
			out = append(out, rec)
		}
		return out
	}
	return rows[summaryIdx+1:]
}
