// Package workspace manages per-user working directories and fronts the
// storage gateway for the engine: history, tool and artifact logs, session
// token usage and persisted system prompts all flow through the manager so
// the engine takes a single collaborator.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/store"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// treeMaxLines bounds the rendered directory tree injected into prompts.
const treeMaxLines = 200

// Manager owns the workspace root and the storage facade.
type Manager struct {
	root   string
	db     *store.Store
	logger *observability.Logger

	mu    sync.Mutex
	dirty map[string]int64
}

// NewManager creates a manager rooted at root, creating the directory if
// needed.
func NewManager(root string, db *store.Store, logger *observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{
		root:   abs,
		db:     db,
		logger: logger,
		dirty:  map[string]int64{},
	}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// UserRoot returns the user's workspace directory without creating it.
func (m *Manager) UserRoot(userID string) string {
	return filepath.Join(m.root, sanitizeUser(userID))
}

// Ensure creates the user's workspace directory and returns its path.
func (m *Manager) Ensure(userID string) (string, error) {
	dir := m.UserRoot(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create user workspace: %w", err)
	}
	return dir, nil
}

// Tree renders a two-level listing of the user's workspace for prompt
// injection. Hidden entries are skipped and the output is line-capped so a
// crowded workspace cannot blow up the prompt.
func (m *Manager) Tree(userID string) string {
	dir := m.UserRoot(userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var lines []string
	for _, entry := range visible(entries) {
		if len(lines) >= treeMaxLines {
			lines = append(lines, "...")
			break
		}
		if !entry.IsDir() {
			lines = append(lines, entry.Name())
			continue
		}
		lines = append(lines, entry.Name()+"/")
		children, err := os.ReadDir(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		for _, child := range visible(children) {
			if len(lines) >= treeMaxLines {
				break
			}
			name := child.Name()
			if child.IsDir() {
				name += "/"
			}
			lines = append(lines, "  "+name)
		}
	}
	return strings.Join(lines, "\n")
}

// TreeVersion returns a counter that changes whenever the user's workspace
// tree changes. The base comes from the directory's mtime; because mtime
// only tracks direct children, tools that write deeper paths must call
// MarkDirty.
func (m *Manager) TreeVersion(userID string) int64 {
	var v int64
	if info, err := os.Stat(m.UserRoot(userID)); err == nil {
		v = info.ModTime().UnixNano()
	}
	m.mu.Lock()
	if mark := m.dirty[sanitizeUser(userID)]; mark > v {
		v = mark
	}
	m.mu.Unlock()
	return v
}

// MarkDirty forces the next TreeVersion to report a change.
func (m *Manager) MarkDirty(userID string) {
	m.mu.Lock()
	m.dirty[sanitizeUser(userID)] = time.Now().UnixNano()
	m.mu.Unlock()
}

// LoadHistory returns the session's chat rows, newest maxItems when positive.
func (m *Manager) LoadHistory(ctx context.Context, userID, sessionID string, maxItems int) ([]*models.ChatRecord, error) {
	return m.db.LoadChat(ctx, userID, sessionID, maxItems)
}

// AppendChat persists one chat row.
func (m *Manager) AppendChat(ctx context.Context, rec *models.ChatRecord) error {
	return m.db.AppendChat(ctx, rec)
}

// AppendToolLog persists one tool invocation row.
func (m *Manager) AppendToolLog(ctx context.Context, log *models.ToolLog) error {
	return m.db.AppendToolLog(ctx, log)
}

// AppendArtifactLog persists one artifact row.
func (m *Manager) AppendArtifactLog(ctx context.Context, rec *models.ArtifactRecord) error {
	return m.db.AppendArtifact(ctx, rec)
}

// LoadArtifactLogs returns the session's most recent artifact rows.
func (m *Manager) LoadArtifactLogs(ctx context.Context, userID, sessionID string, limit int) ([]*models.ArtifactRecord, error) {
	return m.db.LoadArtifacts(ctx, userID, sessionID, limit)
}

// LatestCompactionSummary returns the session's newest compaction row.
func (m *Manager) LatestCompactionSummary(ctx context.Context, userID, sessionID string) (*models.ChatRecord, error) {
	return m.db.LatestCompactionSummary(ctx, userID, sessionID)
}

// LoadSessionSystemPrompt returns the persisted system prompt row, or nil.
func (m *Manager) LoadSessionSystemPrompt(ctx context.Context, userID, sessionID string) (*models.ChatRecord, error) {
	return m.db.LatestSystemPrompt(ctx, userID, sessionID)
}

// SaveSessionSystemPrompt appends a system prompt row for the session.
func (m *Manager) SaveSessionSystemPrompt(ctx context.Context, userID, sessionID, prompt, language string) error {
	meta := map[string]any{models.MetaTypeKey: models.MetaTypeSystemPrompt}
	if language != "" {
		meta[models.MetaLanguageKey] = language
	}
	return m.db.AppendChat(ctx, &models.ChatRecord{
		UserID:    userID,
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   prompt,
		Meta:      meta,
	})
}

// Session token usage lives in the meta table as three counters so
// concurrent writers can accumulate without read-modify-write races.

func sessionTokenKey(sessionID, field string) string {
	return "session_tokens:" + sessionID + ":" + field
}

// LoadSessionTokenUsage returns the accumulated token usage for a session.
func (m *Manager) LoadSessionTokenUsage(ctx context.Context, sessionID string) (models.Usage, error) {
	var u models.Usage
	fields := []struct {
		name string
		dst  *int
	}{
		{"input", &u.InputTokens},
		{"output", &u.OutputTokens},
		{"total", &u.TotalTokens},
	}
	for _, f := range fields {
		raw, ok, err := m.db.MetaGet(ctx, sessionTokenKey(sessionID, f.name))
		if err != nil {
			return models.Usage{}, err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		*f.dst = n
	}
	return u, nil
}

// SaveSessionTokenUsage overwrites the session's token counters.
func (m *Manager) SaveSessionTokenUsage(ctx context.Context, sessionID string, u models.Usage) error {
	for _, f := range []struct {
		name string
		val  int
	}{
		{"input", u.InputTokens},
		{"output", u.OutputTokens},
		{"total", u.TotalTokens},
	} {
		if err := m.db.MetaSet(ctx, sessionTokenKey(sessionID, f.name), strconv.Itoa(f.val)); err != nil {
			return err
		}
	}
	return nil
}

// AddSessionTokenUsage atomically accumulates one LLM call's usage into the
// session counters.
func (m *Manager) AddSessionTokenUsage(ctx context.Context, sessionID string, u models.Usage) error {
	for _, f := range []struct {
		name string
		val  int
	}{
		{"input", u.InputTokens},
		{"output", u.OutputTokens},
		{"total", u.TotalTokens},
	} {
		if f.val == 0 {
			continue
		}
		if _, err := m.db.MetaIncr(ctx, sessionTokenKey(sessionID, f.name), int64(f.val)); err != nil {
			return err
		}
	}
	return nil
}

func visible(entries []os.DirEntry) []os.DirEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// sanitizeUser keeps user-supplied IDs inside the workspace root.
func sanitizeUser(userID string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, userID)
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
