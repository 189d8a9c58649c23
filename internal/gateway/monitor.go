package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/auth"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/engine"
)

const (
	wsPingInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleMonitorSessions serves GET /api/monitor/sessions: a snapshot of
// every known session record, newest first.
func (s *Server) handleMonitorSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, _ := auth.SubjectFrom(r.Context())

	sessions := s.monitor.List()
	s.logger.Debug(r.Context(), "monitor sessions listed", "count", len(sessions), "subject", subject)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleMonitorPurge serves POST /api/monitor/purge {user_id}: force-cancels
// the user's in-flight sessions and deletes their monitor records, spilled
// stream events, admission locks and long-term memory.
func (s *Server) handleMonitorPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		writeCodedError(w, engine.NewError(engine.CodeInvalidRequest, "user_id is required"))
		return
	}

	ctx := r.Context()
	purged := s.monitor.PurgeUserSessions(ctx, req.UserID)
	var memoryDeleted int64
	if s.memory != nil {
		n, err := s.memory.DeleteMemoryRecordsByUser(ctx, req.UserID)
		if err != nil {
			s.logger.Warn(ctx, "memory purge failed", "user_id", req.UserID, "error", err)
		}
		memoryDeleted = n
	}

	subject, _ := auth.SubjectFrom(ctx)
	s.logger.Info(ctx, "user data purged",
		"user_id", req.UserID, "sessions", purged, "memory_records", memoryDeleted, "subject", subject)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         req.UserID,
		"sessions_purged": purged,
		"memory_records":  memoryDeleted,
	})
}

// handleMonitorWS serves GET /api/monitor/ws: a live feed of monitor events
// as JSON text frames. Browsers cannot set headers on websocket dials, so
// the credential may ride the `token` query parameter.
func (s *Server) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	subject, _ := auth.SubjectFrom(r.Context())
	s.logger.Debug(r.Context(), "monitor watcher connected", "subject", subject)

	events, cancel := s.monitor.Watch()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
