package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/engine"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// maxBodyBytes bounds request bodies; attachments arrive base64-inline.
const maxBodyBytes = 16 << 20

// handleChat serves POST /api/chat. stream:false answers with one JSON
// document, anything else streams SSE frames until the terminal event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.auth.Authorize(r); err != nil {
		writeUnauthorized(w)
		return
	}

	var req engine.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCodedError(w, engine.NewError(engine.CodeInvalidRequest, "malformed request body"))
		return
	}

	if req.WantsStream() {
		s.serveStream(w, r, &req)
		return
	}

	resp, err := s.engine.Process(r.Context(), &req)
	if err != nil {
		writeCodedError(w, engine.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveStream runs the request through the streaming entry point. Admission
// happens before the first byte is written, so USER_BUSY still comes back
// as a plain 429. After that, every outcome including failure is an SSE
// frame.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, req *engine.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := s.engine.ProcessStream(r.Context(), req)
	if err != nil {
		writeCodedError(w, engine.AsError(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Subscriber gone; the session keeps running and overflow
			// replay covers a reconnect.
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE renders one event frame: id, type and the JSON payload.
func writeSSE(w io.Writer, ev *models.Event) error {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload)
	return err
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

// handleCancel serves POST /api/chat/cancel. Cancellation is cooperative:
// true means the flag is set, the terminal events arrive on the session's
// own stream.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.auth.Authorize(r); err != nil {
		writeUnauthorized(w)
		return
	}

	var req cancelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeCodedError(w, engine.NewError(engine.CodeInvalidRequest, "session_id is required"))
		return
	}

	cancelled := s.engine.Cancel(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"cancelled":  cancelled,
	})
}
