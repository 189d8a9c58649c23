package gateway

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/engine"
)

// httpStatus maps engine error codes onto HTTP statuses.
func httpStatus(code string) int {
	switch code {
	case engine.CodeInvalidRequest:
		return http.StatusBadRequest
	case engine.CodeUserBusy:
		return http.StatusTooManyRequests
	case engine.CodeLLMUnavailable:
		return http.StatusBadGateway
	case engine.CodeCancelled:
		// Client closed request, nginx's convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// writeCodedError serializes an engine error as the response body with its
// mapped status. USER_BUSY lands here as a 429 whose detail.message names
// the holder.
func writeCodedError(w http.ResponseWriter, coded *engine.Error) {
	writeJSON(w, httpStatus(coded.Code), coded)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"code":    "UNAUTHORIZED",
		"message": "missing or invalid credentials",
	})
}

// statusRecorder captures the response status for metrics while keeping
// Flusher (SSE) and Hijacker (websocket upgrade) reachable.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
