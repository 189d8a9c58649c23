package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/auth"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/engine"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

type stubEngine struct {
	processFn func(ctx context.Context, req *engine.Request) (*engine.Response, error)
	streamFn  func(ctx context.Context, req *engine.Request) (<-chan *models.Event, error)
	cancelFn  func(ctx context.Context, sessionID string) bool

	lastCancelled string
}

func (s *stubEngine) Process(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	if s.processFn == nil {
		return &engine.Response{SessionID: req.SessionID, Answer: "ok"}, nil
	}
	return s.processFn(ctx, req)
}

func (s *stubEngine) ProcessStream(ctx context.Context, req *engine.Request) (<-chan *models.Event, error) {
	if s.streamFn == nil {
		ch := make(chan *models.Event)
		close(ch)
		return ch, nil
	}
	return s.streamFn(ctx, req)
}

func (s *stubEngine) Cancel(ctx context.Context, sessionID string) bool {
	s.lastCancelled = sessionID
	if s.cancelFn == nil {
		return true
	}
	return s.cancelFn(ctx, sessionID)
}

type stubMonitor struct {
	sessions []*models.MonitorSession
	events   chan *models.Event
	purged   []string
}

func (s *stubMonitor) List() []*models.MonitorSession {
	return s.sessions
}

func (s *stubMonitor) Watch() (<-chan *models.Event, func()) {
	if s.events == nil {
		s.events = make(chan *models.Event, 8)
	}
	return s.events, func() {}
}

func (s *stubMonitor) PurgeUserSessions(_ context.Context, userID string) int {
	s.purged = append(s.purged, userID)
	n := 0
	var kept []*models.MonitorSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			n++
			continue
		}
		kept = append(kept, sess)
	}
	s.sessions = kept
	return n
}

func newTestServer(t *testing.T, eng Processor, mon SessionMonitor, authCfg auth.Config) *Server {
	t.Helper()
	if eng == nil {
		eng = &stubEngine{}
	}
	if mon == nil {
		mon = &stubMonitor{}
	}
	return NewServer(Options{
		Config:  &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 0}},
		Engine:  eng,
		Monitor: mon,
		Auth:    auth.NewService(authCfg),
		Logger:  observability.NewLogger(observability.LogConfig{Level: "error"}),
	})
}

func postJSON(t *testing.T, h http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func boolPtr(v bool) *bool { return &v }

func TestChatUnary(t *testing.T) {
	eng := &stubEngine{
		processFn: func(ctx context.Context, req *engine.Request) (*engine.Response, error) {
			if req.UserID != "u1" || req.Question != "你好" {
				t.Fatalf("unexpected request: %+v", req)
			}
			return &engine.Response{
				SessionID: "s1",
				Answer:    "测试回复",
				Usage:     &models.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
			}, nil
		},
	}
	srv := newTestServer(t, eng, nil, auth.Config{})

	w := postJSON(t, srv.Handler(), "/api/chat",
		map[string]any{"user_id": "u1", "question": "你好", "stream": false}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp engine.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Answer != "测试回复" || resp.SessionID != "s1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage missing: %+v", resp.Usage)
	}
}

func TestChatUserBusyMapsTo429(t *testing.T) {
	eng := &stubEngine{
		processFn: func(ctx context.Context, req *engine.Request) (*engine.Response, error) {
			coded := engine.NewError(engine.CodeUserBusy, "user has an active session")
			coded.Detail = map[string]any{"message": "user has an active session"}
			return nil, coded
		},
	}
	srv := newTestServer(t, eng, nil, auth.Config{})

	w := postJSON(t, srv.Handler(), "/api/chat",
		map[string]any{"user_id": "u1", "question": "hi", "stream": false}, nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	var body struct {
		Code   string         `json:"code"`
		Detail map[string]any `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Code != engine.CodeUserBusy {
		t.Fatalf("code = %q", body.Code)
	}
	if _, ok := body.Detail["message"]; !ok {
		t.Fatalf("detail.message missing: %s", w.Body.String())
	}
}

func TestChatErrorStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{engine.CodeInvalidRequest, http.StatusBadRequest},
		{engine.CodeUserBusy, http.StatusTooManyRequests},
		{engine.CodeLLMUnavailable, http.StatusBadGateway},
		{engine.CodeCancelled, 499},
		{engine.CodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.code); got != tt.want {
			t.Errorf("httpStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestChatMalformedBody(t *testing.T) {
	srv := newTestServer(t, nil, nil, auth.Config{})
	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatMethodGuard(t *testing.T) {
	srv := newTestServer(t, nil, nil, auth.Config{})
	r := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestChatAPIKeyRequired(t *testing.T) {
	srv := newTestServer(t, nil, nil, auth.Config{APIKey: "sk-gate"})

	w := postJSON(t, srv.Handler(), "/api/chat",
		map[string]any{"user_id": "u1", "question": "hi", "stream": false}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", w.Code)
	}

	w = postJSON(t, srv.Handler(), "/api/chat",
		map[string]any{"user_id": "u1", "question": "hi", "stream": false},
		map[string]string{"X-Api-Key": "sk-gate"})
	if w.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	eng := &stubEngine{}
	srv := newTestServer(t, eng, nil, auth.Config{})

	w := postJSON(t, srv.Handler(), "/api/chat/cancel",
		map[string]any{"session_id": "abc123"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if eng.lastCancelled != "abc123" {
		t.Fatalf("cancel forwarded %q", eng.lastCancelled)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["cancelled"] != true {
		t.Fatalf("cancelled = %v", body["cancelled"])
	}

	w = postJSON(t, srv.Handler(), "/api/chat/cancel", map[string]any{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status without session_id = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil, nil, auth.Config{})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil, auth.Config{})
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := newTestServer(t, nil, nil, auth.Config{})
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	srv.Stop(ctx)
	if srv.Addr() != "" {
		t.Fatal("Addr() non-empty after Stop")
	}
}
