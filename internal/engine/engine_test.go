package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/admission"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/dispatch"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/history"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/memory"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/monitor"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/prompt"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/store"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/streambus"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/workspace"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// memorySpy records enqueued summarizer tasks.
type memorySpy struct {
	mu    sync.Mutex
	tasks []memory.Task
}

func (m *memorySpy) Enqueue(_ context.Context, task memory.Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return true
}

func (m *memorySpy) snapshot() []memory.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Task(nil), m.tasks...)
}

// rig is a full engine over a temp sqlite store and a scripted fake model.
type rig struct {
	engine  *Engine
	db      *store.Store
	mon     *monitor.Monitor
	ws      *workspace.Manager
	manager *config.Manager
	reg     *dispatch.Registry
	mem     *memorySpy
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Workspace.Root = filepath.Join(dir, "workspace")
	cfg.LLM.Default = "main"
	cfg.LLM.Models = map[string]config.ModelConfig{
		"main": {Provider: "fake", Model: "fake-chat"},
	}
	return cfg
}

func newRig(t *testing.T, factory llm.Factory, mutate func(*config.Config)) *rig {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(ctx, store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(dir, "test.db"),
	}, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}
	manager := config.NewManager(cfg)

	ws, err := workspace.NewManager(cfg.Workspace.Root, db, nil)
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	hist := history.NewManager(ws, nil)
	mon := monitor.New(monitor.Config{}, db, nil, nil)
	reg := dispatch.NewRegistry(dispatch.Deps{})
	mem := &memorySpy{}

	eng := New(Options{
		Config:    manager,
		Workspace: ws,
		History:   hist,
		Compactor: history.NewCompactor(hist, factory, nil, nil),
		Registry:  reg,
		Composer:  prompt.NewComposer(manager, ws, prompt.NewTemplates("", nil), nil),
		Admission: admission.New(admission.Config{MaxActive: cfg.Server.MaxActiveSessions}, db, nil, nil),
		Monitor:   mon,
		Bus:       streambus.New(streambus.Config{}, db, nil, nil),
		Memory:    mem,
		LLM:       factory,
		Metrics:   observability.NewMetricsWith(prometheus.NewRegistry()),
	})
	return &rig{engine: eng, db: db, mon: mon, ws: ws, manager: manager, reg: reg, mem: mem}
}

func fakeFactory(fake *llm.Fake) llm.Factory {
	return func(config.ModelConfig) (llm.Client, error) { return fake, nil }
}

func unaryModel(cfg *config.Config) {
	mc := cfg.LLM.Models["main"]
	stream := false
	mc.Stream = &stream
	cfg.LLM.Models["main"] = mc
}

func collect(t *testing.T, ch <-chan *models.Event) []*models.Event {
	t.Helper()
	var events []*models.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close; %d events so far", len(events))
		}
	}
}

func typesOf(events []*models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func firstOfType(events []*models.Event, typ models.EventType) *models.Event {
	for _, ev := range events {
		if ev.Type == typ {
			return ev
		}
	}
	return nil
}

func countType(events []*models.Event, typ models.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func TestProcessAnswersAndPersists(t *testing.T) {
	fake := llm.NewFake()
	r := newRig(t, fakeFactory(fake), unaryModel)
	ctx := context.Background()

	resp, err := r.engine.Process(ctx, &Request{UserID: "u1", Question: "你好"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Answer != llm.FakeAnswer {
		t.Errorf("Answer = %q, want %q", resp.Answer, llm.FakeAnswer)
	}
	if !isHex32(resp.SessionID) {
		t.Errorf("SessionID = %q, want 32 lowercase hex chars", resp.SessionID)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens == 0 {
		t.Errorf("Usage = %+v, want accumulated tokens", resp.Usage)
	}

	rec, ok := r.mon.Get(resp.SessionID)
	if !ok || rec.Status != models.StatusFinished {
		t.Fatalf("monitor record = %+v, want finished", rec)
	}

	rows, err := r.ws.LoadHistory(ctx, "u1", resp.SessionID, 10)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	var roles []string
	for _, row := range rows {
		roles = append(roles, row.Role)
	}
	want := []string{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("persisted roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("persisted roles = %v, want %v", roles, want)
		}
	}
	if rows[1].Content != "你好" || rows[2].Content != llm.FakeAnswer {
		t.Errorf("persisted contents wrong: user=%q assistant=%q", rows[1].Content, rows[2].Content)
	}

	// Session token usage accumulated for the compaction trigger.
	usage, err := r.ws.LoadSessionTokenUsage(ctx, resp.SessionID)
	if err != nil || usage.TotalTokens == 0 {
		t.Errorf("session usage = %+v, err = %v, want recorded tokens", usage, err)
	}
}

func TestProcessStreamEventOrder(t *testing.T) {
	fake := llm.NewFake()
	r := newRig(t, fakeFactory(fake), nil)

	ch, err := r.engine.ProcessStream(context.Background(), &Request{UserID: "u1", Question: "hi"})
	if err != nil {
		t.Fatalf("ProcessStream() error = %v", err)
	}
	events := collect(t, ch)

	// Strictly ascending IDs.
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("event ids not ascending at %d: %d then %d", i, events[i-1].ID, events[i].ID)
		}
	}

	// The narration arrives in loop order and ends with the terminal pair.
	order := []models.EventType{
		models.EventReceived,
		models.EventRoundStart,
		models.EventProgress,
		models.EventLLMRequest,
		models.EventLLMOutputDelta,
		models.EventLLMResponse,
		models.EventLLMOutput,
		models.EventTokenUsage,
		models.EventFinal,
		models.EventFinished,
	}
	pos := -1
	for _, want := range order {
		found := -1
		for i, ev := range events {
			if i > pos && ev.Type == want {
				found = i
				break
			}
		}
		if found == -1 {
			t.Fatalf("missing %s after index %d in %v", want, pos, typesOf(events))
		}
		pos = found
	}
	if last := events[len(events)-1]; last.Type != models.EventFinished {
		t.Errorf("last event = %s, want finished", last.Type)
	}
	if n := countType(events, models.EventError) + countType(events, models.EventCancelled); n != 0 {
		t.Errorf("unexpected terminal events in %v", typesOf(events))
	}

	final := firstOfType(events, models.EventFinal)
	if final.Data["answer"] != llm.FakeAnswer {
		t.Errorf("final answer = %v, want %q", final.Data["answer"], llm.FakeAnswer)
	}

	// Deltas concatenate to the full answer.
	var got strings.Builder
	for _, ev := range events {
		if ev.Type == models.EventLLMOutputDelta {
			if d, ok := ev.Data["delta"].(string); ok {
				got.WriteString(d)
			}
		}
	}
	if got.String() != llm.FakeAnswer {
		t.Errorf("concatenated deltas = %q, want %q", got.String(), llm.FakeAnswer)
	}
}

func TestExplicitSessionIDAndHistoryContinuity(t *testing.T) {
	fake := llm.NewFake("first answer", "second answer")
	r := newRig(t, fakeFactory(fake), unaryModel)
	ctx := context.Background()

	resp1, err := r.engine.Process(ctx, &Request{UserID: "u1", Question: "q one", SessionID: "sess-fixed"})
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if resp1.SessionID != "sess-fixed" {
		t.Fatalf("SessionID = %q, want sess-fixed", resp1.SessionID)
	}

	if _, err := r.engine.Process(ctx, &Request{UserID: "u1", Question: "q two", SessionID: "sess-fixed"}); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	// The second call sees the first exchange in its window.
	req := fake.LastRequest()
	var sawQ1, sawA1 bool
	for _, msg := range req.Messages {
		if strings.Contains(msg.Content, "q one") {
			sawQ1 = true
		}
		if strings.Contains(msg.Content, "first answer") {
			sawA1 = true
		}
	}
	if !sawQ1 || !sawA1 {
		t.Errorf("second window missing prior turns (q1=%v a1=%v): %+v", sawQ1, sawA1, req.Messages)
	}
}

func TestValidationErrors(t *testing.T) {
	r := newRig(t, fakeFactory(llm.NewFake()), unaryModel)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
	}{
		{"missing user", &Request{Question: "hi"}},
		{"missing question", &Request{UserID: "u1"}},
		{"blank question", &Request{UserID: "u1", Question: "   "}},
		{"unknown model", &Request{UserID: "u1", Question: "hi", ModelName: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.engine.Process(ctx, tc.req)
			var coded *Error
			if !errors.As(err, &coded) || coded.Code != CodeInvalidRequest {
				t.Fatalf("Process() error = %v, want INVALID_REQUEST", err)
			}
		})
	}

	// Nothing was admitted or registered.
	if n := r.mon.ActiveCount(); n != 0 {
		t.Errorf("active sessions = %d, want 0", n)
	}
}

func TestUserBusyRejectsSecondSession(t *testing.T) {
	gate := make(chan struct{})
	var once sync.Once
	fake := llm.NewFake()
	fake.OnRequest = func(n int, _ llm.Request) {
		if n == 1 {
			<-gate
		}
	}
	t.Cleanup(func() { once.Do(func() { close(gate) }) })

	r := newRig(t, fakeFactory(fake), unaryModel)
	ctx := context.Background()

	done := make(chan *Response, 1)
	go func() {
		resp, _ := r.engine.Process(ctx, &Request{UserID: "u1", Question: "slow", SessionID: "sess-a"})
		done <- resp
	}()
	waitFor(t, "first session running", func() bool {
		rec, ok := r.mon.Get("sess-a")
		return ok && rec.Status == models.StatusRunning && fake.Calls() > 0
	})

	for _, sid := range []string{"", "sess-a", "sess-b"} {
		_, err := r.engine.Process(ctx, &Request{UserID: "u1", Question: "again", SessionID: sid})
		var coded *Error
		if !errors.As(err, &coded) || coded.Code != CodeUserBusy {
			t.Fatalf("re-entry with session %q: error = %v, want USER_BUSY", sid, err)
		}
		if coded.Detail["message"] == "" {
			t.Errorf("busy error missing detail.message: %+v", coded)
		}
	}

	// Another user is unaffected.
	if _, err := r.engine.Process(ctx, &Request{UserID: "u2", Question: "hi"}); err != nil {
		t.Fatalf("other user Process() error = %v", err)
	}

	once.Do(func() { close(gate) })
	if resp := <-done; resp == nil || resp.Answer != llm.FakeAnswer {
		t.Fatalf("first session response = %+v", resp)
	}

	// Slot released: the user can run again.
	if _, err := r.engine.Process(ctx, &Request{UserID: "u1", Question: "hello again"}); err != nil {
		t.Fatalf("Process() after release error = %v", err)
	}
}

func TestFinalResponseSentinel(t *testing.T) {
	fake := llm.NewFake(`Let me wrap up.
<tool_call>{"name":"final_response","arguments":{"answer":"all done"}}</tool_call>`)
	r := newRig(t, fakeFactory(fake), unaryModel)

	resp, err := r.engine.Process(context.Background(), &Request{UserID: "u1", Question: "finish"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Answer != "all done" {
		t.Errorf("Answer = %q, want %q", resp.Answer, "all done")
	}
	if fake.Calls() != 1 {
		t.Errorf("LLM calls = %d, want 1", fake.Calls())
	}

	rec, _ := r.mon.Get(resp.SessionID)
	for _, ev := range rec.Events {
		if ev.Type == models.EventToolCall || ev.Type == models.EventToolResult {
			t.Errorf("sentinel must not dispatch, saw %s", ev.Type)
		}
	}
}

func TestA2UISentinel(t *testing.T) {
	fake := llm.NewFake(`<tool_call>{"name":"a2ui","arguments":{"uid":"panel-7","messages":[{"kind":"chart"}],"content":"rendered a chart"}}</tool_call>`)
	r := newRig(t, fakeFactory(fake), unaryModel)

	resp, err := r.engine.Process(context.Background(), &Request{UserID: "u1", Question: "draw"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.UID != "panel-7" {
		t.Errorf("UID = %q, want panel-7", resp.UID)
	}
	if len(resp.A2UI) != 1 {
		t.Fatalf("A2UI = %+v, want one message", resp.A2UI)
	}
	if resp.Answer != "rendered a chart" {
		t.Errorf("Answer = %q, want the a2ui note", resp.Answer)
	}

	rec, _ := r.mon.Get(resp.SessionID)
	if rec.Status != models.StatusFinished {
		t.Errorf("status = %s, want finished", rec.Status)
	}
	var sawA2UI bool
	for _, ev := range rec.Events {
		if ev.Type == models.EventA2UI {
			sawA2UI = true
			if ev.Data["uid"] != "panel-7" {
				t.Errorf("a2ui event uid = %v", ev.Data["uid"])
			}
		}
	}
	if !sawA2UI {
		t.Error("a2ui event not recorded")
	}
}

func TestMemoryEnqueuedOnlyOnSuccess(t *testing.T) {
	fake := llm.NewFake()
	r := newRig(t, fakeFactory(fake), unaryModel)
	ctx := context.Background()

	resp, err := r.engine.Process(ctx, &Request{UserID: "u1", Question: "remember me"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	tasks := r.mem.snapshot()
	if len(tasks) != 1 {
		t.Fatalf("memory tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.UserID != "u1" || task.SessionID != resp.SessionID || task.FinalAnswer != llm.FakeAnswer {
		t.Errorf("task = %+v", task)
	}
	var sawQuestion bool
	for _, msg := range task.Messages {
		if msg.Role == models.RoleUser && strings.Contains(msg.Content, "remember me") {
			sawQuestion = true
		}
	}
	if !sawQuestion {
		t.Error("task snapshot missing the user turn")
	}

	// A failed session enqueues nothing.
	failing := llm.NewFake()
	failing.Err = errors.New("backend down")
	r2 := newRig(t, fakeFactory(failing), unaryModel)
	_, err = r2.engine.Process(ctx, &Request{UserID: "u1", Question: "hi"})
	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeLLMUnavailable {
		t.Fatalf("Process() error = %v, want LLM_UNAVAILABLE", err)
	}
	if len(r2.mem.snapshot()) != 0 {
		t.Error("failed session must not enqueue a memory task")
	}
}

func TestLLMFailureEmitsTerminalError(t *testing.T) {
	fake := llm.NewFake()
	fake.Err = errors.New("boom")
	r := newRig(t, fakeFactory(fake), unaryModel)

	ch, err := r.engine.ProcessStream(context.Background(), &Request{UserID: "u1", Question: "hi", SessionID: "sess-err"})
	if err != nil {
		t.Fatalf("ProcessStream() error = %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event = %s, want error; sequence %v", last.Type, typesOf(events))
	}
	if last.Data["code"] != CodeLLMUnavailable {
		t.Errorf("error code = %v, want LLM_UNAVAILABLE", last.Data["code"])
	}
	if countType(events, models.EventFinished)+countType(events, models.EventCancelled) != 0 {
		t.Errorf("multiple terminals in %v", typesOf(events))
	}

	rec, _ := r.mon.Get("sess-err")
	if rec.Status != models.StatusError {
		t.Errorf("monitor status = %s, want error", rec.Status)
	}
}
