// Package engine runs the reason-act loop: it admits a request, composes
// the context window, alternates LLM calls with tool dispatch until the
// model produces a final answer, and emits the event narration consumed by
// the SSE stream and the session monitor. One Engine serves all users; each
// request gets its own session state and its own emitter.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/admission"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/dispatch"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/emit"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/history"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/memory"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/monitor"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/prompt"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/skills"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/streambus"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/workspace"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// MemorySink receives finished sessions for background summarization.
// Satisfied by memory.Worker; nil disables enqueueing.
type MemorySink interface {
	Enqueue(ctx context.Context, task memory.Task) bool
}

// Options wires an engine over its collaborators. Config, Workspace,
// History, Registry, Composer, Admission, Monitor and Bus are required;
// LLM defaults to the production factory, Logger and Metrics to quiet
// implementations.
type Options struct {
	Config    *config.Manager
	Workspace *workspace.Manager
	History   *history.Manager
	Compactor *history.Compactor
	Registry  *dispatch.Registry
	Composer  *prompt.Composer
	Skills    *skills.Registry
	Admission *admission.Controller
	Monitor   *monitor.Monitor
	Bus       *streambus.Bus
	Memory    MemorySink
	LLM       llm.Factory
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Engine executes chat requests against the reason-act loop.
type Engine struct {
	config    *config.Manager
	workspace *workspace.Manager
	history   *history.Manager
	compactor *history.Compactor
	registry  *dispatch.Registry
	composer  *prompt.Composer
	skills    *skills.Registry
	admission *admission.Controller
	monitor   *monitor.Monitor
	bus       *streambus.Bus
	memory    MemorySink
	factory   llm.Factory
	logger    *observability.Logger
	metrics   *observability.Metrics

	emitters *emitterTable
}

// New builds an engine from its options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	factory := opts.LLM
	if factory == nil {
		factory = llm.New
	}
	return &Engine{
		config:    opts.Config,
		workspace: opts.Workspace,
		history:   opts.History,
		compactor: opts.Compactor,
		registry:  opts.Registry,
		composer:  opts.Composer,
		skills:    opts.Skills,
		admission: opts.Admission,
		monitor:   opts.Monitor,
		bus:       opts.Bus,
		memory:    opts.Memory,
		factory:   factory,
		logger:    logger,
		metrics:   metrics,
		emitters:  newEmitterTable(),
	}
}

// Request is one chat invocation.
type Request struct {
	UserID    string `json:"user_id"`
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`

	// Stream selects the transport on the HTTP layer; the engine itself is
	// driven through Process or ProcessStream.
	Stream *bool `json:"stream,omitempty"`

	// ToolNames filters the tool surface: nil allows everything, empty
	// allows nothing.
	ToolNames []string `json:"tool_names,omitempty"`

	ModelName       string              `json:"model_name,omitempty"`
	ConfigOverrides map[string]any      `json:"config_overrides,omitempty"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`
}

// WantsStream reports the requested transport; unset means streaming.
func (r *Request) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// Response is the unary result of a completed session.
type Response struct {
	SessionID string        `json:"session_id"`
	Answer    string        `json:"answer"`
	Usage     *models.Usage `json:"usage,omitempty"`

	// UID and A2UI are set when the model ended the session through the
	// a2ui tool: the payload goes to the caller's UI layer untouched.
	UID  string `json:"uid,omitempty"`
	A2UI []any  `json:"a2ui,omitempty"`
}

// Process runs the request to completion and returns the final answer.
// Terminal failures come back as *Error with a stable code.
func (e *Engine) Process(ctx context.Context, req *Request) (*Response, error) {
	s, err := e.prepare(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, s)
}

// ProcessStream admits the request synchronously, so callers can map
// USER_BUSY to a plain HTTP status before any event is sent, then runs the
// loop in the background and returns the subscriber channel. The channel is
// closed after the terminal event; cancelling ctx detaches the consumer
// without stopping the session.
func (e *Engine) ProcessStream(ctx context.Context, req *Request) (<-chan *models.Event, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	normalize(req)

	stream := e.bus.Open(ctx, req.SessionID, req.UserID)
	s, err := e.prepare(ctx, req, stream)
	if err != nil {
		stream.Finish()
		return nil, err
	}
	out := stream.Consume(ctx)
	// The loop must outlive the subscriber: a dropped SSE connection only
	// detaches the consumer, overflow replay covers the gap on reconnect.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, runErr := e.run(runCtx, s); runErr != nil {
			e.logger.Debug(runCtx, "stream session ended with error",
				"session_id", s.id, "error", runErr)
		}
	}()
	return out, nil
}

// Cancel requests cooperative cancellation of a running session. It returns
// false when the session is unknown or already terminal. The cancel event is
// stamped through the session's own emitter so stream subscribers see it in
// sequence.
func (e *Engine) Cancel(ctx context.Context, sessionID string) bool {
	if !e.monitor.Cancel(ctx, sessionID) {
		return false
	}
	if em, ok := e.emitters.get(sessionID); ok {
		em.Emit(ctx, models.EventCancel, map[string]any{"message": "cancel requested"})
	}
	return true
}

// session is the per-request loop state.
type session struct {
	req       *Request
	id        string
	cfg       *config.Config
	mc        config.ModelConfig
	em        *emit.Emitter
	disp      *dispatch.Dispatcher
	release   func()
	streaming bool

	systemPrompt string
	userContent  string
	messages     []models.ChatMessage

	round  int
	answer string
	uid    string
	a2ui   []any
	usage  models.Usage
}

func (s *session) mode() string {
	if s.streaming {
		return "stream"
	}
	return "unary"
}

// prepare validates, admits and registers the request, returning loop-ready
// session state. On error nothing is held: admission is released and no
// monitor record exists.
func (e *Engine) prepare(ctx context.Context, req *Request, stream emit.StreamSink) (*session, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	normalize(req)

	cfg, err := e.config.WithOverrides(req.ConfigOverrides)
	if err != nil {
		return nil, NewError(CodeInvalidRequest, "invalid config_overrides: "+err.Error())
	}
	mc, err := e.config.ResolveModel(req.ModelName, req.ConfigOverrides)
	if err != nil {
		return nil, NewError(CodeInvalidRequest, err.Error())
	}

	release, err := e.admission.Acquire(ctx, req.SessionID, req.UserID)
	if err != nil {
		if errors.Is(err, admission.ErrUserBusy) {
			busy := NewError(CodeUserBusy, "user already has an active session")
			busy.Detail = map[string]any{"message": busy.Message}
			return nil, busy
		}
		return nil, AsError(err)
	}
	if !e.monitor.TryRegister(ctx, req.SessionID, req.UserID, req.Question) {
		release()
		busy := NewError(CodeUserBusy, "session is already running")
		busy.Detail = map[string]any{"message": busy.Message}
		return nil, busy
	}

	if _, err := e.workspace.Ensure(req.UserID); err != nil {
		release()
		e.monitor.MarkError(ctx, req.SessionID, "workspace unavailable")
		return nil, Errorf(CodeInternalError, "ensure workspace: %v", err)
	}

	em := emit.New(req.SessionID, req.UserID, e.monitor, stream)
	s := &session{
		req:       req,
		id:        req.SessionID,
		cfg:       cfg,
		mc:        mc,
		em:        em,
		release:   release,
		streaming: stream != nil,
	}
	s.disp = e.registry.ForRequest(dispatch.RequestOptions{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ToolNames: req.ToolNames,
		Config:    cfg,
		Emitter:   em,
	})
	return s, nil
}

// run drives the loop and owns terminal bookkeeping: exactly one of final+
// finished, error, or error+cancelled is emitted, the admission slot is
// released, the stream is finished and the monitor record turns terminal.
func (e *Engine) run(ctx context.Context, s *session) (resp *Response, err error) {
	start := time.Now()
	e.emitters.put(s.id, s.em)

	defer func() {
		s.disp.ReleaseSandbox(context.WithoutCancel(ctx))
		s.em.Finish()
		e.emitters.drop(s.id)
		s.release()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "engine panic", "session_id", s.id, "panic", r)
			e.metrics.RecordError("engine", "panic")
			coded := Errorf(CodeInternalError, "internal error: %v", r)
			e.failSession(ctx, s, coded)
			e.metrics.RecordRequest(s.mode(), "error", time.Since(start).Seconds())
			resp, err = nil, coded
		}
	}()

	if loopErr := e.loop(ctx, s); loopErr != nil {
		coded := AsError(loopErr)
		if coded.Code == CodeCancelled {
			s.em.Emit(ctx, models.EventError, coded.eventData())
			s.em.Emit(ctx, models.EventCancelled, nil)
			e.monitor.MarkCancelled(ctx, s.id)
			e.metrics.RecordRequest(s.mode(), "cancelled", time.Since(start).Seconds())
			e.logger.Info(ctx, "session cancelled", "session_id", s.id, "user_id", s.req.UserID)
		} else {
			e.failSession(ctx, s, coded)
			e.metrics.RecordRequest(s.mode(), "error", time.Since(start).Seconds())
		}
		return nil, coded
	}

	usage := s.usage
	s.em.Emit(ctx, models.EventFinal, map[string]any{
		"answer": s.answer,
		"usage":  usageData(usage),
	})
	e.monitor.MarkFinished(ctx, s.id)
	e.enqueueMemory(ctx, s)
	s.em.Emit(ctx, models.EventFinished, nil)
	e.metrics.RecordRequest(s.mode(), "finished", time.Since(start).Seconds())
	e.logger.Info(ctx, "session finished",
		"session_id", s.id, "user_id", s.req.UserID,
		"rounds", s.round, "total_tokens", usage.TotalTokens,
		"elapsed_s", time.Since(start).Seconds())

	resp = &Response{SessionID: s.id, Answer: s.answer, UID: s.uid, A2UI: s.a2ui}
	if !usage.Zero() {
		resp.Usage = &usage
	}
	return resp, nil
}

// failSession emits the terminal error event and marks the monitor record.
func (e *Engine) failSession(ctx context.Context, s *session, coded *Error) {
	s.em.Emit(ctx, models.EventError, coded.eventData())
	e.monitor.MarkError(ctx, s.id, coded.Message)
	e.logger.Warn(ctx, "session failed",
		"session_id", s.id, "user_id", s.req.UserID, "code", coded.Code, "error", coded.Message)
}

// enqueueMemory hands the finished conversation to the summarizer. Always
// best-effort: a full queue or disabled memory never affects the response.
func (e *Engine) enqueueMemory(ctx context.Context, s *session) {
	if e.memory == nil {
		return
	}
	accepted := e.memory.Enqueue(ctx, memory.Task{
		UserID:      s.req.UserID,
		SessionID:   s.id,
		ModelName:   s.req.ModelName,
		Overrides:   s.req.ConfigOverrides,
		Attachments: s.req.Attachments,
		Messages:    append([]models.ChatMessage(nil), s.messages...),
		FinalAnswer: s.answer,
		Language:    s.cfg.Prompt.Language,
	})
	if accepted {
		e.logger.Debug(ctx, "memory task enqueued", "session_id", s.id, "user_id", s.req.UserID)
	}
}

// checkpoint raises CANCELLED when the request context died or the monitor
// carries a cancel flag for the session.
func (e *Engine) checkpoint(ctx context.Context, sessionID string) error {
	if ctx.Err() != nil {
		return NewError(CodeCancelled, "request context cancelled")
	}
	if e.monitor.IsCancelled(sessionID) {
		return NewError(CodeCancelled, "cancelled by user")
	}
	return nil
}

func validate(req *Request) error {
	if req == nil {
		return NewError(CodeInvalidRequest, "empty request")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return NewError(CodeInvalidRequest, "user_id is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return NewError(CodeInvalidRequest, "question is required")
	}
	return nil
}

// normalize fills the session id. Idempotent, so both the stream entry
// point and prepare may call it.
func normalize(req *Request) {
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = NewSessionID()
	}
}

// NewSessionID returns a fresh 32-character lowercase hex session id.
func NewSessionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func usageData(u models.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
	}
}

// emitterTable tracks live sessions so Cancel can stamp the cancel event
// through the owning emitter.
type emitterTable struct {
	mu   sync.Mutex
	live map[string]*emit.Emitter
}

func newEmitterTable() *emitterTable {
	return &emitterTable{live: make(map[string]*emit.Emitter)}
}

func (t *emitterTable) put(sessionID string, em *emit.Emitter) {
	t.mu.Lock()
	t.live[sessionID] = em
	t.mu.Unlock()
}

func (t *emitterTable) drop(sessionID string) {
	t.mu.Lock()
	delete(t.live, sessionID)
	t.mu.Unlock()
}

func (t *emitterTable) get(sessionID string) (*emit.Emitter, bool) {
	t.mu.Lock()
	em, ok := t.live[sessionID]
	t.mu.Unlock()
	return em, ok
}
