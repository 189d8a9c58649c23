// Package memory digests finished sessions into long-term memory records.
// A background worker drains a priority queue ordered by enqueue time; each
// task replays the session snapshot through one cheap unary LLM call and
// upserts the digest under the per-user record cap. Failures are logged and
// never reach the request path.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/history"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/tokens"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// memoryInstruction primes the summarizer call. The model is asked for
// tagged output so normalization has a reliable extraction path.
const memoryInstruction = `You maintain long-term memory for an engineering assistant.
Summarize the conversation below into a compact digest a future session can
rely on: stable facts about the user and their project, decisions made,
artifacts produced, and unfinished work. Keep it under ten short segments.
Answer with the digest wrapped in <memory_summary></memory_summary> tags.`

// minBodyTokens is the floor for the conversation body budget after the
// instruction is accounted for.
const minBodyTokens = 256

// Store is the slice of the storage gateway the worker needs.
type Store interface {
	MemoryEnabled(ctx context.Context, userID string) (enabled, ok bool, err error)
	UpsertMemoryRecord(ctx context.Context, rec *models.MemoryRecord, maxRecords int) error
	UpsertMemoryTaskLog(ctx context.Context, log *models.MemoryTaskLog) error
	AppendSystemLog(ctx context.Context, level, component, message string, detail map[string]any) error
}

// Task is one session digest request, snapshotted when the session finished.
// The snapshot is authoritative: rows appended to the session afterwards are
// not part of the digest.
type Task struct {
	TaskID      string
	UserID      string
	SessionID   string
	QueuedTime  float64
	ModelName   string
	Overrides   map[string]any
	Attachments []models.Attachment
	Messages    []models.ChatMessage
	FinalAnswer string
	Language    string
}

// Worker owns the task queue and its single consumer goroutine. The consumer
// starts lazily on the first accepted task and survives task failures.
type Worker struct {
	manager *config.Manager
	db      Store
	factory llm.Factory
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	queue   taskHeap
	started bool
	wake    chan struct{}

	now func() float64
}

// NewWorker wires a summarizer worker. A nil factory uses the default
// provider factory.
func NewWorker(manager *config.Manager, db Store, factory llm.Factory, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	if factory == nil {
		factory = llm.New
	}
	return &Worker{
		manager: manager,
		db:      db,
		factory: factory,
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		now:     func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Enabled reports whether memory is on for the user: the per-user setting
// row when present, the config default otherwise.
func (w *Worker) Enabled(ctx context.Context, userID string) bool {
	enabled, ok, err := w.db.MemoryEnabled(ctx, userID)
	if err != nil {
		w.logger.Warn(ctx, "memory setting lookup failed", "user_id", userID, "error", err)
		return false
	}
	if ok {
		return enabled
	}
	return w.manager.Current().Memory.Enabled
}

// Enqueue accepts a task when memory is enabled for the user and reports
// whether it was queued. The first accepted task starts the consumer.
func (w *Worker) Enqueue(ctx context.Context, task Task) bool {
	if !w.Enabled(ctx, task.UserID) {
		return false
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.QueuedTime == 0 {
		task.QueuedTime = w.now()
	}

	w.logTask(ctx, &models.MemoryTaskLog{
		TaskID:     task.TaskID,
		UserID:     task.UserID,
		SessionID:  task.SessionID,
		Status:     models.MemoryTaskQueued,
		QueuedTime: task.QueuedTime,
	})

	w.mu.Lock()
	heap.Push(&w.queue, &task)
	if !w.started {
		w.started = true
		go w.drain()
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// drain is the consumer loop. One task at a time, in queued-time order;
// a failed or panicking task never stops the loop.
func (w *Worker) drain() {
	for {
		w.mu.Lock()
		if w.queue.Len() == 0 {
			w.mu.Unlock()
			<-w.wake
			continue
		}
		task := heap.Pop(&w.queue).(*Task)
		w.mu.Unlock()

		w.process(context.Background(), task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(ctx, task, fmt.Errorf("summarizer panic: %v", r))
		}
	}()

	w.logTask(ctx, &models.MemoryTaskLog{
		TaskID:     task.TaskID,
		UserID:     task.UserID,
		SessionID:  task.SessionID,
		Status:     models.MemoryTaskRunning,
		QueuedTime: task.QueuedTime,
		RunTime:    w.now(),
	})

	mc, err := w.manager.ResolveModel(task.ModelName, task.Overrides)
	if err != nil {
		w.fail(ctx, task, fmt.Errorf("resolve model: %w", err))
		return
	}
	// The digest is a single small completion regardless of what the
	// session ran with.
	mc.MaxOutput = history.CompactionSummaryMaxOutput
	mc.MaxRounds = 1
	stream := false
	mc.Stream = &stream

	msgs := buildMessages(task, mc)

	client, err := w.factory(mc)
	if err != nil {
		w.fail(ctx, task, fmt.Errorf("build llm client: %w", err))
		return
	}
	result, err := client.Complete(ctx, llm.Request{Messages: msgs})
	if err != nil {
		w.fail(ctx, task, fmt.Errorf("summarize session: %w", err))
		return
	}

	summary := normalizeSummary(result.Content)
	if summary == "" {
		w.fail(ctx, task, fmt.Errorf("summarizer returned empty output"))
		return
	}

	now := w.now()
	maxRecords := w.manager.Current().Memory.MaxRecords
	if err := w.db.UpsertMemoryRecord(ctx, &models.MemoryRecord{
		UserID:      task.UserID,
		SessionID:   task.SessionID,
		Summary:     summary,
		CreatedTime: now,
		UpdatedTime: now,
	}, maxRecords); err != nil {
		w.fail(ctx, task, fmt.Errorf("persist memory record: %w", err))
		return
	}

	w.logTask(ctx, &models.MemoryTaskLog{
		TaskID:     task.TaskID,
		UserID:     task.UserID,
		SessionID:  task.SessionID,
		Status:     models.MemoryTaskDone,
		QueuedTime: task.QueuedTime,
		FinishTime: now,
	})
	w.metrics.RecordMemoryTask(models.MemoryTaskDone)
	w.logger.Debug(ctx, "memory digest stored",
		"user_id", task.UserID, "session_id", task.SessionID, "chars", len(summary))
}

// fail records the failure in the task log and the system log. Nothing
// propagates: the worker moves on to the next task.
func (w *Worker) fail(ctx context.Context, task *Task, cause error) {
	w.logTask(ctx, &models.MemoryTaskLog{
		TaskID:     task.TaskID,
		UserID:     task.UserID,
		SessionID:  task.SessionID,
		Status:     models.MemoryTaskFailed,
		Error:      cause.Error(),
		QueuedTime: task.QueuedTime,
		FinishTime: w.now(),
	})
	if err := w.db.AppendSystemLog(ctx, "error", "memory", "memory task failed", map[string]any{
		"task_id":    task.TaskID,
		"user_id":    task.UserID,
		"session_id": task.SessionID,
		"error":      cause.Error(),
	}); err != nil {
		w.logger.Warn(ctx, "system log write failed", "error", err)
	}
	w.metrics.RecordMemoryTask(models.MemoryTaskFailed)
	w.logger.Warn(ctx, "memory task failed",
		"task_id", task.TaskID, "session_id", task.SessionID, "error", cause)
}

func (w *Worker) logTask(ctx context.Context, log *models.MemoryTaskLog) {
	if err := w.db.UpsertMemoryTaskLog(ctx, log); err != nil {
		w.logger.Warn(ctx, "memory task log write failed", "task_id", log.TaskID, "error", err)
	}
}

// buildMessages turns the snapshot into the two-message summarizer prompt:
// the reserved instruction plus one user turn concatenating the role-labeled
// conversation. Observations and system rows are excluded; the final answer
// is appended when the snapshot does not already carry it. Oldest entries
// are dropped first when the body exceeds the input budget.
func buildMessages(task *Task, mc config.ModelConfig) []models.ChatMessage {
	var entries []string
	for _, m := range task.Messages {
		if m.Role == models.RoleSystem || m.IsObservation() {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		content = tokens.TrimTextToTokens(content, history.CompactionSummaryMessageMaxTokens, " …")
		entries = append(entries, m.Role+": "+content)
	}

	answer := strings.TrimSpace(task.FinalAnswer)
	if answer != "" && !containsAnswer(entries, answer) {
		entries = append(entries, models.RoleAssistant+": "+tokens.TrimTextToTokens(answer, history.CompactionSummaryMessageMaxTokens, " …"))
	}

	budget := history.ContextLimit(mc.MaxContext) - tokens.Approx(memoryInstruction) - 2*tokens.MessageOverhead
	if budget < minBodyTokens {
		budget = minBodyTokens
	}
	for len(entries) > 1 && tokens.Approx(strings.Join(entries, "\n")) > budget {
		entries = entries[1:]
	}

	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: memoryInstruction},
		{Role: models.RoleUser, Content: strings.Join(entries, "\n")},
	}
}

func containsAnswer(entries []string, answer string) bool {
	for _, e := range entries {
		if strings.Contains(e, answer) {
			return true
		}
	}
	return false
}

// taskHeap is a min-heap ordered by QueuedTime, so the oldest enqueued
// session is digested first.
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].QueuedTime < h[j].QueuedTime }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
